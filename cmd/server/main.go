// cmd/server runs one ringkv replica.
//
// Usage:
//
//	ringkv serve --config replica.yaml
//	ringkv serve --node-id R1 --port 7000 --slot 0 --seeds R2=127.0.0.1:7003@3
//	RINGKV_COORDINATOR=10.0.0.9:9000 ringkv serve --node-id R4
//
// Settings are read from the YAML file first; RINGKV_<FLAG> environment
// variables (also from .env) override the file, and flags override both.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "ringkv",
		Short:         "Replica of the ringkv replicated key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
