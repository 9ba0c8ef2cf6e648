// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	kvcli get cart                                   --server localhost:7000
//	kvcli add cart apple --version '{"R1":2}'        --server localhost:7000
//	kvcli remove cart apple --version '{"R1":3}'     --server localhost:7000
//	kvcli reconcile cart                             --server localhost:7000
//	kvcli status                                     --server localhost:7000
//	kvcli transfer 127.0.0.1:7003 4 6 --remove       --server localhost:7000
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ringkv/internal/client"
	"ringkv/internal/store"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "kvcli",
		Short:        "CLI client for the ringkv store",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"localhost:8080", "address of any replica")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(getCmd(), addCmd(), removeCmd(), reconcileCmd(), statusCmd(), transferCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print every version of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			versions, err := c.Get(context.Background(), args[0])
			if errors.Is(err, client.ErrNotFound) {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			if len(versions) > 1 {
				fmt.Fprintf(os.Stderr, "%d divergent versions, run: kvcli reconcile %s\n", len(versions), args[0])
			}
			prettyPrint(versions)
			return nil
		},
	}
}

// ─── add / remove ─────────────────────────────────────────────────────────────

func addCmd() *cobra.Command {
	return writeCmd("add <key> <item>", "Append an item to a key", store.OpAdd)
}

func removeCmd() *cobra.Command {
	return writeCmd("remove <key> <item>", "Remove one occurrence of an item", store.OpRemove)
}

func writeCmd(use, short string, op store.Op) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clock := store.VectorClock{}
			if version != "" {
				if err := json.Unmarshal([]byte(version), &clock); err != nil {
					return fmt.Errorf("parse --version: %w", err)
				}
			}

			c := client.New(serverAddr, timeout)
			ctx := context.Background()

			var (
				out store.VectorClock
				err error
			)
			if op == store.OpAdd {
				out, err = c.Add(ctx, args[0], args[1], clock)
			} else {
				out, err = c.Remove(ctx, args[0], args[1], clock)
			}

			var conflict *client.ConflictError
			if errors.As(err, &conflict) {
				fmt.Fprintln(os.Stderr, "stale version, retry with:")
				prettyPrint(conflict.Clock)
				return err
			}
			if err != nil {
				return err
			}
			prettyPrint(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", `clock last read, as JSON (e.g. '{"R1":2}'); empty for a new key`)
	return cmd
}

// ─── reconcile ────────────────────────────────────────────────────────────────

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <key>",
		Short: "Merge divergent versions of a key and write the result back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			ctx := context.Background()

			versions, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if len(versions) < 2 {
				fmt.Println("nothing to reconcile")
				return nil
			}

			merged, err := c.Reconcile(ctx, args[0], versions)
			if err != nil {
				return err
			}
			prettyPrint(merged)
			return nil
		},
	}
}

// ─── admin ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the replica's view of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.New(serverAddr, timeout).Status(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(st)
			return nil
		},
	}
}

func transferCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "transfer <to> <start> <end>",
		Short: "Ship the partitions in slots [start, end] to another replica",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			end, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("end: %w", err)
			}

			n, err := client.New(serverAddr, timeout).Transfer(context.Background(), args[0], start, end, remove)
			if err != nil {
				return err
			}
			fmt.Printf("transferred %d partition(s) to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "drop the partitions from the source replica")
	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
