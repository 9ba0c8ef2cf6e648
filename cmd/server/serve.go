package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ringkv/internal/api"
	"ringkv/internal/cluster"
	"ringkv/internal/config"
	"ringkv/internal/logging"
	"ringkv/internal/metrics"
	"ringkv/internal/registry"
	"ringkv/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a replica",
		Long: `Start a replica: join the ring (through the membership coordinator, or
from the static ring settings), serve the HTTP API and gossip with peers
until interrupted. Environment variables use the form RINGKV_<FLAG>,
e.g. RINGKV_PEER_TIMEOUT=2s.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := initViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	addServeFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings() {
		logger.Warn("Configuration warning", zap.String("warning", w))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(cfg.Server.NodeID, reg)

	node, err := bootstrap(ctx, cfg, logger, m)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewEngine(logger)
	api.NewAPI(node, logger).SetupRoutes(engine)
	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, api.MetricsHandler(reg))
	}

	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Replica listening",
			zap.String("addr", srv.Addr),
			zap.String("advertise", node.Ring().Self().Address()),
			zap.Int("slot", node.Ring().Self().Slot),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Gossip.Enabled {
		g.Go(func() error {
			return node.Gossiper().Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// bootstrap builds the ring view and the node. With a coordinator the slot,
// ring parameters and seeds come from registration; otherwise from cfg.Ring.
func bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*cluster.Node, error) {
	self := cluster.Replica{
		ID:   cfg.Server.NodeID,
		Host: cfg.Server.AdvertiseHost,
		Port: cfg.Server.Port,
	}

	var (
		params cluster.Params
		seeds  []cluster.Replica
		reg    cluster.Deregisterer
	)
	if cfg.Coordinator.Address != "" {
		rc := registry.New(cfg.Coordinator.Address, cfg.Coordinator.Timeout, logger)

		rctx, cancel := context.WithTimeout(ctx, cfg.Coordinator.Timeout)
		a, err := rc.Register(rctx, self)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("register with coordinator: %w", err)
		}
		self.Slot = a.Slot
		params = a.Params()
		seeds = a.Seeds
		reg = rc
	} else {
		self.Slot = cfg.Ring.Slot
		params = cluster.Params{Capacity: cfg.Ring.Capacity, N: cfg.Ring.N, W: cfg.Ring.W, R: cfg.Ring.R}
		for _, s := range cfg.Ring.Seeds {
			seeds = append(seeds, cluster.Replica{ID: s.ID, Host: s.Host, Port: s.Port, Slot: s.Slot})
		}
	}

	ring, err := cluster.NewRing(params, self, seeds, logger)
	if err != nil {
		return nil, fmt.Errorf("build ring: %w", err)
	}

	node := cluster.NewNode(ring, store.New(self.ID), cluster.NewHTTPPeerClient(cfg.Peer.Timeout), cluster.Options{
		PeerTimeout:    cfg.Peer.Timeout,
		GossipInterval: cfg.Gossip.Interval,
		Registry:       reg,
		Logger:         logger,
		Metrics:        m,
	})
	logger.Info("Joined ring",
		zap.String("id", self.ID),
		zap.Int("slot", self.Slot),
		zap.Int("capacity", params.Capacity),
		zap.Int("n", params.N), zap.Int("w", params.W), zap.Int("r", params.R),
		zap.Int("replicas", ring.LiveCount()),
	)
	return node, nil
}
