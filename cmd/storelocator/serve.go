package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/kass/store-locator/pkg/api"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const storeCountInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `Serve GET /store-locator/stores/{lat}/{lng} from the configured candidate source.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := locator.NewService(b.source, cfg.Locator.Limit, log)
	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		RateLimit:       cfg.Server.RateLimit,
		Burst:           cfg.Server.Burst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, service, b.counter, registry, log)

	log.Info("starting store locator", zap.Stringer("config", cfg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(storeCountInterval)
		defer ticker.Stop()
		for {
			server.StoreCount(gctx)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("store locator stopped")
	return nil
}
