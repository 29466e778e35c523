package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/msakrejda/cartographer/capture"
	"github.com/msakrejda/cartographer/config"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/relay"
)

func newProxyCommand(flags *globalFlags) *cobra.Command {
	var listen, target string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the capture proxy in front of a Postgres server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Proxy.Listen = listen
			}
			if target != "" {
				cfg.Proxy.Target = target
			}
			if err := cfg.Proxy.Validate(); err != nil {
				return err
			}

			logger := setupLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			slog.SetDefault(logger)
			return runProxy(cmd.Context(), cfg, logger, flags.shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override proxy.listen (env: CARTOGRAPHER_PROXY_LISTEN)")
	cmd.Flags().StringVar(&target, "target", "", "Override proxy.target (env: CARTOGRAPHER_PROXY_TARGET)")
	return cmd
}

// stopper is anything with the component Stop signature.
type stopper interface {
	Stop(timeout time.Duration) error
}

func runProxy(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	logger.Info("Starting cartographer proxy", "version", Version, "publish", cfg.Proxy.Publish)

	registry := metric.NewMetricsRegistry()
	stopMetrics := startMetrics(ctx, cfg.Metrics, registry, logger)
	defer stopMetrics()

	// started in order, stopped in reverse
	var running []stopper
	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	shutdown := func() error {
		var errs []error
		for i := len(running) - 1; i >= 0; i-- {
			if err := running[i].Stop(shutdownTimeout); err != nil {
				errs = append(errs, err)
			}
		}
		return stderrors.Join(errs...)
	}

	var sinks capture.MultiSink
	for _, target := range cfg.Proxy.Publish {
		switch target {
		case config.PublishRelay:
			hub, err := relay.NewHub(cfg.Relay, relay.WithLogger(logger), relay.WithMetrics(registry))
			if err != nil {
				return fmt.Errorf("create relay: %w", err)
			}
			if err := hub.Start(ctx); err != nil {
				return stderrors.Join(fmt.Errorf("start relay: %w", err), shutdown())
			}
			running = append(running, hub)
			sinks = append(sinks, hub)
		case config.PublishNATS:
			client, err := newNATSClient(ctx, cfg.NATS, logger)
			if err != nil {
				return stderrors.Join(err, shutdown())
			}
			closers = append(closers, func() { _ = client.Close(context.Background()) })
			sink, err := capture.NewNATSSink(client, cfg.NATS.Subject)
			if err != nil {
				return stderrors.Join(err, shutdown())
			}
			sinks = append(sinks, sink)
		case config.PublishLog:
			sinks = append(sinks, capture.LogSink{Logger: logger})
		}
	}

	proxy, err := capture.NewProxy(cfg.Proxy.Config, sinks,
		capture.WithLogger(logger),
		capture.WithMetrics(registry))
	if err != nil {
		return stderrors.Join(fmt.Errorf("create proxy: %w", err), shutdown())
	}
	if err := proxy.Start(ctx); err != nil {
		return stderrors.Join(fmt.Errorf("start proxy: %w", err), shutdown())
	}
	running = append(running, proxy)
	logger.Info("cartographer proxy started", "listen", proxy.Addr().String(), "target", cfg.Proxy.Target)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("cartographer proxy shutdown complete")
	return nil
}
