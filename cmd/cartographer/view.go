package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/msakrejda/cartographer/config"
	"github.com/msakrejda/cartographer/intake"
	intakenats "github.com/msakrejda/cartographer/intake/nats"
	"github.com/msakrejda/cartographer/intake/websocket"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/result"
	"github.com/msakrejda/cartographer/viewer"
)

func newViewCommand(flags *globalFlags) *cobra.Command {
	var url, policy string
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Chart captured query results in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Viewer.Source = config.SourceWebSocket
				cfg.Viewer.WebSocket.URL = url
			}
			if policy != "" {
				cfg.Viewer.Policy = policy
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := setupLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			slog.SetDefault(logger)

			v, cleanup, err := buildViewer(cmd.Context(), cfg, logger, renderer.NewTerminalSurface(cmd.OutOrStdout(), cfg.Viewer.ANSI))
			if err != nil {
				return err
			}
			defer cleanup()

			var console *viewer.Console
			if !noConsole {
				console = viewer.NewConsole(v, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return runViewer(cmd.Context(), v, console, logger, flags.shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Relay websocket URL (env: CARTOGRAPHER_VIEWER_URL)")
	cmd.Flags().StringVar(&policy, "policy", "",
		"Renderer replace policy: sticky or always_replace (env: CARTOGRAPHER_VIEWER_POLICY)")
	cmd.Flags().BoolVar(&noConsole, "no-console", getEnvBool("CARTOGRAPHER_NO_CONSOLE", false),
		"Do not read commands from stdin (env: CARTOGRAPHER_NO_CONSOLE)")
	return cmd
}

// buildViewer wires the configured source into a stopped viewer.
func buildViewer(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	surface renderer.Surface,
) (*viewer.Viewer, func(), error) {
	registry := metric.NewMetricsRegistry()
	stopMetrics := startMetrics(ctx, cfg.Metrics, registry, logger)
	cleanup := stopMetrics

	var transport intake.Transport
	switch cfg.Viewer.Source {
	case config.SourceNATS:
		client, err := newNATSClient(ctx, cfg.NATS, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanup = func() {
			_ = client.Close(context.Background())
			stopMetrics()
		}
		t, err := intakenats.New(client, cfg.NATS.Subject,
			intakenats.WithLogger(logger),
			intakenats.WithCoreMetrics(registry.CoreMetrics()))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		transport = t
	default:
		t, err := websocket.NewClient(cfg.Viewer.WebSocket,
			websocket.WithLogger(logger),
			websocket.WithCoreMetrics(registry.CoreMetrics()))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		transport = t
	}

	decoder, err := result.NewDecoder(result.WithTokens(cfg.Schema.TypeTokens()))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	v, err := viewer.New(transport,
		viewer.WithLogger(logger),
		viewer.WithMetrics(registry),
		viewer.WithSurface(surface),
		viewer.WithRenderers(cfg.Viewer.Renderers),
		viewer.WithPolicy(cfg.Viewer.ReplacePolicy()),
		viewer.WithMaxHistory(cfg.Viewer.MaxHistory),
		viewer.WithQueue(cfg.Viewer.QueueSize, cfg.Viewer.OverflowPolicy()),
		viewer.WithDecoder(decoder),
	)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create viewer: %w", err)
	}
	return v, cleanup, nil
}

// runViewer runs v until ctx is done, the console quits or the viewer stops.
func runViewer(
	ctx context.Context,
	v *viewer.Viewer,
	console *viewer.Console,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := v.Start(runCtx); err != nil {
		return fmt.Errorf("start viewer: %w", err)
	}
	logger.Info("cartographer viewer started", "version", Version)

	g, gctx := errgroup.WithContext(runCtx)
	if console != nil {
		g.Go(func() error {
			defer cancel()
			return console.Run(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-v.Done():
			cancel()
		}
		return nil
	})

	runErr := g.Wait()
	if err := v.Stop(shutdownTimeout); err != nil {
		logger.Warn("Viewer stop failed", "error", err)
	}
	logger.Info("cartographer viewer shutdown complete")
	return runErr
}
