// Package main implements the cartographer command: a Postgres capture
// proxy that publishes query results, and a terminal viewer that charts them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msakrejda/cartographer/config"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/natsclient"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cartographer"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath      string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Capture Postgres query results and chart them in the terminal",
		Long: `cartographer sits between a Postgres client and server, captures every
query result and publishes it to a websocket relay, NATS or the log.
The view command consumes that stream and renders the selected result
as a line chart, bar chart or table.`,
		SilenceUsage: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", getEnv("CARTOGRAPHER_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: CARTOGRAPHER_CONFIG)")
	pf.StringVar(&flags.logLevel, "log-level", getEnv("CARTOGRAPHER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CARTOGRAPHER_LOG_LEVEL)")
	pf.StringVar(&flags.logFormat, "log-format", getEnv("CARTOGRAPHER_LOG_FORMAT", "json"),
		"Log format: json, text, tint (env: CARTOGRAPHER_LOG_FORMAT)")
	pf.DurationVar(&flags.shutdownTimeout, "shutdown-timeout",
		getEnvDuration("CARTOGRAPHER_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: CARTOGRAPHER_SHUTDOWN_TIMEOUT)")

	root.AddCommand(
		newProxyCommand(flags),
		newViewCommand(flags),
		newValidateCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
		},
	}
}

// loadConfig loads and validates the configuration. An empty path uses
// defaults and environment overrides only.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newNATSClient creates and connects a client for the configured servers.
func newNATSClient(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// startMetrics serves the registry when metrics are enabled. The returned
// stop function is always safe to call and waits for the server to exit.
func startMetrics(ctx context.Context, cfg config.MetricsConfig, registry *metric.MetricsRegistry, logger *slog.Logger) func() {
	registry.CoreMetrics().SetBuildInfo(Version)
	if !cfg.Enabled {
		return func() {}
	}

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	server := metric.NewServer(cfg.Port, cfg.Path, registry)
	go func() {
		defer close(done)
		if err := server.Serve(serveCtx); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	logger.Info("Serving metrics", "address", server.Address())

	return func() {
		cancel()
		<-done
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
