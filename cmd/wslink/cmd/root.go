package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/config"
	wsotel "github.com/miximus/wslink/pkg/wslink/otel"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time.
var Version = "dev"

var (
	verbose     bool
	debug       bool
	logLevel    string
	configPaths []string
	clientName  string
	serverURL   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wslink",
	Short: "Command-line client for wslink node-graph servers",
	Long: `wslink talks to a node-graph server over a single persistent WebSocket.

It can watch topic broadcasts, send commands and wait for their replies,
mirror the server's node graph, and run commands on a schedule. Connection
settings come from flags or from HCL configuration files.`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "HCL config files or directories")
	rootCmd.PersistentFlags().StringVar(&clientName, "client", "", "client block to use from the config")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", "", "server URL (default "+client.DefaultURL+")")
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel

	// Override log level based on flags
	if debug {
		level = "debug"
	} else if verbose && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Development = debug

	return cfg.Build()
}

// loadConfig builds the configuration named by --config, or returns nil when
// no config was given.
func loadConfig(logger *zap.Logger) (*config.Config, error) {
	if len(configPaths) == 0 {
		return nil, nil
	}

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(configPaths)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return nil, diags
	}
	return cfg, nil
}

// newClient builds a client from the config (if any) and the connection flags.
// name overrides --client when not empty.
func newClient(logger *zap.Logger, cfg *config.Config, name string, monitors ...client.Monitor) (*client.Client, error) {
	if name == "" {
		name = clientName
	}

	builder := client.NewClient().WithLogger(logger)
	if cfg != nil {
		cc, err := cfg.Client(name)
		if err != nil {
			return nil, err
		}
		builder = cc.Builder(logger)
	} else if name != "" {
		return nil, fmt.Errorf("--client %q given without --config", name)
	}

	if serverURL != "" {
		builder = builder.WithURL(serverURL)
	}

	provider := wsotel.NewProvider("wslink", Version)
	builder = builder.WithMetrics(provider).WithTracing(provider)

	for _, monitor := range monitors {
		builder = builder.WithMonitor(monitor)
	}

	return builder.Build()
}

// connectionWaiter is a client.Monitor that lets a command wait for the first
// connection.
type connectionWaiter struct {
	connected chan int64
}

func newConnectionWaiter() *connectionWaiter {
	return &connectionWaiter{connected: make(chan int64, 1)}
}

func (w *connectionWaiter) OnConnect(ctx context.Context, connectionID int64) {
	select {
	case w.connected <- connectionID:
	default:
	}
}

func (w *connectionWaiter) OnDisconnect(ctx context.Context, connectionID int64, reason error) {}

// Wait blocks until the client connects or ctx ends.
func (w *connectionWaiter) Wait(ctx context.Context) (int64, error) {
	select {
	case id := <-w.connected:
		return id, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for connection: %w", ctx.Err())
	}
}

// Helper to convert []string to []any
func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
