// Package cmd implements the agent's cobra command tree: a single root
// command that runs the agent in the foreground, plus a version subcommand.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/supervisor"
	"github.com/hostsentry/agent/pkg/logger"
	"github.com/hostsentry/agent/pkg/metrics"
)

var (
	version   string
	buildTime string
	gitCommit string
)

var (
	flagConfigFile    string
	flagCacheFile     string
	flagSecretsFile   string
	flagNodeID        string
	flagWaitForConfig time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "hostsentry-agent",
	Short: "Host-resident monitoring agent",
	Long: `hostsentry-agent tails configured log files, samples host resource
metrics, evaluates alert thresholds, and publishes events and telemetry to a
central backend. It exposes a local control HTTP surface for health,
configuration, monitored-file, and process management.

Examples:
  # Run with the default config search path
  hostsentry-agent

  # Run with an explicit config file and node id
  hostsentry-agent --config /etc/hostsentry/config.yaml --node-id web-01

Exit Codes:
  0: Clean shutdown
  1: Fatal startup failure (missing required config, unopenable storage)
`,
	RunE: runAgent,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "/etc/hostsentry/config.yaml", "path to the main config file")
	rootCmd.Flags().StringVar(&flagCacheFile, "cache", "/var/lib/hostsentry/config.cache.json", "path to the local config cache snapshot")
	rootCmd.Flags().StringVar(&flagSecretsFile, "secrets", "/etc/hostsentry/secrets.yaml", "path to the separately permissioned secrets file")
	rootCmd.Flags().StringVar(&flagNodeID, "node-id", "", "node identifier (defaults to app.node_id from config, then hostname)")
	rootCmd.Flags().DurationVar(&flagWaitForConfig, "wait-for-config", 0, "block startup until --config exists, up to this duration (0 disables, for containerized startups where config is dropped onto disk after the agent starts)")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build-time version info for the version subcommand.
func SetVersion(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func runAgent(_ *cobra.Command, _ []string) error {
	nodeID := flagNodeID
	if nodeID == "" {
		if h, err := os.Hostname(); err == nil {
			nodeID = h
		}
	}

	if flagWaitForConfig > 0 {
		if !config.WaitForFile(flagConfigFile, flagWaitForConfig) {
			return fmt.Errorf("config file %s did not appear within %s", flagConfigFile, flagWaitForConfig)
		}
	}

	store, err := config.Load(config.Options{
		ConfigFile:  flagConfigFile,
		CacheFile:   flagCacheFile,
		SecretsFile: flagSecretsFile,
		NodeID:      nodeID,
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfg, err := store.Unmarshal()
	if err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.App.NodeID == "" {
		cfg.App.NodeID = nodeID
		store.Set("app.node_id", nodeID)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	log.Info("starting "+supervisor.ServiceName, "version", supervisor.ServiceVersion, "node_id", cfg.App.NodeID)

	reg := metrics.NewRegistry("hostsentry")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, store, log, reg)
	if err != nil {
		return fmt.Errorf("initializing supervisor: %w", err)
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("agent exited cleanly")
	return nil
}
