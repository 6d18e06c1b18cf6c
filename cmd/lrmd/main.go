// Command lrmd runs one node's Local Resource Manager: agent-lock
// ownership coupled to the watchdog, and the bounded worker pool that
// executes resource-driver calls for every service the CRM placed here
// (§4.8).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/lrm"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/resources"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "lrmd",
	Short:   "Local Resource Manager — per-node HA agent",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lrmd version %s (%s)\n", Version, Commit))
	rootCmd.Flags().String("node", "", "this node's name (required)")
	rootCmd.Flags().String("data-dir", "/var/lib/aegis", "cluster KV data directory")
	rootCmd.Flags().String("watchdog-socket", env.DefaultWatchdogSocket, "path to the watchdog-mux AF_UNIX socket")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs as JSON")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9092", "address to serve /metrics on")
	rootCmd.Flags().Duration("tick", 10*time.Second, "LRM loop tick interval")
	rootCmd.Flags().Int("max-workers", lrm.DefaultMaxWorkers, "maximum concurrent resource-driver workers")
	_ = rootCmd.MarkFlagRequired("node")
}

func run(cmd *cobra.Command, _ []string) error {
	node, _ := cmd.Flags().GetString("node")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	wdSocket, _ := cmd.Flags().GetString("watchdog-socket")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	tick, _ := cmd.Flags().GetDuration("tick")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	store, err := kv.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open cluster kv store: %w", err)
	}
	defer store.Close()

	environment := env.NewRealEnvironment(env.RealConfig{Store: store, WatchdogSocket: wdSocket})

	registry := resources.NewRegistry()
	registry.Freeze()

	cfg := lrm.DefaultConfig()
	cfg.TickInterval = tick
	cfg.MaxWorkers = maxWorkers

	// SystemSignals (shutdown/reboot/restart-window) arrive from outside
	// the core (§1); a bare systemd-reading SignalSource is out of scope
	// here, so lrmd reports no shutdown/reboot/restart signal until one
	// is wired in: its mode is active, or maintenance when requested.
	signals := &lrm.StaticSignalSource{}

	manager := lrm.NewManager(types.Node(node), environment, registry, signals, cfg)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager.Run(ctx)
	return nil
}
