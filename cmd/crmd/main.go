// Command crmd runs one node's CRM candidate: the ticker-driven loop
// that competes for the manager lock and, while holding it, owns
// ManagerStatus (§4.6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/aegis/pkg/crm"
	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/log"
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
	Use:     "crmd",
	Short:   "Cluster Resource Manager — elected master of the HA control plane",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crmd version %s (%s)\n", Version, Commit))
	rootCmd.Flags().String("node", "", "this node's name (required)")
	rootCmd.Flags().String("data-dir", "/var/lib/aegis", "cluster KV data directory")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs as JSON")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "address to serve /metrics on")
	rootCmd.Flags().Duration("tick", 10*time.Second, "CRM loop tick interval")
	_ = rootCmd.MarkFlagRequired("node")
}

func run(cmd *cobra.Command, _ []string) error {
	node, _ := cmd.Flags().GetString("node")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	tick, _ := cmd.Flags().GetDuration("tick")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	store, err := kv.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open cluster kv store: %w", err)
	}
	defer store.Close()

	environment := env.NewRealEnvironment(env.RealConfig{Store: store})

	// Resource drivers are out of scope for this core (§1, §6); the
	// registry stays frozen empty here, exercised by fakes in tests.
	registry := resources.NewRegistry()
	registry.Freeze()

	cfg := crm.DefaultConfig()
	cfg.TickInterval = tick

	manager := crm.NewManager(types.Node(node), environment, registry, cfg)

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
