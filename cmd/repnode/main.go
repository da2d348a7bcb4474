package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repnode/repnode/pkg/config"
	"github.com/repnode/repnode/pkg/log"
	"github.com/repnode/repnode/pkg/metrics"
	"github.com/repnode/repnode/pkg/node"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "repnode",
	Short:   "repnode - a synchronously-replicated transactional record store",
	Version: Version,
	RunE:    runNode,
}

func init() {
	config.BindFlags(rootCmd)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

func runNode(cmd *cobra.Command, args []string) error {
	metrics.SetVersion(Version)

	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	log.Info(fmt.Sprintf("starting %s (provider=%s, address=%q, bootstrap=%v)",
		cfg.Name, cfg.Provider, cfg.Address, cfg.ShouldBootstrap()))

	if err := n.Run(ctx); err != nil {
		return fmt.Errorf("node run: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
