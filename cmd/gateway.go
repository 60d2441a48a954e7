package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatsync/pkg/gateway"
	"chatsync/pkg/logger"
	"chatsync/pkg/provider"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the reconciliation gateway",
	Long:  "Runs the configured sources and serves merged conversation views, health, readiness and metrics over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appLogger, err := logger.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		log := appLogger.With("component", "cmd.gateway")

		sources, err := enabledSources(cfg, appLogger)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		replier, err := provider.New(cfg, appLogger)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		cache, err := openHistory(cfg.History, appLogger)
		if err != nil {
			log.Error("Failed to open history cache", "error", err)
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warn("Failed to close history cache", "error", err)
			}
		}()

		deps := gateway.Deps{
			Sources:   sources,
			Assistant: replier,
			Cache:     cache.Cache(),
			Retention: cache.retention,
			Registry:  prometheus.NewRegistry(),
		}

		svc, err := gateway.NewService(cfg, deps, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Gateway started", "sources", sourceNames(sources), "history", cfg.History.Enabled, "assistant", replier != nil)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
