package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/config"
	"github.com/vitos/spot_scalper/internal/infrastructure/logger"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "scalper",
		Short: "Spot scalping position and risk engine",
		Long: `scalper opens long spot positions from an external signal feed, keeps a
protective stop on the exchange for each one, trails it as price moves and
closes positions on stop, target, timeout, momentum loss or risk limits.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "path to the YAML config file")

	cmd.AddCommand(newRunCmd(opts), newCheckConfigCmd(opts), newCheckExchangeCmd(opts))
	return cmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.File != "" {
		return logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	}
	return logger.NewLogger(cfg.Logging.Level)
}
