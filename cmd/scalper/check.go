package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/infrastructure/exchange"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config without connecting anywhere",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Config OK: %s\n", opts.configPath)
			fmt.Fprintf(out, "Pairs: %v (quote %s)\n", cfg.Engine.Pairs, cfg.Engine.QuoteAsset)
			fmt.Fprintf(out, "Stop %.2f%% / target %.2f%% / trailing from %.2f%% step %.2f%%\n",
				cfg.Engine.Exits.StopLossPercent, cfg.Engine.Exits.TakeProfitPercent,
				cfg.Engine.Exits.TrailingActivationPercent, cfg.Engine.Exits.TrailingStepPercent)
			fmt.Fprintf(out, "Max open %d, exposure %.0f%%, daily target %.2f%% / stop %.2f%%\n",
				cfg.Engine.Risk.MaxOpenPositions, cfg.Engine.Risk.MaxExposurePercent,
				cfg.Engine.Risk.DailyTargetPercent, cfg.Engine.Risk.DailyStopPercent)
			return nil
		},
	}
}

func newCheckExchangeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-exchange",
		Short: "Verify connectivity, clock skew, credentials and symbol filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			adapter := exchange.NewBinanceAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.BinanceOptions, zap.NewNop())

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			fmt.Fprintf(out, "Testing Binance interaction...\nEndpoint: %s\n", cfg.Exchange.BaseURL)

			if err := adapter.Ping(ctx); err != nil {
				return fmt.Errorf("❌ ping failed: %w", err)
			}
			fmt.Fprintln(out, "✅ Ping OK")

			serverTime, err := adapter.ServerTime(ctx)
			if err != nil {
				return fmt.Errorf("❌ server time failed: %w", err)
			}
			skew := time.Since(serverTime)
			fmt.Fprintf(out, "✅ Server time %s (local skew %s)\n", serverTime.UTC().Format(time.RFC3339), skew.Round(time.Millisecond))

			balances, err := adapter.GetBalances(ctx)
			if err != nil {
				return fmt.Errorf("❌ balances failed (check API key permissions): %w", err)
			}
			assets := make([]string, 0, len(balances))
			for asset := range balances {
				assets = append(assets, asset)
			}
			sort.Strings(assets)
			fmt.Fprintf(out, "✅ Balances (%d assets)\n", len(assets))
			for _, asset := range assets {
				b := balances[asset]
				fmt.Fprintf(out, "   %-8s free %.8f locked %.8f\n", asset, b.Free, b.Locked)
			}

			for _, pair := range cfg.Engine.Pairs {
				f, err := adapter.GetSymbolFilters(ctx, pair)
				if err != nil {
					fmt.Fprintf(out, "❌ %s filters: %v\n", pair, err)
					continue
				}
				price, err := adapter.GetTicker(ctx, pair)
				if err != nil {
					fmt.Fprintf(out, "❌ %s ticker: %v\n", pair, err)
					continue
				}
				fmt.Fprintf(out, "✅ %s price %.8f tick %g step %g min notional %g\n", pair, price, f.TickSize, f.StepSize, f.MinNotional)
			}
			return nil
		},
	}
}
