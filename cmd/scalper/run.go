package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/config"
	"github.com/vitos/spot_scalper/internal/domain"
	"github.com/vitos/spot_scalper/internal/infrastructure/exchange"
	"github.com/vitos/spot_scalper/internal/infrastructure/notify"
	signalsrc "github.com/vitos/spot_scalper/internal/infrastructure/signal"
	"github.com/vitos/spot_scalper/internal/infrastructure/storage"
	"github.com/vitos/spot_scalper/internal/infrastructure/telemetry"
	"github.com/vitos/spot_scalper/internal/metrics"
	"github.com/vitos/spot_scalper/internal/usecase"
	"github.com/vitos/spot_scalper/internal/web"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var flattenOnExit bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recover open positions and run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, flattenOnExit)
		},
	}
	cmd.Flags().BoolVar(&flattenOnExit, "flatten-on-exit", false, "market-sell every open position on shutdown")
	return cmd
}

func run(parent context.Context, cfg *config.Config, flattenOnExit bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Logger
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	// 2. Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to init sqlite: %w", err)
	}
	defer store.Close()

	var history domain.HistoryRepository = store
	if cfg.Storage.Postgres.DSN != "" {
		pg, err := storage.NewPostgresHistoryStore(cfg.Storage.Postgres)
		if err != nil {
			return fmt.Errorf("failed to init postgres: %w", err)
		}
		defer pg.Close()
		history = pg
		log.Info("Closed trades are recorded in postgres")
	}

	// 3. Exchange and signals
	binance := exchange.NewBinanceAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.BinanceOptions, log.Named("binance"))
	signals := signalsrc.NewFileSource(cfg.Signals.Path, cfg.Signals.MaxAge, log.Named("signals"))

	var wg sync.WaitGroup

	// 4. Telemetry
	var sink usecase.TelemetrySink = telemetry.NewLogSink(log.Named("telemetry"))
	if cfg.Telemetry.Enabled {
		ws := telemetry.NewWebSocketSink(cfg.Telemetry.WebSocket, log.Named("telemetry"))
		defer ws.Close()
		sink = ws
	}
	worker := usecase.NewTelemetryWorker(sink, cfg.Telemetry.TelemetryOptions, log.Named("telemetry"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// 5. Notifications
	notifiers := notify.Multi{notify.NewLogNotifier(log.Named("events"))}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, log.Named("telegram"))
		if err != nil {
			return err
		}
		notifiers = append(notifiers, tg)
	}
	notifier := notify.NewAsyncNotifier(notifiers, cfg.Notify.QueueSize, log.Named("notify"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		notifier.Run(ctx)
	}()

	// 6. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		srv := web.NewServer(cfg.Metrics.Addr, reg, collector.LastTick, staleAfter(cfg.Engine.Loop), log.Named("web"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Ops server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 7. Engine
	engine, err := usecase.NewEngine(cfg.Engine, usecase.EngineDeps{
		Exchange:  binance,
		Signals:   signals,
		Snapshots: store,
		History:   history,
		Notifier:  notifier,
		Metrics:   collector,
		Telemetry: worker,
	}, log.Named("engine"))
	if err != nil {
		return err
	}

	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	log.Info("Engine started", zap.Strings("pairs", cfg.Engine.Pairs))
	err = engine.Run(ctx)

	if flattenOnExit {
		flattenCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n := engine.FlattenAll(flattenCtx, domain.ReasonShutdown)
		cancel()
		log.Info("Flattened positions on shutdown", zap.Int("closed", n))
	}

	wg.Wait()
	log.Info("Engine stopped",
		zap.Uint64("telemetry_sent", worker.Sent()),
		zap.Uint64("telemetry_dropped", worker.Dropped()),
		zap.Int64("notifications_dropped", notifier.Dropped()))

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// staleAfter allows three missed ticks at the slowest cadence before the
// health check fails.
func staleAfter(loop usecase.LoopSettings) time.Duration {
	longest := loop.ActiveInterval
	for _, d := range []time.Duration{loop.IdleInterval, loop.PausedInterval} {
		if d > longest {
			longest = d
		}
	}
	return 3 * longest
}
