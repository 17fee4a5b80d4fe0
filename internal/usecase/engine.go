package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	TradeOpened(pair string)
	TradeClosed(pair string, reason domain.ExitReason, pnl float64, virtual bool)
	EntryRejected(pair, code string)
	CapitalSnapshot(total float64)
	OpenPositions(n int)
	RiskSnapshot(consecutiveLosses int, dailyPnL float64, blocked bool)
	Volatility(pair string, value float64)
	TickDuration(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) TradeOpened(string)                                   {}
func (nopMetrics) TradeClosed(string, domain.ExitReason, float64, bool) {}
func (nopMetrics) EntryRejected(string, string)                         {}
func (nopMetrics) CapitalSnapshot(float64)                              {}
func (nopMetrics) OpenPositions(int)                                    {}
func (nopMetrics) RiskSnapshot(int, float64, bool)                      {}
func (nopMetrics) Volatility(string, float64)                           {}
func (nopMetrics) TickDuration(time.Duration)                           {}

// EventPublisher is the telemetry side channel.
type EventPublisher interface {
	Publish(ev TelemetryEvent) bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(TelemetryEvent) bool { return true }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Event) {}

// EngineDeps are the collaborators wired into an Engine. Exchange and Signals
// are required; the rest default to no-ops.
type EngineDeps struct {
	Exchange  domain.Exchange
	Signals   domain.SignalSource
	Snapshots domain.SnapshotRepository
	History   domain.HistoryRepository
	Notifier  domain.Notifier
	Market    MarketData
	Metrics   MetricsRecorder
	Telemetry EventPublisher
}

// Engine is the explicit context threaded through every operation of the
// scheduler loop. It owns the ledger and risk state; nothing else mutates them.
type Engine struct {
	settings Settings

	exchange  domain.Exchange
	signals   domain.SignalSource
	history   domain.HistoryRepository
	snapshots domain.SnapshotRepository
	notifier  domain.Notifier
	market    MarketData
	metrics   MetricsRecorder
	telemetry EventPublisher

	ledger     *Ledger
	capital    *CapitalTracker
	orders     *OrderSynchronizer
	monitor    *PositionMonitor
	reconciler *Reconciler
	governor   *RiskGovernor

	logger *zap.Logger
	now    func() time.Time
	newID  func() string
	ticks  uint64
}

func NewEngine(settings Settings, deps EngineDeps, logger *zap.Logger) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if deps.Exchange == nil || deps.Signals == nil {
		return nil, errors.New("engine requires an exchange and a signal source")
	}
	if deps.Market == nil {
		deps.Market = NewMarketAnalyzer(deps.Exchange, 30*time.Second)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = nopPublisher{}
	}

	ledger := NewLedger(deps.Snapshots, logger)
	capital := NewCapitalTracker(deps.Exchange, ledger, settings.QuoteAsset, settings.Sizing, logger)
	orders := NewOrderSynchronizer(deps.Exchange, settings.Orders, logger)

	e := &Engine{
		settings:   settings,
		exchange:   deps.Exchange,
		signals:    deps.Signals,
		history:    deps.History,
		snapshots:  deps.Snapshots,
		notifier:   deps.Notifier,
		market:     deps.Market,
		metrics:    deps.Metrics,
		telemetry:  deps.Telemetry,
		ledger:     ledger,
		capital:    capital,
		orders:     orders,
		monitor:    NewPositionMonitor(deps.Exchange, capital, deps.Market, orders, settings.Exits, settings.Risk.MaxExposurePercent, logger),
		reconciler: NewReconciler(deps.Exchange, orders, settings.Orders, logger),
		governor:   NewRiskGovernor(settings.Risk, logger),
		logger:     logger,
		newID:      uuid.NewString,
	}
	e.SetClock(time.Now)
	return e, nil
}

// SetClock replaces the time source of the engine and its components.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.monitor.now = now
	e.reconciler.now = now
	e.governor.now = now
}

func (e *Engine) Ledger() *Ledger            { return e.ledger }
func (e *Engine) Governor() *RiskGovernor    { return e.governor }
func (e *Engine) Capital() *CapitalTracker   { return e.capital }
func (e *Engine) Orders() *OrderSynchronizer { return e.orders }
func (e *Engine) Monitor() *PositionMonitor  { return e.monitor }
func (e *Engine) Reconciler() *Reconciler    { return e.reconciler }

// Recover validates the account at startup and reloads persisted positions
// still backed by a real balance. Failing to value the account is fatal.
func (e *Engine) Recover(ctx context.Context) error {
	total, err := e.capital.GetTotalCapital(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("Account valued", zap.Float64("total_capital", total), zap.String("quote", e.settings.QuoteAsset))
	e.metrics.CapitalSnapshot(total)

	if e.snapshots == nil {
		return nil
	}
	snaps, err := e.snapshots.ListPositionSnapshots(ctx)
	if err != nil {
		e.logger.Error("Failed to list position snapshots, starting flat", zap.Error(err))
		return nil
	}
	if len(snaps) == 0 {
		return nil
	}

	balances, err := e.exchange.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("read balances for recovery: %w", err)
	}

	tolerance := 1 - e.settings.Orders.BalanceTolerancePercent/100
	for _, pos := range snaps {
		held := balances[pos.BaseAsset].Total()
		if !pos.IsOpen() || held < pos.Size*tolerance {
			e.logger.Warn("Discarding stale position snapshot",
				zap.String("trade_id", pos.ID), zap.String("pair", pos.Pair),
				zap.Float64("tracked", pos.Size), zap.Float64("held", held))
			if err := e.snapshots.DeletePositionSnapshot(ctx, pos.ID); err != nil {
				e.logger.Warn("Failed to delete stale snapshot", zap.String("trade_id", pos.ID), zap.Error(err))
			}
			continue
		}
		if _, err := e.ledger.Restore(pos); err != nil {
			e.logger.Warn("Skipping snapshot", zap.String("trade_id", pos.ID), zap.Error(err))
			continue
		}
		e.logger.Info("Recovered open position",
			zap.String("trade_id", pos.ID), zap.String("pair", pos.Pair), zap.Float64("size", pos.Size))
	}
	e.metrics.OpenPositions(e.ledger.Len())
	return nil
}

// Run ticks until ctx is cancelled, sleeping the interval each tick returns.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(e.Tick(ctx))
		}
	}
}

// Tick runs one pass of the loop and returns the delay until the next one.
func (e *Engine) Tick(ctx context.Context) time.Duration {
	start := e.now()
	e.ticks++
	e.governor.Roll(start)

	trading := e.settings.Schedule.IsTradingHour(start)
	if trading && !e.governor.Blocked(start) {
		e.evaluateCandidates(ctx, start)
	}

	e.monitorPositions(ctx)
	e.checkDaily(ctx)
	e.maintenance(ctx)

	e.metrics.TickDuration(e.now().Sub(start))
	return e.nextInterval(trading)
}

func (e *Engine) nextInterval(trading bool) time.Duration {
	if e.ledger.Len() > 0 {
		return e.settings.Loop.ActiveInterval
	}
	if !trading || e.governor.Blocked(e.now()) {
		return e.settings.Loop.PausedInterval
	}
	return e.settings.Loop.IdleInterval
}

func (e *Engine) evaluateCandidates(ctx context.Context, now time.Time) {
	intensity := e.settings.Schedule.IntensityAt(now)
	if intensity <= 0 {
		return
	}
	for _, pair := range e.settings.Pairs {
		if e.ledger.Len() >= e.settings.Risk.MaxOpenPositions {
			return
		}
		cand, err := e.signals.SignalFor(ctx, pair)
		if err != nil {
			e.logger.Warn("Signal source failed", zap.String("pair", pair), zap.Error(err))
			continue
		}
		if cand == nil {
			continue
		}
		if cand.Direction != domain.DirectionLong {
			e.logger.Debug("Ignoring non-long candidate on spot", zap.String("pair", pair),
				zap.String("direction", string(cand.Direction)))
			continue
		}
		if _, err := e.OpenCandidate(ctx, cand, intensity); err != nil {
			e.logger.Error("Failed to open candidate", zap.String("pair", pair), zap.Error(err))
		}
	}
}

// OpenCandidate sizes, gates and opens a LONG position. A nil position with a
// nil error means the governor declined the entry.
func (e *Engine) OpenCandidate(ctx context.Context, cand *domain.Candidate, intensity float64) (*domain.Position, error) {
	pair := cand.Pair
	filters, err := e.orders.Filters(ctx, pair)
	if err != nil {
		return nil, err
	}
	snap, err := e.market.Snapshot(ctx, pair)
	if err != nil {
		return nil, err
	}
	price, err := e.exchange.GetTicker(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("ticker for %s: %w", pair, err)
	}
	total, err := e.capital.GetTotalCapital(ctx)
	if err != nil {
		return nil, err
	}
	exposure, err := e.capital.GetAssetExposure(ctx, filters.BaseAsset)
	if err != nil {
		return nil, err
	}
	available, err := e.capital.AvailableQuote(ctx)
	if err != nil {
		return nil, err
	}

	notional := e.capital.SizeFor(total, snap.Volatility, intensity)
	decision := e.governor.CanOpen(EntryRequest{
		Pair:             pair,
		PairOpenCount:    e.nonDustCount(pair, price),
		OpenPositions:    e.ledger.Len(),
		Volatility:       snap.Volatility,
		CurrentExposure:  exposure,
		PositionNotional: notional,
		AvailableQuote:   available,
		TotalCapital:     total,
	})
	if !decision.Allowed {
		e.logger.Debug("Entry declined", zap.String("pair", pair),
			zap.String("code", decision.Violation.Code), zap.String("reason", decision.Violation.Msg))
		e.metrics.EntryRejected(pair, decision.Violation.Code)
		return nil, nil
	}

	check, err := e.orders.ValidateOrderQuantity(ctx, pair, notional/price, price)
	if err != nil {
		return nil, err
	}
	qty := check.Quantity
	if !check.NotionalOK {
		if check.MinNotionalQuantity*price*e.settings.Risk.BalanceBuffer > available {
			return nil, fmt.Errorf("%s: min notional needs %.8f, cannot afford", pair, check.MinNotionalQuantity)
		}
		qty = check.MinNotionalQuantity
	}

	order, err := e.orders.MarketBuy(ctx, pair, qty)
	if err != nil {
		return nil, fmt.Errorf("market buy %s: %w", pair, err)
	}

	now := e.now()
	entry := order.FillPrice(price)
	size := order.ExecutedQty
	if size <= 0 {
		size = qty
	}

	exits := e.settings.Exits
	pos := &domain.Position{
		ID:                      e.newID(),
		Pair:                    pair,
		BaseAsset:               filters.BaseAsset,
		Direction:               domain.DirectionLong,
		Size:                    size,
		EntryPrice:              entry,
		StopLoss:                e.orders.RoundPrice(ctx, pair, entry*(1-exits.StopLossPercent/100)),
		TakeProfit:              entry * (1 + exits.TakeProfitPercent/100),
		TrailingActivationPrice: entry * (1 + exits.TrailingActivationPercent/100),
		Status:                  domain.StatusOpen,
		CapitalBefore:           total,
		OpenedAt:                now,
	}

	if e.orders.CreateProtectiveStop(ctx, pos) == "" {
		e.notify(ctx, domain.EventUnprotected, pos, "position opened without a protective stop", nil)
	}

	if _, err := e.ledger.Insert(ctx, pos); err != nil {
		return nil, err
	}
	e.governor.RecordOpen(pair, now)
	e.metrics.TradeOpened(pair)
	e.metrics.OpenPositions(e.ledger.Len())

	e.logger.Info("Position opened",
		zap.String("pair", pair), zap.String("trade_id", pos.ID),
		zap.Float64("size", pos.Size), zap.Float64("entry", pos.EntryPrice),
		zap.Float64("stop", pos.StopLoss), zap.Float64("take_profit", pos.TakeProfit))
	e.notify(ctx, domain.EventTradeOpened, pos, "position opened", map[string]any{
		"size": pos.Size, "entry": pos.EntryPrice, "stop": pos.StopLoss, "take_profit": pos.TakeProfit,
	})
	e.publish("trade_opened", pos, nil)
	return pos, nil
}

func (e *Engine) nonDustCount(pair string, price float64) int {
	n := 0
	for _, pos := range e.ledger.ByPair(pair) {
		if pos.IsOpen() && !e.capital.IsDust(pos, price) {
			n++
		}
	}
	return n
}

// monitorPositions evaluates every open position. An error on one position
// is logged and does not stop the pass.
func (e *Engine) monitorPositions(ctx context.Context) {
	for _, h := range e.ledger.Handles() {
		if err := e.monitorOne(ctx, h); err != nil {
			pos, _ := e.ledger.Get(h)
			fields := []zap.Field{zap.Error(err)}
			if pos != nil {
				fields = append(fields, zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID))
			}
			e.logger.Error("Position evaluation failed", fields...)
		}
	}
	e.metrics.OpenPositions(e.ledger.Len())
}

func (e *Engine) monitorOne(ctx context.Context, h Handle) error {
	pos, ok := e.ledger.Get(h)
	if !ok {
		return nil
	}

	v, err := e.monitor.Evaluate(ctx, pos)
	if v.Changed {
		if uerr := e.ledger.Update(ctx, h); uerr != nil {
			return uerr
		}
	}
	if err != nil {
		return err
	}

	switch v.Action {
	case ActionExchangeFill:
		pos.ProtectiveOrderID = ""
		return e.finalize(ctx, h, e.reconciler.FromFill(pos, v.Order))
	case ActionOrderVanished:
		out, err := e.reconciler.ResolveVanished(ctx, pos)
		if err != nil {
			return err
		}
		pos.ProtectiveOrderID = ""
		return e.finalize(ctx, h, out)
	case ActionClose:
		return e.ClosePosition(ctx, h, v.Reason, v.Price)
	}
	return nil
}

// ClosePosition is the single exit path for bot-initiated closes: cancel the
// protective order, sell, then book the result.
func (e *Engine) ClosePosition(ctx context.Context, h Handle, reason domain.ExitReason, price float64) error {
	pos, ok := e.ledger.Get(h)
	if !ok {
		return domain.ErrPositionNotFound
	}

	e.orders.CancelProtectiveStop(ctx, pos)
	out, err := e.reconciler.ExecuteSell(ctx, pos, reason, price)
	if err != nil {
		// Still open; restore broker-side protection until the next tick.
		e.orders.CreateProtectiveStop(ctx, pos)
		_ = e.ledger.Update(ctx, h)
		return err
	}
	return e.finalize(ctx, h, out)
}

// finalize books a close: PnL, ledger removal, history, risk state,
// notifications.
func (e *Engine) finalize(ctx context.Context, h Handle, out ExitOutcome) error {
	pos, ok := e.ledger.Get(h)
	if !ok {
		return domain.ErrPositionNotFound
	}

	at := out.At
	if at.IsZero() {
		at = e.now()
	}
	if !out.Virtual && (out.Reason == domain.ReasonStopLoss || out.Reason == domain.ReasonAutoStopLoss) {
		e.alertGap(ctx, pos, out.Price)
	}
	pos.ExitPrice = out.Price
	pos.ExitAt = at
	pos.ExitReason = out.Reason
	pos.DurationSeconds = int64(at.Sub(pos.OpenedAt).Seconds())
	pos.Virtual = out.Virtual

	priceDelta := pos.PriceDeltaPnL(out.Price)
	if out.Virtual {
		pos.Status = domain.StatusClosedVirtual
		pos.CapitalAfter = pos.CapitalBefore + priceDelta
		pos.RealizedPnL = priceDelta
	} else {
		pos.Status = domain.StatusClosed
		after, err := e.capital.GetTotalCapital(ctx)
		if err != nil {
			e.logger.Warn("Capital unavailable at close, using price delta",
				zap.String("trade_id", pos.ID), zap.Error(err))
			after = pos.CapitalBefore + priceDelta
		}
		pos.CapitalAfter = after
		if pos.CapitalBefore > 0 {
			pos.RealizedPnL = pos.CapitalAfter - pos.CapitalBefore
		} else {
			pos.RealizedPnL = priceDelta
		}
	}

	if _, err := e.ledger.Remove(ctx, h); err != nil {
		return err
	}
	if e.history != nil {
		if err := e.history.SaveClosedPosition(ctx, pos); err != nil {
			e.logger.Error("Failed to save closed position", zap.String("trade_id", pos.ID), zap.Error(err))
		}
	}

	res := e.governor.RecordClose(pos.RealizedPnL, at)
	e.metrics.TradeClosed(pos.Pair, pos.ExitReason, pos.RealizedPnL, pos.Virtual)
	e.metrics.OpenPositions(e.ledger.Len())

	e.logger.Info("Position closed",
		zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
		zap.String("reason", string(pos.ExitReason)), zap.Bool("virtual", pos.Virtual),
		zap.Float64("exit", pos.ExitPrice), zap.Float64("pnl", pos.RealizedPnL),
		zap.Int64("duration_s", pos.DurationSeconds))

	fields := map[string]any{
		"reason": string(pos.ExitReason), "exit": pos.ExitPrice, "pnl": pos.RealizedPnL, "virtual": pos.Virtual,
	}
	e.notify(ctx, domain.EventTradeClosed, pos, "position closed", fields)
	if pos.ExitReason.IsPhantom() {
		e.notify(ctx, domain.EventPhantom, pos, "phantom position closed virtually", fields)
	}
	if res.Paused {
		e.notify(ctx, domain.EventRiskPause, nil, "consecutive-loss pause", map[string]any{
			"until": e.governor.State().PauseUntil,
		})
	}
	if res.Halted {
		e.notify(ctx, domain.EventRiskHalt, nil, "trading halted after consecutive losses", nil)
	}
	e.publish("trade_closed", pos, fields)
	return nil
}

// alertGap reports a stop that realized more loss than it was set for. It
// never blocks the close.
func (e *Engine) alertGap(ctx context.Context, pos *domain.Position, filled float64) {
	g := e.monitor.gap(pos, filled)
	if g == nil {
		return
	}
	e.logger.Warn("Stop loss gap",
		zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
		zap.Float64("expected_loss_pct", g.ExpectedLossPercent),
		zap.Float64("actual_loss_pct", g.ActualLossPercent))
	e.notify(ctx, domain.EventGapAlert, pos, "stop loss filled past tolerance", map[string]any{
		"expected_loss_pct": g.ExpectedLossPercent,
		"actual_loss_pct":   g.ActualLossPercent,
		"gap_pct":           g.GapPercent,
		"fill":              filled,
	})
}

// FlattenAll closes every open position with reason. Failures are logged.
func (e *Engine) FlattenAll(ctx context.Context, reason domain.ExitReason) int {
	closed := 0
	for _, h := range e.ledger.Handles() {
		pos, ok := e.ledger.Get(h)
		if !ok {
			continue
		}
		price, err := e.exchange.GetTicker(ctx, pos.Pair)
		if err != nil {
			price = pos.EntryPrice
		}
		if err := e.ClosePosition(ctx, h, reason, price); err != nil {
			e.logger.Error("Failed to flatten position",
				zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID), zap.Error(err))
			continue
		}
		closed++
	}
	return closed
}

func (e *Engine) checkDaily(ctx context.Context) {
	if reason := e.governor.DailyLimit(); reason != "" {
		// Positions that failed to flatten earlier are retried every tick.
		if n := e.ledger.Len(); n > 0 {
			e.logger.Warn("Daily limit active with open positions, flattening",
				zap.String("reason", string(reason)), zap.Int("open", n))
			e.FlattenAll(ctx, reason)
		}
		return
	}

	total, err := e.capital.GetTotalCapital(ctx)
	if err != nil {
		e.logger.Debug("Capital unavailable for daily check", zap.Error(err))
		return
	}
	reason, hit := e.governor.CheckDaily(total)
	if !hit {
		return
	}
	state := e.governor.State()
	e.logger.Warn("Daily limit reached, flattening",
		zap.String("reason", string(reason)), zap.Float64("daily_pnl", state.DailyPnL), zap.Float64("total_capital", total))
	closed := e.FlattenAll(ctx, reason)
	e.notify(ctx, domain.EventDailyLimit, nil, "daily limit reached", map[string]any{
		"reason": string(reason), "daily_pnl": state.DailyPnL, "closed": closed,
	})
}

func (e *Engine) maintenance(ctx context.Context) {
	loop := e.settings.Loop
	if every(e.ticks, loop.MetricsEvery) {
		e.snapshotMetrics(ctx)
	}
	if every(e.ticks, loop.ConsistencyEvery) {
		e.checkConsistency(ctx)
	}
	if every(e.ticks, loop.DustCleanupEvery) {
		e.cleanupDust(ctx)
	}
	if every(e.ticks, loop.VolatilityCheckEvery) {
		e.checkVolatility(ctx)
	}
}

func every(tick, n uint64) bool {
	return n > 0 && tick%n == 0
}

func (e *Engine) snapshotMetrics(ctx context.Context) {
	if total, err := e.capital.GetTotalCapital(ctx); err == nil {
		e.metrics.CapitalSnapshot(total)
	}
	state := e.governor.State()
	e.metrics.RiskSnapshot(state.ConsecutiveLosses, state.DailyPnL, e.governor.Blocked(e.now()))
	e.metrics.OpenPositions(e.ledger.Len())
}

// checkConsistency virtually closes positions whose base asset is no longer
// held at all.
func (e *Engine) checkConsistency(ctx context.Context) {
	phantoms, err := e.reconciler.FindPhantoms(ctx, e.ledger.Positions())
	if err != nil {
		e.logger.Debug("Consistency check skipped", zap.Error(err))
		return
	}
	for _, pos := range phantoms {
		h, ok := e.ledger.Lookup(pos.ID)
		if !ok {
			continue
		}
		price, err := e.exchange.GetTicker(ctx, pos.Pair)
		if err != nil {
			price = pos.EntryPrice
		}
		e.orders.CancelProtectiveStop(ctx, pos)
		out := ExitOutcome{Reason: domain.ReasonPhantom, Price: price, Quantity: pos.Size, At: e.now(), Virtual: true}
		if err := e.finalize(ctx, h, out); err != nil {
			e.logger.Error("Failed to close phantom position", zap.String("trade_id", pos.ID), zap.Error(err))
		}
	}
}

// cleanupDust books positions too small to sell as virtual closes.
func (e *Engine) cleanupDust(ctx context.Context) {
	for _, h := range e.ledger.Handles() {
		pos, ok := e.ledger.Get(h)
		if !ok {
			continue
		}
		price, err := e.exchange.GetTicker(ctx, pos.Pair)
		if err != nil || !e.capital.IsDust(pos, price) {
			continue
		}
		e.logger.Info("Removing dust position", zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
			zap.Float64("notional", pos.Notional(price)))
		e.orders.CancelProtectiveStop(ctx, pos)
		out := ExitOutcome{Reason: domain.ReasonDust.Virtual(), Price: price, Quantity: pos.Size, At: e.now(), Virtual: true}
		if err := e.finalize(ctx, h, out); err != nil {
			e.logger.Error("Failed to remove dust position", zap.String("trade_id", pos.ID), zap.Error(err))
		}
	}
}

func (e *Engine) checkVolatility(ctx context.Context) {
	calm := 0
	for _, pair := range e.settings.Pairs {
		snap, err := e.market.Snapshot(ctx, pair)
		if err != nil {
			continue
		}
		e.metrics.Volatility(pair, snap.Volatility)
		if snap.Volatility < e.settings.Risk.MinVolatilityPercent {
			calm++
		}
	}
	if calm == len(e.settings.Pairs) {
		e.logger.Info("Market below minimum volatility on every pair", zap.Int("pairs", calm))
	}
}

func (e *Engine) notify(ctx context.Context, kind domain.EventKind, pos *domain.Position, msg string, fields map[string]any) {
	ev := domain.Event{Kind: kind, Message: msg, Fields: fields, At: e.now()}
	if pos != nil {
		ev.Pair = pos.Pair
		ev.TradeID = pos.ID
	}
	e.notifier.Notify(ctx, ev)
}

func (e *Engine) publish(kind string, pos *domain.Position, fields map[string]any) {
	f := map[string]any{"pair": pos.Pair, "trade_id": pos.ID}
	for k, v := range fields {
		f[k] = v
	}
	if !e.telemetry.Publish(TelemetryEvent{Kind: kind, At: e.now(), Fields: f}) {
		e.logger.Debug("Telemetry event dropped", zap.String("kind", kind))
	}
}
