package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/spot_scalper/internal/domain"
)

func assertLongInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	for _, pos := range l.Positions() {
		assert.Less(t, pos.StopLoss, pos.EntryPrice, "stop below entry for %s", pos.ID)
		assert.Less(t, pos.EntryPrice, pos.TakeProfit, "entry below take profit for %s", pos.ID)
		assert.Greater(t, pos.Size, 0.0)
	}
}

func TestEngine_OpenCandidate(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, _ := te.open(t)

	assert.Equal(t, "BTC", pos.BaseAsset)
	assert.InDelta(t, 10.0, pos.Size, 1e-9) // 10% of 10000 at 100
	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 99.75, pos.StopLoss, 1e-9)
	assert.InDelta(t, 101.2, pos.TakeProfit, 1e-9)
	assert.InDelta(t, 100.5, pos.TrailingActivationPrice, 1e-9)
	assert.InDelta(t, 10000.0, pos.CapitalBefore, 1e-9)
	assert.NotEmpty(t, pos.ProtectiveOrderID)
	assert.Equal(t, 1, te.ex.StopLimitCalls)

	assert.Contains(t, te.snapshots.items, pos.ID)
	assert.Contains(t, te.notifier.kinds(), domain.EventTradeOpened)
	assertLongInvariant(t, te.Ledger())
}

func TestEngine_TickOpensQueuedSignal(t *testing.T) {
	te := newTestEngine(t, nil)
	te.signals.queued["BTCUSDT"] = &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}

	next := te.Tick(context.Background())

	assert.Equal(t, 1, te.Ledger().Len())
	assert.Equal(t, te.settings.Loop.ActiveInterval, next)
}

func TestEngine_IgnoresShortCandidates(t *testing.T) {
	te := newTestEngine(t, nil)
	te.signals.queued["BTCUSDT"] = &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionShort}

	te.Tick(context.Background())

	assert.Equal(t, 0, te.Ledger().Len())
	assert.Empty(t, te.ex.MarketOrders)
}

func TestEngine_PairLimitAndDust(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Risk.MinTradeInterval = 0
	})
	te.open(t)

	pos, err := te.OpenCandidate(context.Background(), &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}, 1.0)
	require.NoError(t, err)
	assert.Nil(t, pos, "second non-dust position on the pair must be refused")
	assert.Equal(t, 1, te.Ledger().Len())

	// A dust-sized leftover does not count against the pair limit.
	te2 := newTestEngine(t, nil)
	_, err = te2.Ledger().Restore(&domain.Position{
		ID: "dust", Pair: "BTCUSDT", BaseAsset: "BTC", Direction: domain.DirectionLong,
		Size: 0.01, EntryPrice: 100, StopLoss: 99, TakeProfit: 102, Status: domain.StatusOpen,
	})
	require.NoError(t, err)
	te2.open(t)
	assert.Equal(t, 2, te2.Ledger().Len())
}

func TestEngine_MaxOpenPositions(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Risk.MaxOpenPositions = 2
		s.Risk.MaxTradesPerPair = 5
		s.Risk.MaxTradesPerHour = 100
		s.Risk.MinTradeInterval = 0
		s.Risk.MaxExposurePercent = 100
	})
	ctx := context.Background()
	cand := &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}

	for i := 0; i < 3; i++ {
		_, err := te.OpenCandidate(ctx, cand, 1.0)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, te.Ledger().Len())
}

func TestEngine_LowVolatilityRefused(t *testing.T) {
	te := newTestEngine(t, nil)
	te.market.snaps["BTCUSDT"].Volatility = 0.01

	pos, err := te.OpenCandidate(context.Background(), &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}, 1.0)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Empty(t, te.ex.MarketOrders)
}

func TestEngine_UnprotectedPositionIsReported(t *testing.T) {
	te := newTestEngine(t, nil)
	te.ex.StopLimitErr = &domain.ExchangeError{Code: -1013, Message: "Filter failure: PRICE_FILTER", Kind: domain.KindUnknown}

	pos, _ := te.open(t)

	assert.Empty(t, pos.ProtectiveOrderID)
	assert.Equal(t, 0, te.ex.OCOCalls)
	assert.Contains(t, te.notifier.kinds(), domain.EventUnprotected)
}

// Entry 100, stop 99.75, TP 101.2. A move to 100.5 ratchets the stop and
// pushes the target; the later drop to 99.7 exits as a stop loss.
func TestEngine_ScenarioTrailingThenStop(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	pos, _ := te.open(t)
	firstOrder := pos.ProtectiveOrderID

	te.clock.Advance(time.Minute)
	te.ex.SetPrice("BTCUSDT", 100.5)
	te.Tick(ctx)

	require.Equal(t, 1, te.Ledger().Len())
	assert.GreaterOrEqual(t, pos.StopLoss, 99.8-1e-9)
	assert.GreaterOrEqual(t, pos.TakeProfit, 101.7)
	assert.NotEqual(t, firstOrder, pos.ProtectiveOrderID, "protective order is replaced")
	assert.Equal(t, domain.OrderStatusCanceled, te.ex.Orders[firstOrder].Status)
	assert.Equal(t, te.clock.Now(), pos.LastTrailingUpdateAt)
	assertLongInvariant(t, te.Ledger())

	te.clock.Advance(time.Minute)
	te.ex.SetPrice("BTCUSDT", 99.7)
	te.Tick(ctx)

	assert.Equal(t, 0, te.Ledger().Len())
	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ReasonStopLoss, closed.ExitReason)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.False(t, closed.Virtual)
	assert.InDelta(t, 99.7, closed.ExitPrice, 1e-9)
	assert.InDelta(t, -3.0, closed.RealizedPnL, 1e-6)
	assert.InDelta(t, closed.CapitalAfter-closed.CapitalBefore, closed.RealizedPnL, 1e-9)
	assert.InDelta(t, closed.RealizedPnL, te.Governor().State().DailyPnL, 1e-9)
	assert.NotContains(t, te.snapshots.items, closed.ID)
}

func TestEngine_ScenarioReducedBalanceSell(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, h := te.open(t)

	te.ex.Orders[pos.ProtectiveOrderID].Status = domain.OrderStatusCanceled
	te.ex.SetBalance("BTC", 9.5, 0)

	err := te.ClosePosition(context.Background(), h, domain.ReasonStopLoss, 100)
	require.NoError(t, err)

	assert.Equal(t, 0, te.Ledger().Len())
	last := te.ex.MarketOrders[len(te.ex.MarketOrders)-1]
	assert.Equal(t, domain.SideSell, last.Side)
	assert.InDelta(t, 9.405, last.Quantity, 1e-9)

	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ReasonStopLoss, closed.ExitReason)
	assert.False(t, closed.ExitReason.IsVirtual())
	assert.Equal(t, domain.StatusClosed, closed.Status)
}

func TestEngine_ScenarioPhantomClose(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, h := te.open(t)

	te.ex.Orders[pos.ProtectiveOrderID].Status = domain.OrderStatusCanceled
	te.ex.SetBalance("BTC", 0, 0)
	sells := len(te.ex.MarketOrders)

	err := te.ClosePosition(context.Background(), h, domain.ReasonStopLoss, 99.5)
	require.NoError(t, err)

	assert.Equal(t, 0, te.Ledger().Len())
	assert.Len(t, te.ex.MarketOrders, sells, "no sell reaches the exchange")

	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ExitReason("STOP_LOSS_PHANTOM"), closed.ExitReason)
	assert.True(t, closed.ExitReason.IsPhantom())
	assert.Equal(t, domain.StatusClosedVirtual, closed.Status)
	assert.True(t, closed.Virtual)
	assert.InDelta(t, -5.0, closed.RealizedPnL, 1e-6)
	assert.InDelta(t, closed.CapitalAfter-closed.CapitalBefore, closed.RealizedPnL, 1e-9)

	state := te.Governor().State()
	assert.Equal(t, []bool{false}, state.Outcomes)
	assert.InDelta(t, closed.RealizedPnL, state.DailyPnL, 1e-9)
	assert.Contains(t, te.notifier.kinds(), domain.EventPhantom)
}

func TestEngine_RejectedSellClosesVirtually(t *testing.T) {
	te := newTestEngine(t, nil)
	_, h := te.open(t)
	te.ex.SellErr = &domain.ExchangeError{Code: -1013, Message: "Filter failure: NOTIONAL", Kind: domain.KindMinNotional}

	require.NoError(t, te.ClosePosition(context.Background(), h, domain.ReasonTimeout, 100))

	require.Len(t, te.history.closed, 1)
	assert.Equal(t, domain.ExitReason("TIMEOUT_VIRTUAL"), te.history.closed[0].ExitReason)
	assert.Equal(t, domain.StatusClosedVirtual, te.history.closed[0].Status)
}

func TestEngine_TransientSellKeepsPositionProtected(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, h := te.open(t)
	te.ex.SellErr = errTransient

	err := te.ClosePosition(context.Background(), h, domain.ReasonTimeout, 100)
	require.Error(t, err)

	assert.Equal(t, 1, te.Ledger().Len())
	assert.NotEmpty(t, pos.ProtectiveOrderID)
	assert.Equal(t, 2, te.ex.StopLimitCalls)
	assert.Empty(t, te.history.closed)
}

func TestEngine_ScenarioDailyTarget(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Risk.MinTradeInterval = 0
	})
	ctx := context.Background()
	te.open(t)

	// Earlier wins today bring the day to +1% of a 10000 account.
	te.Governor().RecordClose(101, te.clock.Now())
	te.Tick(ctx)

	assert.Equal(t, 0, te.Ledger().Len())
	require.Len(t, te.history.closed, 1)
	assert.Equal(t, domain.ReasonDailyTarget, te.history.closed[0].ExitReason)
	assert.True(t, te.Governor().State().Halted)
	assert.Contains(t, te.notifier.kinds(), domain.EventDailyLimit)

	pos, err := te.OpenCandidate(ctx, &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}, 1.0)
	require.NoError(t, err)
	assert.Nil(t, pos, "no entries for the rest of the day")

	// The halt lifts on the next UTC day.
	te.clock.Advance(24 * time.Hour)
	pos, err = te.OpenCandidate(ctx, &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}, 1.0)
	require.NoError(t, err)
	assert.NotNil(t, pos)
}

func TestEngine_DailyFlattenRetriesFailedClose(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Risk.MinTradeInterval = 0
	})
	ctx := context.Background()
	te.open(t)

	te.Governor().RecordClose(101, te.clock.Now())
	te.ex.SellErr = errTransient
	te.Tick(ctx)

	require.Equal(t, 1, te.Ledger().Len(), "transient sell keeps the position")
	assert.Equal(t, domain.ReasonDailyTarget, te.Governor().DailyLimit())

	te.ex.SellErr = nil
	te.clock.Advance(time.Second)
	te.Tick(ctx)

	assert.Equal(t, 0, te.Ledger().Len())
	require.Len(t, te.history.closed, 1)
	assert.Equal(t, domain.ReasonDailyTarget, te.history.closed[0].ExitReason)
	assert.True(t, te.Governor().State().Halted)
}

func TestEngine_GapAlertUsesFillPrice(t *testing.T) {
	te := newTestEngine(t, nil)
	te.open(t)

	// The tick sees 99.7, inside tolerance, but the market sell fills at 99.3.
	te.clock.Advance(time.Minute)
	te.ex.SetPrice("BTCUSDT", 99.7)
	te.ex.SellSlippage = 0.4
	te.Tick(context.Background())

	require.Len(t, te.history.closed, 1)
	assert.Equal(t, domain.ReasonStopLoss, te.history.closed[0].ExitReason)
	assert.InDelta(t, 99.3, te.history.closed[0].ExitPrice, 1e-9)
	assert.Contains(t, te.notifier.kinds(), domain.EventGapAlert)
}

func TestEngine_NoGapAlertWithinTolerance(t *testing.T) {
	te := newTestEngine(t, nil)
	te.open(t)

	te.clock.Advance(time.Minute)
	te.ex.SetPrice("BTCUSDT", 99.7)
	te.Tick(context.Background())

	require.Len(t, te.history.closed, 1)
	assert.NotContains(t, te.notifier.kinds(), domain.EventGapAlert)
}

func TestEngine_ExchangeFilledStop(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, _ := te.open(t)

	te.clock.Advance(2 * time.Minute)
	te.ex.SetPrice("BTCUSDT", 99.7)
	te.ex.FillStop(pos.ProtectiveOrderID, 99.74, te.clock.Now())
	sells := len(te.ex.MarketOrders)

	te.Tick(context.Background())

	assert.Equal(t, 0, te.Ledger().Len())
	assert.Len(t, te.ex.MarketOrders, sells, "the exchange already sold")
	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ReasonAutoStopLoss, closed.ExitReason)
	assert.False(t, closed.Virtual)
	assert.InDelta(t, 99.74, closed.ExitPrice, 1e-9)
	assert.InDelta(t, -2.6, closed.RealizedPnL, 1e-6)
}

func TestEngine_VanishedOrderMatchedByTrade(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, _ := te.open(t)
	te.clock.Advance(3 * time.Minute)

	te.ex.StatusErr[pos.ProtectiveOrderID] = &domain.ExchangeError{Code: -2013, Message: "Order does not exist.", Kind: domain.KindNotFound}
	te.ex.Trades = []domain.AccountTrade{
		{ID: "t1", Pair: "BTCUSDT", Price: 101.3, Quantity: 9.9, Time: te.clock.Now().Add(-time.Minute)},
	}
	te.ex.SetBalance("BTC", 0, 0)
	te.ex.SetBalance("USDT", 9000+9.9*101.3, 0)

	te.Tick(context.Background())

	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ReasonAutoTakeProfit, closed.ExitReason)
	assert.False(t, closed.Virtual)
	assert.InDelta(t, 101.3, closed.ExitPrice, 1e-9)
}

func TestEngine_VanishedOrderMatchedBySplitFills(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, _ := te.open(t)
	te.clock.Advance(3 * time.Minute)

	stopID := pos.ProtectiveOrderID
	half := pos.Size / 2
	te.ex.StatusErr[stopID] = &domain.ExchangeError{Code: -2013, Message: "Order does not exist.", Kind: domain.KindNotFound}
	te.ex.Trades = []domain.AccountTrade{
		{ID: "other", OrderID: "999", Pair: "BTCUSDT", Price: 101.5, Quantity: pos.Size, Time: te.clock.Now().Add(-2 * time.Minute)},
		{ID: "f1", OrderID: stopID, Pair: "BTCUSDT", Price: 99.74, Quantity: half, Time: te.clock.Now().Add(-time.Minute)},
		{ID: "f2", OrderID: stopID, Pair: "BTCUSDT", Price: 99.73, Quantity: half, Time: te.clock.Now().Add(-30 * time.Second)},
	}
	te.ex.SetBalance("BTC", 0, 0)
	te.ex.SetBalance("USDT", 9000+pos.Size*99.735, 0)

	te.Tick(context.Background())

	assert.Equal(t, 0, te.Ledger().Len())
	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ReasonAutoStopLoss, closed.ExitReason)
	assert.False(t, closed.Virtual)
	assert.InDelta(t, 99.735, closed.ExitPrice, 1e-9)
	assert.True(t, closed.ExitAt.Equal(te.clock.Now().Add(-30*time.Second)))
}

func TestEngine_VanishedOrderWithoutTrade(t *testing.T) {
	te := newTestEngine(t, nil)
	pos, _ := te.open(t)
	te.ex.StatusErr[pos.ProtectiveOrderID] = &domain.ExchangeError{Code: -2013, Message: "Order does not exist.", Kind: domain.KindNotFound}

	te.Tick(context.Background())

	require.Len(t, te.history.closed, 1)
	closed := te.history.closed[0]
	assert.Equal(t, domain.ReasonAutoUnknown, closed.ExitReason)
	assert.True(t, closed.Virtual)
	assert.Equal(t, domain.StatusClosedVirtual, closed.Status)
}

func TestEngine_PerPositionFaultIsolation(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Pairs = []string{"BTCUSDT", "ETHUSDT"}
		s.Risk.MaxExposurePercent = 100
		// BTC cannot be priced this tick, which understates capital.
		s.Risk.DailyStopPercent = 0
	})
	te.ex.Prices["ETHUSDT"] = 50
	te.ex.Filters["ETHUSDT"] = &domain.SymbolFilters{
		Pair: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT",
		TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MaxQty: 10000, MinNotional: 5,
	}
	te.market.snaps["ETHUSDT"] = &MarketSnapshot{Pair: "ETHUSDT", Volatility: 1, RSI: 50}

	ctx := context.Background()
	te.open(t)
	_, err := te.OpenCandidate(ctx, &domain.Candidate{Pair: "ETHUSDT", Direction: domain.DirectionLong}, 1.0)
	require.NoError(t, err)
	require.Equal(t, 2, te.Ledger().Len())

	te.ex.TickerErr["BTCUSDT"] = errTransient
	te.ex.SetPrice("ETHUSDT", 49.8)
	te.Tick(ctx)

	require.Len(t, te.history.closed, 1, "ETH still evaluated after BTC failed")
	assert.Equal(t, "ETHUSDT", te.history.closed[0].Pair)
	assert.Equal(t, domain.ReasonStopLoss, te.history.closed[0].ExitReason)
	assert.Equal(t, 1, te.Ledger().Len())
}

func TestEngine_ConsecutiveLossPause(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Risk.MinTradeInterval = 0
		s.Risk.MaxTradesPerHour = 100
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, h := te.open(t)
		te.ex.SetPrice("BTCUSDT", 99.5)
		require.NoError(t, te.ClosePosition(ctx, h, domain.ReasonStopLoss, 99.5))
		te.ex.SetPrice("BTCUSDT", 100)
	}

	assert.Contains(t, te.notifier.kinds(), domain.EventRiskPause)
	assert.True(t, te.Governor().Blocked(te.clock.Now()))
	assert.Equal(t, te.settings.Loop.PausedInterval, te.Tick(ctx))

	te.clock.Advance(te.settings.Risk.PauseDuration + time.Second)
	assert.False(t, te.Governor().Blocked(te.clock.Now()))
	assert.Equal(t, 0, te.Governor().State().ConsecutiveLosses)
}

func TestEngine_Intervals(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	assert.Equal(t, te.settings.Loop.IdleInterval, te.Tick(ctx))

	te.open(t)
	assert.Equal(t, te.settings.Loop.ActiveInterval, te.Tick(ctx))

	off := newTestEngine(t, func(s *Settings) {
		s.Schedule = TradingSchedule{StartHour: 0, EndHour: 1}
	})
	off.signals.queued["BTCUSDT"] = &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}
	assert.Equal(t, off.settings.Loop.PausedInterval, off.Tick(ctx))
	assert.Equal(t, 0, off.Ledger().Len(), "no entries outside trading hours")
}

func TestEngine_Recover(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	te.ex.SetBalance("BTC", 0, 2)
	backed := &domain.Position{
		ID: "backed", Pair: "BTCUSDT", BaseAsset: "BTC", Direction: domain.DirectionLong,
		Size: 2, EntryPrice: 100, StopLoss: 99.75, TakeProfit: 101.2, Status: domain.StatusOpen,
	}
	stale := &domain.Position{
		ID: "stale", Pair: "ETHUSDT", BaseAsset: "ETH", Direction: domain.DirectionLong,
		Size: 1, EntryPrice: 50, StopLoss: 49, TakeProfit: 51, Status: domain.StatusOpen,
	}
	require.NoError(t, te.snapshots.PutPositionSnapshot(ctx, backed.ID, backed))
	require.NoError(t, te.snapshots.PutPositionSnapshot(ctx, stale.ID, stale))

	require.NoError(t, te.Recover(ctx))

	assert.Equal(t, 1, te.Ledger().Len())
	_, ok := te.Ledger().Lookup("backed")
	assert.True(t, ok)
	assert.NotContains(t, te.snapshots.items, "stale")
}

func TestEngine_RecoverFailsWithoutCapital(t *testing.T) {
	te := newTestEngine(t, nil)
	te.ex.BalancesErr = errTransient

	err := te.Recover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapitalUnknown)
}

func TestEngine_DustCleanup(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Loop.DustCleanupEvery = 1
	})
	_, err := te.Ledger().Restore(&domain.Position{
		ID: "dust", Pair: "BTCUSDT", BaseAsset: "BTC", Direction: domain.DirectionLong,
		Size: 0.01, EntryPrice: 100, StopLoss: 99, TakeProfit: 102, Status: domain.StatusOpen,
		OpenedAt: te.clock.Now(),
	})
	require.NoError(t, err)
	te.ex.SetBalance("BTC", 0.01, 0)

	te.Tick(context.Background())

	assert.Equal(t, 0, te.Ledger().Len())
	require.Len(t, te.history.closed, 1)
	assert.Equal(t, domain.ExitReason("DUST_VIRTUAL"), te.history.closed[0].ExitReason)
}

func TestEngine_ConsistencyCheckClosesPhantoms(t *testing.T) {
	te := newTestEngine(t, func(s *Settings) {
		s.Loop.ConsistencyEvery = 1
	})
	pos, _ := te.open(t)
	te.ex.Orders[pos.ProtectiveOrderID].Status = domain.OrderStatusNew
	te.ex.SetBalance("BTC", 0, 0)

	te.Tick(context.Background())

	require.Len(t, te.history.closed, 1)
	assert.Equal(t, domain.ReasonPhantom, te.history.closed[0].ExitReason)
	assert.True(t, te.history.closed[0].Virtual)
}
