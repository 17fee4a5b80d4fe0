package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// MockExchange is an in-memory spot account. Market orders move balances,
// resting stop orders lock the base asset.
type MockExchange struct {
	mu sync.Mutex

	Quote    string
	Prices   map[string]float64
	Balances map[string]domain.Balance
	Filters  map[string]*domain.SymbolFilters
	Candles  map[string][]domain.Candle
	Orders   map[string]*domain.Order
	Trades   []domain.AccountTrade

	BuyErr       error
	SellErr      error
	StopLimitErr error
	OCOErr       error
	BalancesErr  error
	// SellSlippage is subtracted from the ticker on market sells.
	SellSlippage float64
	TickerErr    map[string]error
	StatusErr    map[string]error

	MarketOrders   []*domain.Order
	StopLimitCalls int
	OCOCalls       int
	CancelCalls    int

	nextID int
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		Quote:  "USDT",
		Prices: map[string]float64{"BTCUSDT": 100},
		Balances: map[string]domain.Balance{
			"USDT": {Asset: "USDT", Free: 10000},
		},
		Filters: map[string]*domain.SymbolFilters{
			"BTCUSDT": {
				Pair: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
				TickSize: 0.01, StepSize: 0.0001, MinQty: 0.0001, MaxQty: 1000, MinNotional: 5,
			},
		},
		Candles:   map[string][]domain.Candle{},
		Orders:    map[string]*domain.Order{},
		TickerErr: map[string]error{},
		StatusErr: map[string]error{},
	}
}

func (m *MockExchange) id() string {
	m.nextID++
	return strconv.Itoa(m.nextID)
}

func (m *MockExchange) base(pair string) string {
	if f, ok := m.Filters[pair]; ok {
		return f.BaseAsset
	}
	return pair[:len(pair)-len(m.Quote)]
}

func (m *MockExchange) adjust(asset string, free, locked float64) {
	b := m.Balances[asset]
	b.Asset = asset
	b.Free += free
	b.Locked += locked
	m.Balances[asset] = b
}

func (m *MockExchange) SetBalance(asset string, free, locked float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balances[asset] = domain.Balance{Asset: asset, Free: free, Locked: locked}
}

func (m *MockExchange) SetPrice(pair string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[pair] = price
}

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, pair string, side domain.OrderSide, qty float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price := m.Prices[pair]
	base := m.base(pair)
	switch side {
	case domain.SideBuy:
		if m.BuyErr != nil {
			return nil, m.BuyErr
		}
		m.adjust(m.Quote, -qty*price, 0)
		m.adjust(base, qty, 0)
	case domain.SideSell:
		if m.SellErr != nil {
			return nil, m.SellErr
		}
		if m.Balances[base].Free < qty-1e-12 {
			return nil, &domain.ExchangeError{Code: -2010, Message: "Account has insufficient balance for requested action.", Kind: domain.KindInsufficientBalance}
		}
		price -= m.SellSlippage
		m.adjust(base, -qty, 0)
		m.adjust(m.Quote, qty*price, 0)
	}

	order := &domain.Order{
		ID: m.id(), Pair: pair, Side: side, Type: domain.OrderTypeMarket, Status: domain.OrderStatusFilled,
		Quantity: qty, ExecutedQty: qty, AvgPrice: price,
	}
	m.MarketOrders = append(m.MarketOrders, order)
	m.Orders[order.ID] = order
	return order, nil
}

func (m *MockExchange) lock(pair string, qty float64) {
	base := m.base(pair)
	if free := m.Balances[base].Free; qty > free {
		qty = free
	}
	m.adjust(base, -qty, qty)
}

func (m *MockExchange) PlaceStopLimit(ctx context.Context, pair string, side domain.OrderSide, qty, stopPrice, limitPrice float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StopLimitCalls++
	if m.StopLimitErr != nil {
		return nil, m.StopLimitErr
	}
	m.lock(pair, qty)
	order := &domain.Order{
		ID: m.id(), Pair: pair, Side: side, Type: domain.OrderTypeStopLossLimit, Status: domain.OrderStatusNew,
		Quantity: qty, Price: limitPrice, StopPrice: stopPrice,
	}
	m.Orders[order.ID] = order
	return order, nil
}

func (m *MockExchange) PlaceOCO(ctx context.Context, pair string, side domain.OrderSide, qty, takeProfitPrice, stopPrice, stopLimitPrice float64) (*domain.OCOOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OCOCalls++
	if m.OCOErr != nil {
		return nil, m.OCOErr
	}
	m.lock(pair, qty)
	stopLeg := &domain.Order{
		ID: m.id(), Pair: pair, Side: side, Type: domain.OrderTypeStopLossLimit, Status: domain.OrderStatusNew,
		Quantity: qty, Price: stopLimitPrice, StopPrice: stopPrice,
	}
	tpLeg := &domain.Order{
		ID: m.id(), Pair: pair, Side: side, Type: domain.OrderTypeLimitMaker, Status: domain.OrderStatusNew,
		Quantity: qty, Price: takeProfitPrice,
	}
	m.Orders[stopLeg.ID] = stopLeg
	return &domain.OCOOrder{ListID: m.id(), Legs: []*domain.Order{tpLeg, stopLeg}}, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, pair, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	o, ok := m.Orders[orderID]
	if !ok || o.Status != domain.OrderStatusNew {
		return &domain.ExchangeError{Code: -2011, Message: "Unknown order sent.", Kind: domain.KindNotFound}
	}
	o.Status = domain.OrderStatusCanceled
	m.adjust(m.base(pair), o.Quantity, -o.Quantity)
	return nil
}

// FillStop executes a resting protective order at price, as the exchange
// would when the stop triggers.
func (m *MockExchange) FillStop(orderID string, price float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.Orders[orderID]
	o.Status = domain.OrderStatusFilled
	o.ExecutedQty = o.Quantity
	o.AvgPrice = price
	o.UpdatedAt = at
	m.adjust(m.base(o.Pair), 0, -o.Quantity)
	m.adjust(m.Quote, o.Quantity*price, 0)
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, pair, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.StatusErr[orderID]; ok {
		return nil, err
	}
	o, ok := m.Orders[orderID]
	if !ok {
		return nil, &domain.ExchangeError{Code: -2013, Message: "Order does not exist.", Kind: domain.KindNotFound}
	}
	c := *o
	return &c, nil
}

func (m *MockExchange) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BalancesErr != nil {
		return nil, m.BalancesErr
	}
	out := make(map[string]domain.Balance, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) GetSymbolFilters(ctx context.Context, pair string) (*domain.SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.Filters[pair]
	if !ok {
		return nil, &domain.ExchangeError{Code: -1121, Message: "Invalid symbol.", Kind: domain.KindUnknown}
	}
	c := *f
	return &c, nil
}

func (m *MockExchange) GetTicker(ctx context.Context, pair string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.TickerErr[pair]; ok {
		return 0, err
	}
	p, ok := m.Prices[pair]
	if !ok {
		return 0, fmt.Errorf("no market for %s", pair)
	}
	return p, nil
}

func (m *MockExchange) GetCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Candles[pair], nil
}

func (m *MockExchange) GetRecentTrades(ctx context.Context, pair string, since time.Time) ([]domain.AccountTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AccountTrade
	for _, t := range m.Trades {
		if t.Pair == pair && !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

var errTransient = &domain.ExchangeError{Code: -1001, Message: "Internal error; unable to process your request.", Kind: domain.KindTransient, Err: errors.New("timeout")}

// stubMarket returns fixed indicator snapshots.
type stubMarket struct {
	snaps map[string]*MarketSnapshot
	err   error
}

func newStubMarket(volatility float64) *stubMarket {
	return &stubMarket{snaps: map[string]*MarketSnapshot{
		"BTCUSDT": {Pair: "BTCUSDT", Volatility: volatility, RSI: 50},
	}}
}

func (s *stubMarket) Snapshot(ctx context.Context, pair string) (*MarketSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	snap, ok := s.snaps[pair]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", pair)
	}
	c := *snap
	return &c, nil
}

// stubSignals hands out queued candidates once.
type stubSignals struct {
	queued map[string]*domain.Candidate
}

func (s *stubSignals) SignalFor(ctx context.Context, pair string) (*domain.Candidate, error) {
	c := s.queued[pair]
	delete(s.queued, pair)
	return c, nil
}

type memorySnapshots struct {
	mu    sync.Mutex
	items map[string]*domain.Position
	puts  int
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{items: map[string]*domain.Position{}}
}

func (s *memorySnapshots) PutPositionSnapshot(ctx context.Context, id string, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.items[id] = pos
	return nil
}

func (s *memorySnapshots) DeletePositionSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *memorySnapshots) ListPositionSnapshots(ctx context.Context) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Position
	for _, p := range s.items {
		out = append(out, p.Clone())
	}
	return out, nil
}

type memoryHistory struct {
	closed []*domain.Position
}

func (h *memoryHistory) SaveClosedPosition(ctx context.Context, pos *domain.Position) error {
	h.closed = append(h.closed, pos.Clone())
	return nil
}

func (h *memoryHistory) ListClosedPositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	return h.closed, nil
}

type recordingNotifier struct {
	events []domain.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev domain.Event) {
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) kinds() []domain.EventKind {
	out := make([]domain.EventKind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type testEngine struct {
	*Engine
	ex        *MockExchange
	market    *stubMarket
	signals   *stubSignals
	snapshots *memorySnapshots
	history   *memoryHistory
	notifier  *recordingNotifier
	clock     *testClock
}

func newTestEngine(t *testing.T, mutate func(*Settings)) *testEngine {
	t.Helper()

	settings := DefaultSettings()
	settings.Pairs = []string{"BTCUSDT"}
	if mutate != nil {
		mutate(&settings)
	}

	te := &testEngine{
		ex:        NewMockExchange(),
		market:    newStubMarket(1.0),
		signals:   &stubSignals{queued: map[string]*domain.Candidate{}},
		snapshots: newMemorySnapshots(),
		history:   &memoryHistory{},
		notifier:  &recordingNotifier{},
		clock:     newTestClock(),
	}
	e, err := NewEngine(settings, EngineDeps{
		Exchange:  te.ex,
		Signals:   te.signals,
		Snapshots: te.snapshots,
		History:   te.history,
		Notifier:  te.notifier,
		Market:    te.market,
	}, zap.NewNop())
	require.NoError(t, err)
	e.SetClock(te.clock.Now)
	te.Engine = e
	return te
}

func (te *testEngine) open(t *testing.T) (*domain.Position, Handle) {
	t.Helper()
	pos, err := te.OpenCandidate(context.Background(), &domain.Candidate{Pair: "BTCUSDT", Direction: domain.DirectionLong}, 1.0)
	require.NoError(t, err)
	require.NotNil(t, pos)
	h, ok := te.Ledger().Lookup(pos.ID)
	require.True(t, ok)
	return pos, h
}
