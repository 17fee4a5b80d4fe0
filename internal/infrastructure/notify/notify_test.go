package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitos/spot_scalper/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	block  chan struct{}
}

func (r *recorder) Notify(_ context.Context, ev domain.Event) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestAsyncNotifier_DeliversAndFlushes(t *testing.T) {
	rec := &recorder{}
	n := NewAsyncNotifier(rec, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	n.Notify(context.Background(), domain.Event{Kind: domain.EventTradeOpened, Pair: "BTCUSDT"})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	n.Notify(context.Background(), domain.Event{Kind: domain.EventTradeClosed})
	n.flush()
	assert.Equal(t, 2, rec.count())
}

func TestAsyncNotifier_DropsWhenFull(t *testing.T) {
	rec := &recorder{}
	n := NewAsyncNotifier(rec, 2, zap.NewNop())

	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), domain.Event{Kind: domain.EventGapAlert})
	}
	assert.Equal(t, int64(3), n.Dropped())

	n.flush()
	assert.Equal(t, 2, rec.count())
}

func TestAsyncNotifier_NotifyDoesNotBlockOnSlowDelivery(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	n := NewAsyncNotifier(rec, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	start := time.Now()
	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), domain.Event{Kind: domain.EventTradeOpened})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	close(rec.block)
}

func TestMultiAndLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &recorder{}
	m := Multi{NewLogNotifier(zap.New(core)), rec}

	m.Notify(context.Background(), domain.Event{Kind: domain.EventRiskHalt, Message: "daily stop hit", Pair: "ETHUSDT"})
	m.Notify(context.Background(), domain.Event{Kind: domain.EventTradeOpened, Message: "opened", TradeID: "t-1"})

	assert.Equal(t, 2, rec.count())
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "daily stop hit", entries[0].Message)
	assert.Equal(t, "ETHUSDT", entries[0].ContextMap()["pair"])
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, "t-1", entries[1].ContextMap()["trade_id"])
}

func TestFormatEvent(t *testing.T) {
	ev := domain.Event{
		Kind:    domain.EventTradeClosed,
		Pair:    "BTCUSDT",
		TradeID: "t-9",
		Message: "position closed",
		Fields:  map[string]any{"reason": "STOP_LOSS", "pnl": -0.15},
	}
	assert.Equal(t, "🔵 TRADE_CLOSED BTCUSDT\nposition closed\npnl: -0.15\nreason: STOP_LOSS\ntrade: t-9", FormatEvent(ev))
}

func TestTelegramNotifier_SendsMessage(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	var chatIDs []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"scalper","username":"scalper_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.PostForm.Get("text"))
			chatIDs = append(chatIDs, r.PostForm.Get("chat_id"))
			mu.Unlock()
			w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
	defer server.Close()

	api, err := tgbotapi.NewBotAPIWithClient("test-token", server.URL+"/bot%s/%s", server.Client())
	require.NoError(t, err)
	assert.Equal(t, "scalper_bot", api.Self.UserName)

	n := NewTelegramNotifierWithAPI(api, 42, zap.NewNop())
	n.Notify(context.Background(), domain.Event{Kind: domain.EventPhantom, Pair: "SOLUSDT", Message: "balance gone"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", chatIDs[0])
	assert.Contains(t, sent[0], "PHANTOM SOLUSDT")
	assert.Contains(t, sent[0], "balance gone")
}

func TestTelegramNotifier_FailureIsLogged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"scalper","username":"scalper_bot"}}`))
			return
		}
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	api, err := tgbotapi.NewBotAPIWithClient("test-token", server.URL+"/bot%s/%s", server.Client())
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	n := NewTelegramNotifierWithAPI(api, 42, zap.New(core))
	n.Notify(context.Background(), domain.Event{Kind: domain.EventTradeOpened, Message: "opened"})

	assert.Equal(t, 1, logs.FilterMessage("Failed to send telegram notification").Len())
}
