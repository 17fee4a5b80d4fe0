package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/domain"
)

var kindIcons = map[domain.EventKind]string{
	domain.EventTradeOpened: "🟢",
	domain.EventTradeClosed: "🔵",
	domain.EventRiskPause:   "⏸",
	domain.EventRiskHalt:    "🛑",
	domain.EventGapAlert:    "⚡",
	domain.EventUnprotected: "⚠️",
	domain.EventPhantom:     "👻",
	domain.EventDailyLimit:  "📅",
}

type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *zap.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return NewTelegramNotifierWithAPI(api, chatID, logger), nil
}

func NewTelegramNotifierWithAPI(api *tgbotapi.BotAPI, chatID int64, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{api: api, chatID: chatID, logger: logger}
}

// Notify sends one message per event. Delivery failures are logged only.
func (n *TelegramNotifier) Notify(_ context.Context, ev domain.Event) {
	msg := tgbotapi.NewMessage(n.chatID, FormatEvent(ev))
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Warn("Failed to send telegram notification",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

// FormatEvent renders an event as plain text.
func FormatEvent(ev domain.Event) string {
	var b strings.Builder
	if icon, ok := kindIcons[ev.Kind]; ok {
		b.WriteString(icon)
		b.WriteString(" ")
	}
	b.WriteString(string(ev.Kind))
	if ev.Pair != "" {
		b.WriteString(" ")
		b.WriteString(ev.Pair)
	}
	b.WriteString("\n")
	b.WriteString(ev.Message)

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n%s: %v", k, ev.Fields[k]))
	}
	if ev.TradeID != "" {
		b.WriteString("\ntrade: ")
		b.WriteString(ev.TradeID)
	}
	return b.String()
}
