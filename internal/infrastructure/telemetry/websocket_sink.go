package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/usecase"
)

type WebSocketOptions struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// batchMessage is the frame written per upload.
type batchMessage struct {
	Type   string                   `json:"type"`
	Sent   time.Time                `json:"sent"`
	Events []usecase.TelemetryEvent `json:"events"`
}

// WebSocketSink streams telemetry batches to a collector. The connection is
// dialled lazily and re-dialled with exponential backoff after a failure.
type WebSocketSink struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	conn     *websocket.Conn
	backoff  time.Duration
	nextDial time.Time
}

func NewWebSocketSink(opts WebSocketOptions, logger *zap.Logger) *WebSocketSink {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	return &WebSocketSink{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

func (s *WebSocketSink) Upload(ctx context.Context, batch []usecase.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	msg := batchMessage{Type: "telemetry", Sent: s.now().UTC(), Events: batch}
	if err := conn.WriteJSON(msg); err != nil {
		s.dropConn(err)
		return fmt.Errorf("write telemetry batch: %w", err)
	}
	return nil
}

func (s *WebSocketSink) connect(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	if now := s.now(); now.Before(s.nextDial) {
		return nil, fmt.Errorf("telemetry collector unavailable, retry in %s", s.nextDial.Sub(now).Round(time.Millisecond))
	}

	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.scheduleRetry()
		return nil, fmt.Errorf("dial telemetry collector: %w", err)
	}

	s.conn = conn
	s.backoff = 0
	s.logger.Info("Telemetry collector connected", zap.String("url", s.opts.URL))
	return conn, nil
}

func (s *WebSocketSink) dropConn(err error) {
	s.logger.Warn("Telemetry connection lost", zap.Error(err))
	s.conn.Close()
	s.conn = nil
	s.scheduleRetry()
}

func (s *WebSocketSink) scheduleRetry() {
	if s.backoff == 0 {
		s.backoff = s.opts.InitialBackoff
	} else {
		s.backoff *= 2
		if s.backoff > s.opts.MaxBackoff {
			s.backoff = s.opts.MaxBackoff
		}
	}
	s.nextDial = s.now().Add(s.backoff)
}

// Close sends a close frame and releases the connection.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
