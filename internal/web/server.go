package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HeartbeatFunc reports when the engine last completed a tick.
type HeartbeatFunc func() time.Time

// Server exposes the operational endpoints of a running engine.
type Server struct {
	router    *mux.Router
	server    *http.Server
	gatherer  prometheus.Gatherer
	heartbeat HeartbeatFunc
	maxStale  time.Duration
	startedAt time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewServer serves /metrics from gatherer and /healthz from heartbeat. The
// health check fails once no tick has completed within maxStale.
func NewServer(addr string, gatherer prometheus.Gatherer, heartbeat HeartbeatFunc, maxStale time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		gatherer:  gatherer,
		heartbeat: heartbeat,
		maxStale:  maxStale,
		now:       time.Now,
		logger:    logger,
	}
	s.startedAt = s.now()
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.recovery)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting ops server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in HTTP handler", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
