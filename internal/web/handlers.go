package web

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type healthResponse struct {
	Status   string    `json:"status"`
	LastTick time.Time `json:"last_tick"`
	Uptime   string    `json:"uptime"`
}

// handleHealth stays healthy during the first maxStale after start so a slow
// recovery does not fail the probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	last := s.heartbeat()

	resp := healthResponse{Status: "ok", LastTick: last, Uptime: now.Sub(s.startedAt).Round(time.Second).String()}
	code := http.StatusOK

	ref := last
	if ref.IsZero() {
		ref = s.startedAt
	}
	if s.maxStale > 0 && now.Sub(ref) > s.maxStale {
		resp.Status = "stale"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
