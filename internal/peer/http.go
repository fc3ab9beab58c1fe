package peer

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/api"
	"github.com/g960059/infersession/internal/transport"
)

const (
	errCodeInvalid     = "E_INVALID"
	errCodeUnavailable = "E_UNAVAILABLE"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/session", s.sessionHandler)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	h := s.currentHealth()
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion:    api.SchemaVersion,
		GeneratedAt:      time.Now().UTC(),
		Status:           string(h.Status),
		Mode:             string(h.Mode),
		Model:            h.ModelName,
		Engine:           s.engine.Name(),
		MemoryUsageBytes: h.MemoryUsageBytes,
		ServerID:         s.serverID,
		Connections:      s.connCount(),
	})
}

// sessionHandler upgrades to a websocket and serves the session protocol on
// it until the connection ends.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx := s.baseContext()
	if ctx.Err() != nil {
		s.writeError(w, http.StatusServiceUnavailable, errCodeUnavailable, "daemon is shutting down")
		return
	}
	// Counted before the upgrade: Shutdown stops tracking hijacked handlers.
	s.serving.Add(1)
	defer s.serving.Done()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serve(ctx, transport.NewWebSocketConn(ws, s.cfg.MaxFrameBytes), "websocket")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.NewErrorResponse(code, msg))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, errCodeInvalid, "method not allowed")
}
