package server

import (
	"log/slog"
	"net/http"
)

var (
	plainCT      = []string{"text/plain; charset=utf-8"}
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
)

// handleHealthz reports process liveness.
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz reports readiness to serve, probing the store when a check is
// configured.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			slog.Warn("readiness check failed", "error", err)
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
