package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/forgepilot/forgepilot/internal/health"
)

// Server mounts the ingress routes and runs the HTTP listener.
type Server struct {
	Handler   *Handler
	Addr      string
	Heartbeat *health.Heartbeat // optional

	srv *http.Server
}

// Router builds the ingress routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/webhook/github", s.Handler.HandleGitHub).Methods(http.MethodPost)
	r.HandleFunc("/webhook/gitlab", s.Handler.HandleGitLab).Methods(http.MethodPost)
	r.HandleFunc("/webhook/gitlab/system", s.Handler.HandleGitLabSystem).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Heartbeat != nil {
		if err := s.Heartbeat.Beat(); err != nil {
			slog.Warn("heartbeat write failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:         s.Addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	slog.Info("webhook server listening", "addr", s.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
