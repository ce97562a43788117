// Package admin serves the operator endpoints: Prometheus metrics, health,
// the running clouds and the lifecycle event stream. It is meant to listen on
// a loopback address only.
package admin

import (
	"fmt"
	"net/http"

	"github.com/fruitsalade/homecloud/internal/api"
	"github.com/fruitsalade/homecloud/internal/events"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/metrics"
	"github.com/fruitsalade/homecloud/internal/registry"
)

// Server exposes registry state and events.
type Server struct {
	registry    *registry.Registry
	broadcaster *events.Broadcaster
}

// New creates the admin server.
func New(reg *registry.Registry, b *events.Broadcaster) *Server {
	return &Server{registry: reg, broadcaster: b}
}

// Handler returns the admin HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /clouds", s.handleClouds)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/history", s.handleHistory)
	return logging.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"clouds": len(s.registry.Running()),
	})
}

func (s *Server) handleClouds(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.registry.Running())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.broadcaster.History())
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
