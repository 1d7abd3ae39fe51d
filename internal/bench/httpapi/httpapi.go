// Package httpapi exposes a read-only introspection server for the bench
// harness: liveness, a snapshot of the running simulation's state, and
// recorded session traces. Routing and middleware follow the teacher's
// internal/server/rest.NewRouter shape.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rpkgo/firmware/internal/bench/tracestore"
)

// State is a point-in-time snapshot of the running simulation, returned by
// GET /state.
type State struct {
	Uptime       time.Duration `json:"uptime_ns"`
	ActiveLayers []uint16      `json:"active_layers"`
	ModifierBits uint8         `json:"modifier_bits"`
	SessionID    string        `json:"session_id"`
}

// StateProvider supplies the current simulation snapshot. The bench
// harness's session driver implements this.
type StateProvider interface {
	State() State
}

// Server holds the dependencies needed by the introspection handlers.
type Server struct {
	state   StateProvider
	traces  *tracestore.Store
	started time.Time
}

// NewServer creates a new Server.
func NewServer(state StateProvider, traces *tracestore.Store) *Server {
	return &Server{state: state, traces: traces, started: time.Now()}
}

// NewRouter returns a configured chi.Router exposing the bench harness's
// read-only introspection routes:
//
//	GET /healthz       – liveness probe
//	GET /state         – current simulation snapshot
//	GET /trace/{id}    – recorded session trace, oldest entry first
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/state", srv.handleState)
	r.Get("/trace/{id}", srv.handleTrace)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealthz responds to GET /healthz with HTTP 200 and a simple JSON
// body, matching the teacher's liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleState responds to GET /state with the current simulation snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.state.State()
	writeJSON(w, http.StatusOK, snap)
}

// handleTrace responds to GET /trace/{id} with every recorded entry for
// the named session, oldest first. Returns HTTP 404 when the session has
// no recorded entries.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entries, err := s.traces.Session(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trace lookup failed")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no trace recorded for that session")
		return
	}

	writeJSON(w, http.StatusOK, entries)
}
