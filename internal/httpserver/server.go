// Package httpserver is a thin chi-based HTTP adapter in front of the
// Orchestrator, grounded in the teacher's internal/server/routes.go
// route-nesting style. It exists purely to prove the narrow RPC contract
// of spec.md §6 is satisfiable over HTTP — request parsing, response
// marshaling, and SSE framing live here, never in the orchestrator
// package itself.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/internal/orchestrator"
	"github.com/agentcore-dev/core/pkg/types"
)

// Config configures the HTTP adapter.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0: no write timeout, required for SSE
}

// DefaultConfig mirrors the teacher's server.DefaultConfig defaults.
func DefaultConfig() Config {
	return Config{Addr: ":4096", ReadTimeout: 30 * time.Second}
}

// Server wires one Orchestrator and its event store behind chi routes.
type Server struct {
	cfg    Config
	router *chi.Mux
	orch   *orchestrator.Orchestrator
	store  eventstore.Store
	bus    *agentevents.Bus
}

// New builds a Server and registers its routes.
func New(cfg Config, orch *orchestrator.Orchestrator, store eventstore.Store, bus *agentevents.Bus) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	s := &Server{cfg: cfg, router: r, orch: orch, store: store, bus: bus}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the adapter until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/event", s.getEvents)
			r.Get("/tree", s.getTree)
			r.Post("/message", s.sendMessage)
			r.Post("/abort", s.abortSession)
			r.Post("/fork", s.forkSession)
		})
	})

	r.Get("/agent/event", s.agentEvents)
}

type createSessionRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
	Model            string `json:"model"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerr.New("bad_request", coreerr.Validation, false, err.Error()))
		return
	}
	if req.WorkingDirectory == "" {
		writeError(w, coreerr.New("bad_request", coreerr.Validation, false, "workingDirectory is required"))
		return
	}

	now := time.Now().UTC()
	sess := types.Session{
		ID: eventstore.NewID(), WorkingDir: req.WorkingDirectory, Model: req.Model,
		CreatedAt: now, LastActivityAt: now,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.GetEvents(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.store.Tree(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

type sendMessageRequest struct {
	Prompt   string   `json:"prompt"`
	MaxTurns int      `json:"maxTurns,omitempty"`
	Skills   []string `json:"skills,omitempty"`
}

// sendMessage runs one prompt-to-completion turn loop and streams
// agent.* notifications back as Server-Sent Events, unsubscribing once
// the HTTP request completes.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerr.New("bad_request", coreerr.Validation, false, err.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, coreerr.New("streaming_unsupported", coreerr.Validation, false, "response writer does not support flushing"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	unsub := s.bus.SubscribeAll(func(evt agentevents.Event) {
		if evt.SessionID != sessionID {
			return
		}
		payload, _ := json.Marshal(evt)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
		flusher.Flush()
	})
	defer unsub()

	runErr := s.orch.Prompt(r.Context(), sessionID, req.Prompt, orchestrator.PromptOptions{
		MaxTurns: req.MaxTurns, Skills: req.Skills,
	})
	if runErr != nil {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", runErr.Error())
		flusher.Flush()
	}
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Abort(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forkSessionRequest struct {
	SourceEventID string `json:"sourceEventId"`
	Name          string `json:"name,omitempty"`
}

func (s *Server) forkSession(w http.ResponseWriter, r *http.Request) {
	var req forkSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerr.New("bad_request", coreerr.Validation, false, err.Error()))
		return
	}
	sess, err := s.store.Fork(r.Context(), chi.URLParam(r, "sessionID"), req.SourceEventID, eventstore.NewID(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// agentEvents is the global (not per-session-scoped-by-URL) notification
// firehose, for dashboards watching every active session at once.
func (s *Server) agentEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, coreerr.New("streaming_unsupported", coreerr.Validation, false, "response writer does not support flushing"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	unsub := s.bus.SubscribeAll(func(evt agentevents.Event) {
		payload, _ := json.Marshal(evt)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
		flusher.Flush()
	})
	defer unsub()

	<-r.Context().Done()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	if ce, ok := err.(*coreerr.Error); ok {
		code = ce.Code
		switch ce.Category {
		case coreerr.Validation:
			status = http.StatusBadRequest
		case coreerr.NotFound:
			status = http.StatusNotFound
		case coreerr.Concurrency:
			status = http.StatusConflict
		case coreerr.ProviderTransient:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"code": code, "message": err.Error()})
}
