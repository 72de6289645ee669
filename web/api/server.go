// Package api exposes the session orchestrator over HTTP: a JSON API,
// a server-sent event feed of session state changes, and a websocket
// stream of per-session log output.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plonhq/plon-orchestrator/internal/domain"
	"github.com/plonhq/plon-orchestrator/internal/orchestrator"
)

// Orchestrator is the session control surface the API exposes
type Orchestrator interface {
	Launch(ctx context.Context, task domain.TaskSnapshot) (uuid.UUID, error)
	Cancel(sessionID uuid.UUID) error
	GetStatus(sessionID uuid.UUID) (*domain.Session, error)
	ListActive() []*domain.Session
	ListForTask(taskID uuid.UUID) ([]*domain.Session, error)
}

// Store is the persistence surface the API reads and writes directly
type Store interface {
	GetConfig() (*domain.AgentConfig, error)
	SaveConfig(*domain.AgentConfig) error
	ListTemplates() ([]*domain.PromptTemplate, error)
}

// Server is the HTTP API server
type Server struct {
	orch   Orchestrator
	store  Store
	logger *zap.Logger
	sseHub *SSEHub
	logHub *logHub
	router chi.Router
}

// NewServer creates an API server. Register the returned server's
// HandleEvent as the orchestrator's event sink to feed the SSE and
// websocket streams.
func NewServer(orch Orchestrator, store Store, logger *zap.Logger) *Server {
	s := &Server{
		orch:   orch,
		store:  store,
		logger: logger,
		sseHub: NewSSEHub(logger),
		logHub: newLogHub(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listActiveSessions)
			r.Post("/", s.launchSession)
			r.Get("/{id}", s.getSession)
			r.Get("/{id}/log", s.getSessionLog)
			r.Post("/{id}/cancel", s.cancelSession)
			r.Get("/{id}/stream", s.streamSessionLog)
		})
		r.Get("/tasks/{taskID}/sessions", s.listTaskSessions)
		r.Get("/config", s.getConfig)
		r.Put("/config", s.putConfig)
		r.Get("/templates", s.listTemplates)
		r.Get("/events", s.sseHandler)
		r.Get("/health", s.health)
	})
	return r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the SSE hub and serves on addr, shutting down when ctx ends
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info("api server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// HandleEvent feeds an orchestrator event into the SSE and log streams
func (s *Server) HandleEvent(e orchestrator.Event) {
	if e.Line != "" {
		s.logHub.publish(e.SessionID, e.Line)
		return
	}
	s.sseHub.Broadcast(SSEEvent{
		Type: "session_status",
		Data: map[string]string{
			"session_id": e.SessionID.String(),
			"task_id":    e.TaskID.String(),
			"status":     string(e.Status),
		},
	})
	if e.Status.IsTerminal() {
		s.logHub.closeSession(e.SessionID)
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
