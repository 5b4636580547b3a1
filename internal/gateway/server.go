// Package gateway is the tether HTTP server: the JSON-RPC WebSocket
// endpoint, the built-in methods, upstream event ingest and read-only
// introspection routes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/dohr-michael/tether/internal/dispatch"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/gateway/ws"
	"github.com/dohr-michael/tether/internal/storage"
	"github.com/dohr-michael/tether/internal/tasks"
)

// maxIngestBody bounds POST /api/connections/{id}/events bodies.
const maxIngestBody = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options configures a Server.
type Options struct {
	Host string
	Port int

	Dispatcher    *dispatch.Dispatcher // required
	QueueCapacity int
	Journal       *storage.Journal // nil = no history route data
	Version       string
	OnShutdown    func() // called after a shutdown request

	Logger *slog.Logger
}

// Server is the tether gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	router     *events.Router
	dispatcher *dispatch.Dispatcher
	registry   *tasks.Registry
	journal    *storage.Journal
	log        *slog.Logger

	mu   sync.Mutex
	addr string
}

// NewServer creates a new gateway server and registers the built-in methods
// on the dispatcher.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hub := ws.NewHub(opts.Dispatcher, logger)
	router := events.NewRouter(hub, events.RouterConfig{
		QueueCapacity: opts.QueueCapacity,
		Logger:        logger,
	})
	NewBackend(opts.Dispatcher, router, BackendOptions{
		Version:       opts.Version,
		QueueCapacity: opts.QueueCapacity,
		OnShutdown:    opts.OnShutdown,
	}).Register()

	s := &Server{
		hub:        hub,
		router:     router,
		dispatcher: opts.Dispatcher,
		registry:   opts.Dispatcher.Registry(),
		journal:    opts.Journal,
		log:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)

	// API: tasks
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/tasks/history", s.handleTaskHistory)

	// API: connections
	r.Get("/api/connections", s.handleConnections)
	r.Post("/api/connections/{connectionId}/events", s.handleIngest)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: r,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Router returns the connection event router.
func (s *Server) Router() *events.Router { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.log.Info("tether gateway listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels every task, closes every connection and client, waits
// for in-flight requests to answer and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	cancelled := s.registry.Shutdown()
	closed := s.router.Close()
	s.hub.Close()
	s.log.Info("gateway shutting down", "cancelled_tasks", cancelled, "closed_connections", closed)

	if err := s.dispatcher.Wait(ctx); err != nil {
		s.log.Warn("in-flight requests did not finish", "error", err)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"activeTasks": s.registry.ActiveCount(),
		"connections": s.router.ActiveCount(),
		"clients":     s.hub.ClientCount(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	list := s.registry.List(tasks.ListFilter{ScopeID: q.Get("scope"), IncludeTerminal: all})
	if list == nil {
		list = []tasks.Snapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "task journal not available", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := s.journal.History(r.Context(), storage.HistoryFilter{ScopeID: q.Get("scope"), Limit: limit})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []tasks.Outcome{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	list := s.router.List()
	if list == nil {
		list = []events.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

type ingestRequest struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// handleIngest publishes an upstream event. It is fire-and-forget: an event
// for an unknown or closed connection is accepted and dropped.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connectionId")

	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid event body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}

	e := events.NewServerEvent(connID, events.EventType(req.Type), req.Payload)
	accepted := s.router.Publish(connID, e)
	if !accepted {
		s.log.Debug("event dropped, connection not active", "connection", connID, "type", req.Type)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": e.ID, "queued": accepted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
