// Package api implements the HTTP surface: the turn endpoint with its
// NDJSON streaming variant, conversation listing and deletion, usage
// stats, and the WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weixian95/brain-at-home/internal/buildinfo"
	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/routing"
	"github.com/weixian95/brain-at-home/internal/store"
	"github.com/weixian95/brain-at-home/internal/turn"
	"github.com/weixian95/brain-at-home/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Depther reports the admission queue's current depth.
type Depther interface {
	Depth() int
}

// Server is the HTTP API server.
type Server struct {
	listen       string
	orchestrator *turn.Orchestrator
	store        *store.FileStore
	usage        *usage.Store
	queue        Depther
	bus          *events.Bus
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates the API server. usage, queue, and bus may be nil;
// their endpoints respond 503 when unconfigured.
func NewServer(listen string, orch *turn.Orchestrator, st *store.FileStore, us *usage.Store, q Depther, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		listen:       listen,
		orchestrator: orch,
		store:        st,
		usage:        us,
		queue:        q,
		bus:          bus,
		logger:       logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /v1/usage/stats", s.handleUsageStats)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming turns have no bounded duration
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// turnRequest is the wire form of a turn: the orchestrator request
// plus the transport-level streaming flag.
type turnRequest struct {
	turn.Request
	Stream bool `json:"stream,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		s.handleStreamingTurn(w, r, req.Request)
		return
	}

	resp, err := s.orchestrator.Run(r.Context(), req.Request, nil)
	if err != nil {
		s.turnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// turnError maps orchestrator failures onto status codes for the
// non-streaming path.
func (s *Server) turnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, turn.ErrInvalidRequest),
		errors.Is(err, routing.ErrMissingRoutingChoice):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case llm.IsTimeout(err):
		s.errorResponse(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

// handleStreamingTurn writes the turn as NDJSON stage events. Once the
// stream starts the status code is already sent, so failures become a
// terminal event with the error and the done flag set; the client must
// treat that as a definite end of stream.
func (s *Server) handleStreamingTurn(w http.ResponseWriter, r *http.Request, req turn.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	enc := json.NewEncoder(w)
	emit := func(ev turn.StageEvent) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("failed to write stage event", "error", err)
			return
		}
		flusher.Flush()
	}

	if _, err := s.orchestrator.Run(r.Context(), req, emit); err != nil {
		if r.Context().Err() != nil {
			// Client is gone; there is nobody left to tell.
			return
		}
		emit(turn.StageEvent{Stage: "error", Error: err.Error(), Done: true})
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.errorResponse(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	summaries, err := s.store.List(owner)
	if err != nil {
		s.logger.Error("failed to list conversations", "owner", owner, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": summaries}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.errorResponse(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	rec, err := s.store.Load(owner, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to load conversation", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.errorResponse(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	if err := s.store.Delete(owner, r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to delete conversation", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("hours"); v != "" {
		d, err := time.ParseDuration(v + "h")
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid hours parameter")
			return
		}
		window = d
	}
	end := time.Now().UTC()
	start := end.Add(-window)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("failed to query usage", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	byRole, err := s.usage.SummaryByRole(start, end)
	if err != nil {
		s.logger.Error("failed to query usage by role", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	resp := map[string]any{
		"window_hours": window.Hours(),
		"total":        total,
		"by_role":      byRole,
	}
	if s.queue != nil {
		resp["queue_depth"] = s.queue.Depth()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The service binds to localhost for a single user; browser origin
	// checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the operational event bus over a WebSocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: we never expect client messages, but reading
	// is how gorilla surfaces the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "brain-at-home",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
