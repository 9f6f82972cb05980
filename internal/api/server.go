// Package api implements the mailsync HTTP API: health and status,
// thread browsing, local tag and archive edits, and a websocket
// stream of sync events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mailsync/internal/buildinfo"
	"github.com/nugget/mailsync/internal/connwatch"
	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/labels"
	"github.com/nugget/mailsync/internal/mailbox"
	"github.com/nugget/mailsync/internal/runner"
	"github.com/nugget/mailsync/internal/threads"
)

// ThreadStore is the thread data the API reads and edits.
type ThreadStore interface {
	ListThreads(ctx context.Context, limit int) ([]threads.Thread, error)
	Thread(ctx context.Context, id string) (threads.Thread, error)
	Messages(ctx context.Context, threadID string) ([]mailbox.Message, error)
	UpdateLocal(ctx context.Context, threadID string, tags []string, archived *bool) (threads.Thread, error)
}

// MailboxStore lists stored sync positions.
type MailboxStore interface {
	ListMailboxes(ctx context.Context) ([]mailbox.State, error)
}

// StatusSource reports the runner's per-account state.
type StatusSource interface {
	Status() []runner.AccountStatus
}

// HealthSource reports endpoint reachability.
type HealthSource interface {
	Status() map[string]connwatch.EndpointStatus
}

// Options configures a Server. Nil sources disable the endpoints that
// need them.
type Options struct {
	Address string
	Port    int

	Threads   ThreadStore
	Mailboxes MailboxStore
	Runner    StatusSource
	Health    HealthSource
	Bus       *events.Bus
	// Kick, if set, is called with the account of an edited thread so
	// the edit is pushed without waiting for the next poll.
	Kick func(account string)
	// MaxTagLength caps tags accepted from clients.
	MaxTagLength int
	Logger       *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	opts   Options
	logger *slog.Logger
	server *http.Server
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("PUT /v1/threads/{id}", s.handleThreadUpdate)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.opts.Address, strconv.Itoa(s.opts.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.opts.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.opts.Port)
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
		s.logger.Debug("request",
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

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports 503 while any watched IMAP endpoint is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.opts.Health != nil {
		endpoints := s.opts.Health.Status()
		for _, st := range endpoints {
			if !st.Ready {
				resp["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		resp["endpoints"] = endpoints
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"version": buildinfo.Version}
	if s.opts.Runner != nil {
		resp["accounts"] = s.opts.Runner.Status()
	}
	if s.opts.Mailboxes != nil {
		states, err := s.opts.Mailboxes.ListMailboxes(r.Context())
		if err != nil {
			s.logger.Error("list mailbox states failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to read mailbox state")
			return
		}
		resp["mailboxes"] = states
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	list, err := s.opts.Threads.ListThreads(r.Context(), limit)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"threads": list,
		"count":   len(list),
	}, s.logger)
}

// ThreadDetail is a thread with its messages.
type ThreadDetail struct {
	threads.Thread
	Messages []mailbox.Message `json:"messages"`
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	if s.opts.Threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}
	id := r.PathValue("id")

	t, err := s.opts.Threads.Thread(r.Context(), id)
	if errors.Is(err, threads.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("get thread failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to get thread")
		return
	}
	msgs, err := s.opts.Threads.Messages(r.Context(), id)
	if err != nil {
		s.logger.Error("list thread messages failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to get thread")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ThreadDetail{Thread: t, Messages: msgs}, s.logger)
}

// ThreadUpdate is the body of PUT /v1/threads/{id}. A missing or null
// field is left unchanged; "tags": [] clears every tag.
type ThreadUpdate struct {
	Tags     []string `json:"tags"`
	Archived *bool    `json:"archived"`
}

func (s *Server) handleThreadUpdate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}
	id := r.PathValue("id")

	var req ThreadUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tags == nil && req.Archived == nil {
		s.errorResponse(w, http.StatusBadRequest, "nothing to update: set tags or archived")
		return
	}

	var tags []string
	if req.Tags != nil {
		tags = make([]string, 0, len(req.Tags))
		for _, raw := range req.Tags {
			tag := labels.CleanTag(raw, s.opts.MaxTagLength)
			if tag == "" {
				s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("tag %q is empty after cleaning", raw))
				return
			}
			tags = append(tags, tag)
		}
	}

	t, err := s.opts.Threads.UpdateLocal(r.Context(), id, tags, req.Archived)
	if errors.Is(err, threads.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("update thread failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update thread")
		return
	}

	s.logger.Info("thread edited locally",
		"thread_id", t.ID,
		"account", t.Account,
		"tags", t.Tags,
		"archived", t.Archived,
	)
	s.opts.Bus.Emit(events.SourceAPI, events.KindThreadUpdated, map[string]any{
		"thread_id": t.ID,
		"account":   t.Account,
	})
	if s.opts.Kick != nil {
		s.opts.Kick(t.Account)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}
