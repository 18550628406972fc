// Package controlplane implements the HTTP surface of the CLI/control
// plane methods spec.md §6 names (`agent`, `agent.wait`, `chat.abort`,
// `sessions.compact`, `send`) as a stdlib `net/http` mux, the same
// undecorated style as the teacher's internal/api/server.go: no router
// framework, a shared writeJSON helper, a writeError helper, and a
// withLogging wrapper around the whole mux.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/events"
	"github.com/nugget/agentgate/internal/outbound"
	"github.com/nugget/agentgate/internal/runbus"
	"github.com/nugget/agentgate/internal/runfanout"
	"github.com/nugget/agentgate/internal/runproc"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"
)

// Submitter is the subset of RunOrchestrator the agent/agent.wait
// handlers need. Declared locally so this package has no import-path
// dependency on internal/orchestrator.
type Submitter interface {
	Submit(req agentevent.RunRequest) (runID string, err error)
}

// RunControl is the subset of RunOrchestrator chat.abort needs.
type RunControl interface {
	CancelByRunID(runID, reason string)
	FindActiveBySession(sessionKey sessionkey.Key) (string, bool)
	ProcessByRunID(runID string) (*runproc.RunProcess, bool)
}

// ChannelsDelivery is the subset of internal/channels.Registry the
// send handler needs.
type ChannelsDelivery interface {
	Enqueue(payload agentevent.OutboundPayload) (outbound.EnqueueResult, error)
}

// Config constructs a Server.
type Config struct {
	Address string
	Port    int

	Submitter Submitter
	Runs      RunControl
	Store     *store.Store
	Bus       *runbus.Registry
	Fanout    *runfanout.Registry
	Events    *events.Bus
	Channels  ChannelsDelivery

	WaitTimeout time.Duration // default 2min, clamps a caller-supplied timeout_ms
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the HTTP control plane.
type Server struct {
	cfg    Config
	server *http.Server
}

// New builds a Server. Call Start to begin serving.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{cfg: cfg}
}

// Start begins serving HTTP requests; it blocks until the listener
// fails or Shutdown is called (mirroring http.Server.ListenAndServe).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agent", s.handleAgent)
	mux.HandleFunc("POST /agent/wait", s.handleAgentWait)
	mux.HandleFunc("POST /chat/abort", s.handleChatAbort)
	mux.HandleFunc("POST /sessions/compact", s.handleSessionsCompact)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /runs/{run_id}/stream", s.handleRunStream)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the connection open indefinitely
	}

	s.cfg.Logger.Info("starting control plane", "address", s.cfg.Address, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.cfg.Logger)
}

// writeJSON encodes v as the JSON body with the given status, logging
// (not failing) any write error, since by that point headers are sent.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// errorBody is the structured {code, message, details?} shape spec.md
// §6 requires from every control-plane method.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}}, s.cfg.Logger)
}

// writeClassifiedError maps err's agentevent.ErrorKind (if it is one)
// onto spec.md §6's fixed error-code vocabulary. A plain error (not an
// *agentevent.Error) is always INTERNAL_ERROR: something failed in a
// way none of our components classified.
func (s *Server) writeClassifiedError(w http.ResponseWriter, err error) {
	var ae *agentevent.Error
	if !errors.As(err, &ae) {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	switch ae.Kind {
	case agentevent.KindNotFound:
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", ae.Error())
	case agentevent.KindBusy, agentevent.KindConflict:
		s.writeError(w, http.StatusConflict, "CONFLICT", ae.Error())
	case agentevent.KindRateLimited, agentevent.KindHTTP429:
		s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", ae.Error())
	case agentevent.KindTimeout, agentevent.KindConnectionTimeout:
		s.writeError(w, http.StatusGatewayTimeout, "TIMEOUT", ae.Error())
	case agentevent.KindUnknownChannel, agentevent.KindUnsupportedKind, agentevent.KindPermissionDenied:
		s.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", ae.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", ae.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
