package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/pipeline"
)

// DefaultMaxEventBytes bounds one JSON event. Body chunks arrive base64
// encoded, so this is larger than any sane chunk.
const DefaultMaxEventBytes = 8 << 20

// Pipeline is the request inspection pipeline the transport feeds.
type Pipeline interface {
	OnConfigure(ev pipeline.ConfigureEvent) pipeline.Verdict
	OnRequestHeaders(ctx context.Context, ev pipeline.RequestHeadersEvent) pipeline.Verdict
	OnRequestBodyChunk(ctx context.Context, ev pipeline.RequestBodyChunkEvent) pipeline.Verdict
	Pending() int
}

// HTTPEventsServer carries proxy events over HTTP/JSON, normally bound to a
// Unix socket next to the proxy.
//
// Routes:
//
//	POST /v1/events/configure          gateway configuration push
//	POST /v1/events/request-headers    start of a request, verdict when no body follows
//	POST /v1/events/request-body-chunk one base64 body chunk, verdict on the last one
//	GET  /healthz                      liveness
type HTTPEventsServer struct {
	pipeline      Pipeline
	maxEventBytes int64
	logger        *slog.Logger

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// NewHTTPEventsServer creates a new HTTP events server feeding p.
func NewHTTPEventsServer(p Pipeline, logger *slog.Logger) *HTTPEventsServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEventsServer{
		pipeline:      p,
		maxEventBytes: DefaultMaxEventBytes,
		logger:        logger.With("component", "server.httpEvents"),
	}
}

// RegisterRoutes mounts the event endpoints on the given ServeMux.
func (s *HTTPEventsServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events/configure", s.handleConfigure)
	mux.HandleFunc("POST /v1/events/request-headers", s.handleRequestHeaders)
	mux.HandleFunc("POST /v1/events/request-body-chunk", s.handleRequestBodyChunk)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the event routes as an http.Handler.
func (s *HTTPEventsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start listens on the Unix socket at path and serves until Shutdown. A
// stale socket file left by a previous run is removed first.
func (s *HTTPEventsServer) Start(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		s.logger.Warn("failed to restrict socket permissions", "path", path, "error", err)
	}
	return s.Serve(lis)
}

// Serve accepts event connections on lis until Shutdown. After Shutdown it
// closes lis and returns immediately.
func (s *HTTPEventsServer) Serve(lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return lis.Close()
	}
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("agent transport listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting events and waits for in-flight ones.
func (s *HTTPEventsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *HTTPEventsServer) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.ConfigureEvent
	if !s.decode(w, r, &ev) {
		return
	}
	s.logger.Info("configuration received", "agent_id", ev.AgentID)
	writeEventJSON(w, http.StatusOK, s.pipeline.OnConfigure(ev))
}

func (s *HTTPEventsServer) handleRequestHeaders(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.RequestHeadersEvent
	if !s.decode(w, r, &ev) {
		return
	}
	v := s.pipeline.OnRequestHeaders(r.Context(), ev)
	s.logVerdict(v)
	writeEventJSON(w, http.StatusOK, v)
}

func (s *HTTPEventsServer) handleRequestBodyChunk(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.RequestBodyChunkEvent
	if !s.decode(w, r, &ev) {
		return
	}
	if ev.CorrelationID == "" {
		writeEventError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}
	v := s.pipeline.OnRequestBodyChunk(r.Context(), ev)
	s.logVerdict(v)
	writeEventJSON(w, http.StatusOK, v)
}

func (s *HTTPEventsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeEventJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": s.pipeline.Pending(),
	})
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// decode reads one JSON event. On failure the error response is written and
// false returned.
func (s *HTTPEventsServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer func() { _ = r.Body.Close() }()
	body := http.MaxBytesReader(w, r.Body, s.maxEventBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeEventError(w, http.StatusRequestEntityTooLarge, "event too large")
			return false
		}
		writeEventError(w, http.StatusBadRequest, "invalid event body: "+err.Error())
		return false
	}
	return true
}

func (s *HTTPEventsServer) logVerdict(v pipeline.Verdict) {
	if v.Err == nil && !v.Reject {
		return
	}
	s.logger.Info("request verdict",
		"request_id", v.RequestID,
		"action", string(v.Action),
		"status", v.Status,
		"reason", v.Reason,
		"error", v.Err,
	)
}

// ---------------------------------------------------------------------------
// JSON response helpers
// ---------------------------------------------------------------------------

func writeEventJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEventError(w http.ResponseWriter, status int, message string) {
	writeEventJSON(w, status, map[string]interface{}{
		"ok":      false,
		"message": message,
	})
}
