// Package api implements the HTTP API: the SSE streaming chat
// endpoint plus the operational endpoints around it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maxvaega/serverless-AIR-coach/internal/agent"
	"github.com/maxvaega/serverless-AIR-coach/internal/buildinfo"
	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
	"github.com/maxvaega/serverless-AIR-coach/internal/profile"
	"github.com/maxvaega/serverless-AIR-coach/internal/prompt"
	"github.com/maxvaega/serverless-AIR-coach/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Streamer runs one exchange and emits protocol events to the sink.
type Streamer interface {
	Stream(ctx context.Context, userID, query string, sink agent.Sink) error
}

// Server is the HTTP API server.
type Server struct {
	listen      string
	orch        Streamer
	prompts     *prompt.Manager
	usageStore  *usage.Store
	memoryStore *memory.Store
	apiToken    string
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates the API server. usageStore may be nil; an empty
// apiToken disables the bearer guard on operator endpoints.
func NewServer(listen string, orch Streamer, prompts *prompt.Manager, usageStore *usage.Store, memoryStore *memory.Store, apiToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:      listen,
		orch:        orch,
		prompts:     prompts,
		usageStore:  usageStore,
		memoryStore: memoryStore,
		apiToken:    apiToken,
		logger:      logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/stream_query", s.guarded(s.handleStreamQuery))
	mux.HandleFunc("POST /api/update_docs", s.guarded(s.handleUpdateDocs))
	mux.HandleFunc("GET /api/usage", s.guarded(s.handleUsage))
	mux.HandleFunc("GET /api/test", s.handleTest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
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

// guarded wraps protected endpoints with a static bearer token check.
// An empty configured token leaves the endpoint open.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiToken {
				s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "AIR Coach",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "API is running successfully!"}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "healthy",
		"uptime": buildinfo.Uptime().String(),
		"memory": s.memoryStore.Stats(),
	}, s.logger)
}

// streamRequest is the body of POST /api/stream_query.
type streamRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userid"`
}

func (s *Server) handleStreamQuery(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, "message is required")
		return
	}
	if req.UserID == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, "userid is required")
		return
	}
	if !profile.ValidateUserID(req.UserID) {
		s.logger.Warn("unrecognized userid format", "userid", req.UserID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := &sseSink{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		logger:  s.logger,
	}
	if err := s.orch.Stream(r.Context(), req.UserID, req.Message, sink); err != nil {
		// The sink already carried the error event; nothing more to send.
		s.logger.Error("stream ended with error", "userid", req.UserID, "error", err)
	}
}

func (s *Server) handleUpdateDocs(w http.ResponseWriter, r *http.Request) {
	res, err := s.prompts.Refresh(r.Context())
	if err != nil {
		s.logger.Error("knowledge refresh failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "knowledge base refresh failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"message":        res.Message,
		"docs_count":     res.Docs,
		"docs_details":   res.Details,
		"prompt_version": res.Version,
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usageStore == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking disabled")
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if d := r.URL.Query().Get("hours"); d != "" {
		var hours int
		if _, err := fmt.Sscanf(d, "%d", &hours); err != nil || hours <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid hours parameter")
			return
		}
		start = end.Add(-time.Duration(hours) * time.Hour)
	}

	sum, err := s.usageStore.Summary(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usageStore.SummaryByModel(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	throttles, err := s.usageStore.ThrottleCount(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"from":            start.UTC().Format(time.RFC3339),
		"to":              end.UTC().Format(time.RFC3339),
		"requests":        sum.TotalRecords,
		"input_tokens":    sum.TotalInputTokens,
		"output_tokens":   sum.TotalOutputTokens,
		"by_model":        byModel,
		"throttle_events": throttles,
	}, s.logger)
}

// sseSink frames protocol events as SSE and keeps the write deadline
// moving during long tool loops.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger
}

func (s *sseSink) Send(e agent.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()

	// Reset the write deadline after every event so a slow tool loop
	// does not trip the server timeout mid-stream.
	if err := s.rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
	return nil
}
