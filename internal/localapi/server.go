// Package localapi exposes the sync engine to same-host clients over a
// loopback HTTP server: queueing mutations, listing and resolving
// queued operations, and streaming sync status over WebSocket.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/field-sync/field-sync/internal/engine"
	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/syncerr"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Server wires HTTP handlers around the sync engine
type Server struct {
	engine *engine.Engine
	hub    *Hub
	logger *observability.Logger

	httpServer  *http.Server
	unsubscribe func()
}

// NewServer constructs the local API server
func NewServer(eng *engine.Engine, logger *observability.Logger) *Server {
	return &Server{
		engine: eng,
		hub:    NewHub(logger),
		logger: logger,
	}
}

// Router builds the HTTP router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/queue", s.handleEnqueue)
	r.Post("/queue/attachment", s.handleEnqueueAttachment)
	r.Get("/queue", s.handleListQueue)
	r.Get("/queue/{id}", s.handleGetOperation)
	r.Post("/queue/{id}/resolve", s.handleResolve)
	r.Get("/status", s.handleStatus)
	r.Get("/status/ws", s.hub.ServeHTTP)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// Start begins serving on the configured loopback address. The status
// stream is bridged to the WebSocket hub for the server's lifetime.
func (s *Server) Start(host string, port int) error {
	s.unsubscribe = s.engine.SubscribeStatus(s.hub.Publish)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		s.logger.Info("local API listening", zap.String("addr", addr))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("local API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type enqueueRequest struct {
	Type       string          `json:"type"`
	EntityType string          `json:"entityType"`
	ScopeKey   string          `json:"scopeKey"`
	Payload    json.RawMessage `json:"payload"`
	Attachment []byte          `json:"attachment,omitempty"`
	Forced     bool            `json:"forced,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncerr.New(syncerr.CodeValidation, "invalid json body"))
		return
	}

	handle, err := s.engine.Enqueue(r.Context(), engine.EnqueueRequest{
		Type:       queue.OpType(req.Type),
		EntityType: req.EntityType,
		ScopeKey:   req.ScopeKey,
		Payload:    req.Payload,
		Attachment: req.Attachment,
		Forced:     req.Forced,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

// handleEnqueueAttachment accepts a multipart capture upload: a "payload"
// JSON part followed by an "attachment" binary part. The attachment is
// hashed as it streams in and is never buffered whole.
func (s *Server) handleEnqueueAttachment(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, syncerr.New(syncerr.CodeValidation, "multipart body required"))
		return
	}

	req := engine.EnqueueRequest{
		Type:       queue.OpCreate,
		EntityType: r.URL.Query().Get("entityType"),
		ScopeKey:   r.URL.Query().Get("scopeKey"),
		Forced:     r.URL.Query().Get("forced") == "true",
	}

	var handle *engine.Handle
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, syncerr.New(syncerr.CodeValidation, "malformed multipart body"))
			return
		}
		switch part.FormName() {
		case "payload":
			payload, err := io.ReadAll(part)
			if err != nil {
				writeError(w, syncerr.New(syncerr.CodeValidation, "failed to read payload part"))
				return
			}
			req.Payload = payload
		case "attachment":
			// The attachment must be the last part: the hasher consumes
			// it directly off the wire while the operation is enqueued
			req.AttachmentReader = part
			handle, err = s.engine.Enqueue(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
		}
	}
	if handle == nil {
		writeError(w, syncerr.New(syncerr.CodeValidation, "attachment part is required"))
		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	st := queue.Status(r.URL.Query().Get("status"))
	if st == "" {
		st = queue.StatusPending
	}

	ops, err := s.engine.ListOperations(r.Context(), st, 100)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Operation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type resolveRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncerr.New(syncerr.CodeValidation, "invalid json body"))
		return
	}

	op, err := s.engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), engine.Decision(req.Decision))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleMetrics returns an operational snapshot for same-host tooling;
// exporter-grade metrics flow through the OTLP pipeline instead.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  snap,
		"status": s.engine.Status(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch syncerr.CodeOf(err) {
	case syncerr.CodeValidation:
		code = http.StatusBadRequest
	case syncerr.CodeNotFound:
		code = http.StatusNotFound
	case syncerr.CodeState, syncerr.CodeConflict:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
