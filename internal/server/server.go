// Package server exposes the core over HTTP: query submission, decision
// lookups and causal chains, percept/alert ingestion, action
// acknowledgement, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cortex/internal/action"
	"cortex/internal/broker"
	"cortex/internal/config"
	"cortex/internal/engine"
	"cortex/internal/explain"
	"cortex/internal/fusion"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/telemetry"
	"cortex/internal/types"
)

// Server is the HTTP front of the core.
type Server struct {
	cfg        config.ServerConfig
	pipeline   *engine.Pipeline
	graph      *explain.Graph
	matrix     *memory.Matrix
	integrator *fusion.Integrator
	hub        *action.Hub
	bus        *broker.Broker
	metrics    *telemetry.Telemetry

	started    time.Time
	httpServer *http.Server
}

// New wires the server over the assembled core.
func New(cfg config.ServerConfig, pipeline *engine.Pipeline, graph *explain.Graph,
	matrix *memory.Matrix, integrator *fusion.Integrator, hub *action.Hub,
	bus *broker.Broker, metrics *telemetry.Telemetry) *Server {
	s := &Server{
		cfg:        cfg,
		pipeline:   pipeline,
		graph:      graph,
		matrix:     matrix,
		integrator: integrator,
		hub:        hub,
		bus:        bus,
		metrics:    metrics,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/decisions", s.handleDecisionRange)
	mux.HandleFunc("GET /v1/decisions/{id}", s.handleDecision)
	mux.HandleFunc("GET /v1/decisions/{id}/chain", s.handleChain)
	mux.HandleFunc("POST /v1/decisions/{id}/cancel", s.handleCancelDecision)
	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("POST /v1/alerts", s.handleAlert)
	mux.HandleFunc("POST /v1/actions/{id}/ack", s.handleAck)
	mux.HandleFunc("POST /v1/actions/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.S(logging.CategoryServer).Infow("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type queryRequest struct {
	ID            string         `json:"id,omitempty"`
	Text          string         `json:"text,omitempty"`
	Intent        *types.Intent  `json:"intent,omitempty"`
	Source        string         `json:"source"`
	Priority      types.Priority `json:"priority"`
	SupersedesKey string         `json:"supersedes_key,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrValidation, err))
		return
	}
	if req.ID == "" {
		req.ID = "qry-" + uuid.NewString()
	}

	q := types.Query{
		ID:            req.ID,
		Text:          req.Text,
		Intent:        req.Intent,
		Source:        req.Source,
		Priority:      req.Priority,
		ReceivedAt:    time.Now().UTC(),
		SupersedesKey: req.SupersedesKey,
	}

	started := time.Now()
	rec, err := s.pipeline.Process(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(r.Context(), string(rec.Outcome), time.Since(started), rec.Degraded)
		for _, v := range rec.SafetyVerdicts {
			s.metrics.RecordAction(r.Context(), string(v))
		}
	}
	s.bus.Publish("decision."+q.Source+".recorded", rec.ID)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := s.graph.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.graph.Chain(r.Context(), r.PathValue("id"), s.matrix)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// handleCancelDecision is the operator-facing retraction of a recorded
// decision. Records stay append-only; this is the single permitted outcome
// flip and it is idempotent.
func (s *Server) handleCancelDecision(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.MarkCancelled(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecisionRange(w http.ResponseWriter, r *http.Request) {
	var since, until time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: bad since: %v", types.ErrValidation, err))
			return
		}
		since = parsed
	}
	if v := r.URL.Query().Get("until"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: bad until: %v", types.ErrValidation, err))
			return
		}
		until = parsed
	}
	writeJSON(w, http.StatusOK, s.graph.Range(since, until))
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.PerceptEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrValidation, err))
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := s.integrator.Ingest(ev); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.bus.Publish("percept."+ev.Source, ev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var alert types.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrValidation, err))
		return
	}
	if err := s.integrator.IngestAlert(alert); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.bus.Publish("alert."+alert.Severity, alert)
	w.WriteHeader(http.StatusAccepted)
}

type ackRequest struct {
	OK bool `json:"ok"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrValidation, err))
		return
	}
	if err := s.hub.Ack(r.PathValue("id"), req.OK); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Confirm(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.S(logging.CategoryServer).Warnw("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps the sentinel error classes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnhealthy), errors.Is(err, types.ErrStoreCorrupt):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrSafetyRejected):
		return http.StatusForbidden
	case errors.Is(err, types.ErrBackendUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
