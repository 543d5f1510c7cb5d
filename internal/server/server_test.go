package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cortex/internal/action"
	"cortex/internal/broker"
	"cortex/internal/config"
	"cortex/internal/engine"
	"cortex/internal/explain"
	"cortex/internal/fusion"
	"cortex/internal/memory"
	"cortex/internal/types"
)

type captureChannel struct {
	mu   sync.Mutex
	sent []types.ActionRequest
}

func (c *captureChannel) Name() string { return "http" }

func (c *captureChannel) Send(ctx context.Context, req *types.ActionRequest) error {
	c.mu.Lock()
	c.sent = append(c.sent, *req)
	c.mu.Unlock()
	return nil
}

type testServer struct {
	srv     *Server
	ts      *httptest.Server
	matrix  *memory.Matrix
	graph   *explain.Graph
	bus     *broker.Broker
	channel *captureChannel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Memory.EmbeddingDimension = 32
	cfg.Memory.Indexer.PollInterval = time.Millisecond
	cfg.Engine.GeneratorTimeout = time.Second
	cfg.Engine.MaxGenerationRetries = 0

	matrix, err := memory.New(cfg.Memory, filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	t.Cleanup(func() { matrix.Stop() })

	graph, err := explain.NewGraph(matrix.Canonical().DB())
	if err != nil {
		t.Fatalf("explain.NewGraph failed: %v", err)
	}

	catalog, err := action.NewCatalog("")
	if err != nil {
		t.Fatalf("action.NewCatalog failed: %v", err)
	}
	safety, err := action.NewSafetyEngine("")
	if err != nil {
		t.Fatalf("action.NewSafetyEngine failed: %v", err)
	}
	channel := &captureChannel{}
	hub := action.NewHub(catalog, safety, action.NewHarmonizer([]string{"http"}, channel))

	resolver, err := engine.NewResolver("", nil)
	if err != nil {
		t.Fatalf("engine.NewResolver failed: %v", err)
	}

	integrator := fusion.NewIntegrator(cfg.Fusion)
	pipeline := engine.NewPipeline(cfg.Engine, matrix, integrator, hub, graph,
		resolver, engine.NewRegistry(engine.TemplateGenerator{}))

	bus := broker.New(16)
	t.Cleanup(bus.Close)

	srv := New(cfg.Server, pipeline, graph, matrix, integrator, hub, bus, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, ts: ts, matrix: matrix, graph: graph, bus: bus, channel: channel}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return v
}

func TestQueryEndToEnd(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/query", map[string]any{
		"text": "turn off the lights", "source": "operator", "priority": 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rec := decode[types.DecisionRecord](t, resp)
	if rec.Outcome != types.OutcomeDelivered {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	if rec.Intent == nil || rec.Intent.Name != "turn_off" {
		t.Fatalf("intent = %+v", rec.Intent)
	}
	if len(rec.ActionIDs) != 1 {
		t.Fatalf("action ids = %v", rec.ActionIDs)
	}

	got := s.get(t, "/v1/decisions/"+rec.ID)
	if got.StatusCode != http.StatusOK {
		t.Fatalf("lookup status = %d", got.StatusCode)
	}
	stored := decode[types.DecisionRecord](t, got)
	if stored.ID != rec.ID || stored.QueryID != rec.QueryID {
		t.Fatalf("stored record mismatch: %+v", stored)
	}
}

func TestQueryPublishesDecisionTopic(t *testing.T) {
	s := newTestServer(t)
	sub := s.bus.Subscribe("decision.operator.recorded")
	defer sub.Cancel()

	resp := s.post(t, "/v1/query", map[string]any{
		"text": "turn on the heater", "source": "operator", "priority": 5,
	})
	rec := decode[types.DecisionRecord](t, resp)

	select {
	case msg := <-sub.C:
		if msg.Payload != rec.ID {
			t.Fatalf("published payload = %v, want %s", msg.Payload, rec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision notification published")
	}
}

func TestQueryValidationReturns400(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/query", map[string]any{"source": "operator"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDecisionNotFound(t *testing.T) {
	s := newTestServer(t)

	resp := s.get(t, "/v1/decisions/dec-missing")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChainEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/query", map[string]any{
		"text": "turn off the lights", "source": "operator", "priority": 5,
	})
	rec := decode[types.DecisionRecord](t, resp)

	chainResp := s.get(t, "/v1/decisions/" + rec.ID + "/chain")
	if chainResp.StatusCode != http.StatusOK {
		t.Fatalf("chain status = %d", chainResp.StatusCode)
	}
	chain := decode[explain.CausalChain](t, chainResp)
	if chain.DecisionID != rec.ID || len(chain.Steps) == 0 {
		t.Fatalf("chain = %+v", chain)
	}
}

func TestDecisionRangeFilters(t *testing.T) {
	s := newTestServer(t)

	before := time.Now().UTC().Add(-time.Minute)
	resp := s.post(t, "/v1/query", map[string]any{
		"text": "stop", "source": "operator", "priority": 5,
	})
	resp.Body.Close()

	all := decode[[]types.DecisionRecord](t, s.get(t, "/v1/decisions?since="+before.Format(time.RFC3339)))
	if len(all) != 1 {
		t.Fatalf("records in range = %d, want 1", len(all))
	}

	future := time.Now().UTC().Add(time.Minute)
	none := decode[[]types.DecisionRecord](t, s.get(t, "/v1/decisions?since="+future.Format(time.RFC3339)))
	if len(none) != 0 {
		t.Fatalf("records after future cutoff = %d, want 0", len(none))
	}

	bad := s.get(t, "/v1/decisions?since=yesterday")
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since status = %d, want 400", bad.StatusCode)
	}
}

func TestEventIngestAndFanOut(t *testing.T) {
	s := newTestServer(t)
	sub := s.bus.Subscribe("percept.+")
	defer sub.Cancel()

	resp := s.post(t, "/v1/events", map[string]any{
		"event": "obstacle_detected", "source": "vision",
		"data": map[string]any{"distance_m": 1.2},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case msg := <-sub.C:
		if msg.Topic != "percept.vision" {
			t.Fatalf("topic = %s", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no percept published")
	}
}

func TestMalformedEventRejected(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/events", map[string]any{"source": "vision"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAlertIngest(t *testing.T) {
	s := newTestServer(t)
	sub := s.bus.Subscribe("alert.critical")
	defer sub.Cancel()

	resp := s.post(t, "/v1/alerts", map[string]any{
		"alert": "battery_low", "severity": "critical",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}

func TestActionAckFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/query", map[string]any{
		"text": "turn off the lights", "source": "operator", "priority": 5,
	})
	rec := decode[types.DecisionRecord](t, resp)
	if len(rec.ActionIDs) != 1 {
		t.Fatalf("action ids = %v", rec.ActionIDs)
	}

	ack := s.post(t, "/v1/actions/"+rec.ActionIDs[0]+"/ack", map[string]any{"ok": true})
	defer ack.Body.Close()
	if ack.StatusCode != http.StatusNoContent {
		t.Fatalf("ack status = %d, want 204", ack.StatusCode)
	}

	missing := s.post(t, "/v1/actions/act-missing/ack", map[string]any{"ok": true})
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing ack status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp := s.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	report := decode[healthReport](t, resp)
	if report.Status != "ok" || report.Components["memory"] != "ok" {
		t.Fatalf("report = %+v", report)
	}
}

func TestCancelDecisionIsIdempotentAndDurable(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/query", map[string]any{
		"text": "turn on the fan", "source": "operator", "priority": 5,
	})
	rec := decode[types.DecisionRecord](t, resp)
	if rec.Outcome != types.OutcomeDelivered {
		t.Fatalf("outcome = %s", rec.Outcome)
	}

	for i := 0; i < 2; i++ {
		cancel := s.post(t, "/v1/decisions/"+rec.ID+"/cancel", map[string]any{})
		cancel.Body.Close()
		if cancel.StatusCode != http.StatusNoContent {
			t.Fatalf("cancel #%d status = %d, want 204", i+1, cancel.StatusCode)
		}
	}

	stored := decode[types.DecisionRecord](t, s.get(t, "/v1/decisions/"+rec.ID))
	if stored.Outcome != types.OutcomeCancelled {
		t.Fatalf("outcome after cancel = %s, want cancelled", stored.Outcome)
	}

	missing := s.post(t, "/v1/decisions/dec-missing/cancel", map[string]any{})
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cancel status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthFlipsWhenStoreCorrupt(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memory.EmbeddingDimension = 32

	dir := t.TempDir()
	badPath := filepath.Join(dir, "mangled.db")
	if err := os.WriteFile(badPath, []byte("this is not a sqlite database"), 0644); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}
	badMatrix, err := memory.New(cfg.Memory, badPath)
	if err != nil {
		t.Fatalf("a corrupt database should open latched, not fail: %v", err)
	}
	t.Cleanup(func() { badMatrix.Stop() })
	if badMatrix.Healthy() {
		t.Fatal("corrupt database opened healthy")
	}

	// Decision records live in their own database here so the graph layer
	// still works while the memory matrix reports corrupt.
	recMatrix, err := memory.New(cfg.Memory, filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	t.Cleanup(func() { recMatrix.Stop() })
	graph, err := explain.NewGraph(recMatrix.Canonical().DB())
	if err != nil {
		t.Fatalf("explain.NewGraph failed: %v", err)
	}

	catalog, err := action.NewCatalog("")
	if err != nil {
		t.Fatalf("action.NewCatalog failed: %v", err)
	}
	safety, err := action.NewSafetyEngine("")
	if err != nil {
		t.Fatalf("action.NewSafetyEngine failed: %v", err)
	}
	hub := action.NewHub(catalog, safety, action.NewHarmonizer([]string{"http"}, &captureChannel{}))
	resolver, err := engine.NewResolver("", nil)
	if err != nil {
		t.Fatalf("engine.NewResolver failed: %v", err)
	}
	pipeline := engine.NewPipeline(cfg.Engine, badMatrix, fusion.NewIntegrator(cfg.Fusion),
		hub, graph, resolver, engine.NewRegistry(engine.TemplateGenerator{}))

	bus := broker.New(16)
	t.Cleanup(bus.Close)
	srv := New(cfg.Server, pipeline, graph, badMatrix, fusion.NewIntegrator(cfg.Fusion), hub, bus, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	if health.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", health.StatusCode)
	}
	report := decode[healthReport](t, health)
	if report.Status != "unhealthy" || report.Components["memory"] != "corrupt" {
		t.Fatalf("report = %+v", report)
	}

	body, _ := json.Marshal(map[string]any{"text": "turn off the lights", "source": "operator", "priority": 5})
	query, err := http.Post(ts.URL+"/v1/query", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/query failed: %v", err)
	}
	defer query.Body.Close()
	if query.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("query status = %d, want 503 while latched", query.StatusCode)
	}
}
