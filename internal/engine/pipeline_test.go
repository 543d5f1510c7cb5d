package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cortex/internal/action"
	"cortex/internal/config"
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

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureChannel) last() (types.ActionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return types.ActionRequest{}, false
	}
	return c.sent[len(c.sent)-1], true
}

type testRig struct {
	cfg      config.Config
	pipeline *Pipeline
	matrix   *memory.Matrix
	graph    *explain.Graph
	channel  *captureChannel
}

func newTestRig(t *testing.T, tweak func(*config.Config)) *testRig {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Memory.EmbeddingDimension = 32
	cfg.Memory.Indexer.PollInterval = time.Millisecond
	cfg.Engine.GeneratorTimeout = time.Second
	cfg.Engine.MaxGenerationRetries = 0
	if tweak != nil {
		tweak(&cfg)
	}

	matrix, err := memory.New(cfg.Memory, filepath.Join(t.TempDir(), "engine.db"))
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

	resolver, err := NewResolver("", nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	return &testRig{
		cfg: cfg,
		pipeline: NewPipeline(cfg.Engine, matrix, fusion.NewIntegrator(cfg.Fusion),
			hub, graph, resolver, NewRegistry(TemplateGenerator{})),
		matrix:  matrix,
		graph:   graph,
		channel: channel,
	}
}

// freshPipeline stands in for a process restart: a new pipeline over the
// same graph and matrix, with no carried-over in-memory state.
func (r *testRig) freshPipeline(t *testing.T) *Pipeline {
	t.Helper()

	catalog, err := action.NewCatalog("")
	if err != nil {
		t.Fatalf("action.NewCatalog failed: %v", err)
	}
	safety, err := action.NewSafetyEngine("")
	if err != nil {
		t.Fatalf("action.NewSafetyEngine failed: %v", err)
	}
	hub := action.NewHub(catalog, safety, action.NewHarmonizer([]string{"http"}, r.channel))
	resolver, err := NewResolver("", nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return NewPipeline(r.cfg.Engine, r.matrix, fusion.NewIntegrator(r.cfg.Fusion),
		hub, r.graph, resolver, NewRegistry(TemplateGenerator{}))
}

func (r *testRig) seed(t *testing.T, id, content string) {
	t.Helper()
	r.seedKind(t, id, types.KindFact, content)
}

func (r *testRig) seedKind(t *testing.T, id string, kind types.MemoryKind, content string) {
	t.Helper()
	ctx := context.Background()
	item := &types.MemoryItem{ID: id, Kind: kind, Content: content,
		Confidence: 0.9, Provenance: "test"}
	if _, err := r.matrix.Write(ctx, item, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := r.matrix.Indexer().Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
}

func query(id, text string) types.Query {
	return types.Query{ID: id, Text: text, Source: "operator", Priority: types.PriorityNormal}
}

func TestCommandQueryEndToEnd(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rec, err := rig.pipeline.Process(ctx, query("q1", "turn off the lights"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.Outcome != types.OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", rec.Outcome)
	}
	if rec.Intent == nil || rec.Intent.Name != "turn_off" {
		t.Fatalf("wrong intent: %+v", rec.Intent)
	}
	if len(rec.ActionIDs) != 1 {
		t.Fatalf("expected 1 action, got %d", len(rec.ActionIDs))
	}
	if v := rec.SafetyVerdicts[rec.ActionIDs[0]]; v != types.VerdictAllow {
		t.Fatalf("expected allow verdict, got %s", v)
	}

	sent, ok := rig.channel.last()
	if !ok {
		t.Fatal("no action dispatched")
	}
	if sent.Type != "actuator_command" || sent.Target != "lights" || sent.Params["command"] != "off" {
		t.Fatalf("wrong action on the wire: %+v", sent)
	}

	// Exactly one record per query, retrievable by query id.
	byQuery, err := rig.graph.ByQuery("q1")
	if err != nil {
		t.Fatalf("ByQuery failed: %v", err)
	}
	if byQuery.ID != rec.ID {
		t.Fatalf("graph holds a different record: %s", byQuery.ID)
	}
	if rig.graph.Len() != 1 {
		t.Fatalf("expected exactly 1 record, got %d", rig.graph.Len())
	}
}

func TestQuestionAnsweredFromMemory(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seed(t, "dock", "the charging dock is in bay three")

	rec, err := rig.pipeline.Process(context.Background(), query("q1", "where is the charging dock"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.Outcome != types.OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", rec.Outcome)
	}
	if rec.Response != "the charging dock is in bay three" {
		t.Fatalf("expected memory-backed answer, got %q", rec.Response)
	}
	if len(rec.KnowledgeUsed) == 0 {
		t.Fatal("record lost its knowledge provenance")
	}
	if rec.KnowledgeUsed[0].ID != "dock" || rec.KnowledgeUsed[0].Version != 1 {
		t.Fatalf("knowledge ref not pinned: %+v", rec.KnowledgeUsed[0])
	}
}

func TestDeniedActionRejectsDecision(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	q := types.Query{
		ID:     "q1",
		Source: "operator",
		Intent: &types.Intent{Name: "turn_off", Category: "command",
			Target: "emergency_stop", Confidence: 1, ResolvedBy: "structured"},
		Priority: types.PriorityCritical,
	}
	rec, err := rig.pipeline.Process(ctx, q)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.Outcome != types.OutcomeRejected {
		t.Fatalf("expected rejected, got %s", rec.Outcome)
	}
	if len(rec.ActionIDs) != 1 {
		t.Fatalf("denied action must still be in the record, got %d ids", len(rec.ActionIDs))
	}
	if v := rec.SafetyVerdicts[rec.ActionIDs[0]]; v != types.VerdictDeny {
		t.Fatalf("expected deny verdict, got %s", v)
	}
	if rig.channel.count() != 0 {
		t.Fatal("denied action reached the dispatch channel")
	}
	if !strings.Contains(rec.Response, "safety") {
		t.Errorf("response should explain the rejection: %q", rec.Response)
	}
}

func TestUnsupportedIntentStillDelivers(t *testing.T) {
	rig := newTestRig(t, nil)

	q := types.Query{
		ID:     "q1",
		Source: "operator",
		Intent: &types.Intent{Name: "do_a_backflip", Category: "command",
			Confidence: 1, ResolvedBy: "structured"},
		Priority: types.PriorityNormal,
	}
	rec, err := rig.pipeline.Process(context.Background(), q)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.Outcome != types.OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", rec.Outcome)
	}
	if len(rec.ActionIDs) != 0 {
		t.Fatalf("unsupported intent should plan no actions, got %v", rec.ActionIDs)
	}
	if rig.channel.count() != 0 {
		t.Fatal("nothing should have been dispatched")
	}
}

func TestValidationRejectsWithoutRecord(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.pipeline.Process(context.Background(), types.Query{ID: "q1", Source: "operator"})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if rig.graph.Len() != 0 {
		t.Fatal("invalid query must not produce a record")
	}
}

func TestLineageChainsPerSource(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	first, err := rig.pipeline.Process(ctx, query("q1", "turn off the lights"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	second, err := rig.pipeline.Process(ctx, query("q2", "turn on the lights"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(second.ParentIDs) != 1 || second.ParentIDs[0] != first.ID {
		t.Fatalf("second decision should chain onto the first: %v", second.ParentIDs)
	}
	if second.LineageVersion != first.LineageVersion+1 {
		t.Fatalf("lineage version should advance: %d then %d",
			first.LineageVersion, second.LineageVersion)
	}
}

// gateGenerator blocks one specific query until its context dies, letting
// tests hold a decision in flight.
type gateGenerator struct {
	blockQueryID string
	started      chan struct{}
	once         sync.Once
}

func (g *gateGenerator) ID() string                           { return "gate" }
func (g *gateGenerator) Cost() int                            { return -1 }
func (g *gateGenerator) CanHandle(req GenerationRequest) bool { return true }

func (g *gateGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if req.Query.ID != g.blockQueryID {
		return "", fmt.Errorf("pass")
	}
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSupersessionCancelsInFlightQuery(t *testing.T) {
	rig := newTestRig(t, nil)
	gate := &gateGenerator{blockQueryID: "q-old", started: make(chan struct{})}
	rig.pipeline.registry = NewRegistry(gate, TemplateGenerator{})
	ctx := context.Background()

	old := query("q-old", "turn off the lights")
	old.SupersedesKey = "lights-command"

	type result struct {
		rec *types.DecisionRecord
		err error
	}
	oldDone := make(chan result, 1)
	go func() {
		rec, err := rig.pipeline.Process(ctx, old)
		oldDone <- result{rec, err}
	}()

	<-gate.started

	fresh := query("q-new", "turn on the lights")
	fresh.SupersedesKey = "lights-command"
	rec, err := rig.pipeline.Process(ctx, fresh)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.Outcome != types.OutcomeDelivered {
		t.Fatalf("superseding query should deliver, got %s", rec.Outcome)
	}

	got := <-oldDone
	if got.err != nil {
		t.Fatalf("superseded query errored: %v", got.err)
	}
	if got.rec.Outcome != types.OutcomeCancelled {
		t.Fatalf("superseded query should cancel, got %s", got.rec.Outcome)
	}
}

func TestDegradedMemoryDegradesOutcome(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		// An impossibly short backend deadline fails the derived indexes
		// while the structured surface keeps answering.
		cfg.Memory.BackendTimeout = time.Nanosecond
	})
	rig.seed(t, "dock", "the charging dock is in bay three")

	rec, err := rig.pipeline.Process(context.Background(), query("q1", "where is the dock"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !rec.Degraded {
		t.Fatal("record should be flagged degraded")
	}
	if rec.Outcome != types.OutcomeDegraded {
		t.Fatalf("expected degraded outcome, got %s", rec.Outcome)
	}
}

func TestCommandRetrievalConsultsStableKnowledgeOnly(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedKind(t, "lights-circuit", types.KindFact, "the lab lights are on circuit four")
	rig.seedKind(t, "lights-chat", types.KindEpisodic, "operator asked about the lights earlier")

	rec, err := rig.pipeline.Process(context.Background(), query("q1", "turn off the lights"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var sawFact bool
	for _, ref := range rec.KnowledgeUsed {
		switch ref.ID {
		case "lights-circuit":
			sawFact = true
		case "lights-chat":
			t.Fatal("episodic chatter leaked into a command decision")
		}
	}
	if !sawFact {
		t.Fatalf("the matching fact never reached the decision: %+v", rec.KnowledgeUsed)
	}
}

func TestStructuredQueryRetrievesByTarget(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seed(t, "arm", "the manipulator arm is stowed against the mast")
	rig.seed(t, "dock", "the charging dock is in bay three")

	// No free text at all; the target is the only retrieval handle.
	q := types.Query{
		ID:     "q1",
		Source: "operator",
		Intent: &types.Intent{Name: "where_is", Category: "question",
			Target: "dock", Confidence: 1, ResolvedBy: "structured"},
		Priority: types.PriorityNormal,
	}
	rec, err := rig.pipeline.Process(context.Background(), q)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.Response != "the charging dock is in bay three" {
		t.Fatalf("target should steer retrieval, got %q", rec.Response)
	}
	if len(rec.KnowledgeUsed) == 0 || rec.KnowledgeUsed[0].ID != "dock" {
		t.Fatalf("dock item should rank first: %+v", rec.KnowledgeUsed)
	}
}

func TestLineageSurvivesRestart(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	first, err := rig.pipeline.Process(ctx, query("q1", "turn off the lights"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	second, err := rig.freshPipeline(t).Process(ctx, query("q2", "turn on the lights"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(second.ParentIDs) != 1 || second.ParentIDs[0] != first.ID {
		t.Fatalf("lineage broke across the restart: %v", second.ParentIDs)
	}
	if second.LineageVersion != first.LineageVersion+1 {
		t.Fatalf("lineage version should advance across the restart: %d then %d",
			first.LineageVersion, second.LineageVersion)
	}
}

func TestLatchedStoreRejectsQueries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memory.EmbeddingDimension = 32

	dir := t.TempDir()
	badPath := filepath.Join(dir, "mangled.db")
	if err := os.WriteFile(badPath, []byte("this is not a sqlite database"), 0644); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}
	matrix, err := memory.New(cfg.Memory, badPath)
	if err != nil {
		t.Fatalf("a corrupt database should open latched, not fail: %v", err)
	}
	t.Cleanup(func() { matrix.Stop() })

	// The record graph lives on its own healthy database.
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
	resolver, err := NewResolver("", nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	pipeline := NewPipeline(cfg.Engine, matrix, fusion.NewIntegrator(cfg.Fusion),
		hub, graph, resolver, NewRegistry(TemplateGenerator{}))

	_, err = pipeline.Process(context.Background(), query("q1", "turn off the lights"))
	if !errors.Is(err, types.ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy while latched, got %v", err)
	}
	if graph.Len() != 0 {
		t.Fatal("a rejected query must not leave a record")
	}
}
