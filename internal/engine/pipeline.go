package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/action"
	"cortex/internal/config"
	"cortex/internal/explain"
	"cortex/internal/fusion"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/types"
)

// Pipeline runs queries through the decision phases. Every accepted query
// produces exactly one decision record, whatever its outcome; only queries
// rejected at validation never reach the graph.
type Pipeline struct {
	cfg        config.EngineConfig
	matrix     *memory.Matrix
	integrator *fusion.Integrator
	hub        *action.Hub
	graph      *explain.Graph
	resolver   *Resolver
	registry   *Registry

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]*flight
	lineage  map[string]lineageTip
}

type flight struct {
	queryID string
	cancel  context.CancelFunc
}

type lineageTip struct {
	decisionID string
	version    int64
}

// NewPipeline wires the decision pipeline.
func NewPipeline(cfg config.EngineConfig, matrix *memory.Matrix, integrator *fusion.Integrator,
	hub *action.Hub, graph *explain.Graph, resolver *Resolver, registry *Registry) *Pipeline {
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 16
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = 10 * time.Second
	}
	p := &Pipeline{
		cfg:        cfg,
		matrix:     matrix,
		integrator: integrator,
		hub:        hub,
		graph:      graph,
		resolver:   resolver,
		registry:   registry,
		sem:        make(chan struct{}, cfg.MaxConcurrentQueries),
		inflight:   make(map[string]*flight),
		lineage:    make(map[string]lineageTip),
	}

	// Lineage survives restarts: the graph is ordered oldest first, so each
	// source ends up pointing at its latest recorded decision.
	for _, rec := range graph.Range(time.Time{}, time.Time{}) {
		if rec.Source == "" {
			continue
		}
		p.lineage[rec.Source] = lineageTip{decisionID: rec.ID, version: rec.LineageVersion}
	}
	return p
}

// Process runs one query to a terminal phase and returns its decision
// record. Validation failures and the unhealthy latch reject synchronously
// without a record.
func (p *Pipeline) Process(ctx context.Context, q types.Query) (*types.DecisionRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if !p.matrix.Healthy() {
		return nil, fmt.Errorf("%w: canonical store corrupt", types.ErrUnhealthy)
	}
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = time.Now().UTC()
	}

	log := logging.S(logging.CategoryEngine)
	log.Infow("query received", "query", q.ID, "source", q.Source, "priority", q.Priority)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.supersede(q, cancel)
	defer p.clearFlight(q)

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return p.finish(q, p.newRecord(q), types.OutcomeCancelled)
	}

	rec := p.newRecord(q)
	phase := PhaseReceived

	// Enrich: fuse the current context window.
	snapshot := p.integrator.Snapshot(time.Now().UTC())
	rec.SnapshotID = snapshot.ID
	phase = PhaseEnriched
	log.Debugw("context enriched", "query", q.ID, "snapshot", snapshot.ID,
		"events", len(snapshot.Events), "phase", phase.String())
	if ctx.Err() != nil {
		return p.finish(q, rec, types.OutcomeCancelled)
	}

	// Resolve intent, unless the query arrived pre-structured.
	intent := q.Intent
	if intent == nil {
		resolved, err := p.resolver.Resolve(ctx, q.Text)
		if err != nil {
			if errors.Is(err, types.ErrValidation) {
				return nil, err
			}
			log.Errorw("intent resolution failed", "query", q.ID, "err", err)
			return p.finish(q, rec, types.OutcomeFailed)
		}
		intent = resolved
	}
	rec.Intent = intent
	phase = PhaseIntentResolved
	log.Debugw("intent resolved", "query", q.ID, "intent", intent.Name,
		"category", intent.Category, "via", intent.ResolvedBy, "phase", phase.String())
	if ctx.Err() != nil {
		return p.finish(q, rec, types.OutcomeCancelled)
	}

	// Retrieve knowledge. A degraded read proceeds; a failed read fails
	// the decision.
	var knowledge []types.MemoryItem
	read, err := p.matrix.Read(ctx, retrievalRequest(q, intent))
	if err != nil {
		log.Errorw("knowledge retrieval failed", "query", q.ID, "err", err)
		return p.finish(q, rec, types.OutcomeFailed)
	}
	rec.Degraded = read.Degraded
	for _, hit := range read.Items {
		knowledge = append(knowledge, hit.Item)
		rec.KnowledgeUsed = append(rec.KnowledgeUsed, types.ItemRef{
			ID: hit.Item.ID, Version: hit.Item.Version,
		})
	}
	phase = PhaseKnowledgeRetrieved
	log.Debugw("knowledge retrieved", "query", q.ID, "items", len(knowledge),
		"degraded", read.Degraded, "phase", phase.String())
	if ctx.Err() != nil {
		return p.finish(q, rec, types.OutcomeCancelled)
	}

	// Generate the response. The registry's canned floor means this phase
	// cannot fail outright.
	genReq := GenerationRequest{Query: q, Intent: *intent, Snapshot: snapshot, Knowledge: knowledge}
	rec.Response, rec.GeneratorID = p.registry.Generate(ctx, genReq,
		p.cfg.GeneratorTimeout, p.cfg.MaxGenerationRetries)
	phase = PhaseResponseGenerated
	log.Debugw("response generated", "query", q.ID, "generator", rec.GeneratorID, "phase", phase.String())
	if ctx.Err() != nil {
		return p.finish(q, rec, types.OutcomeCancelled)
	}

	// Plan and submit actions for commands.
	denied := false
	if intent.Category == "command" {
		req, err := p.hub.Plan(rec.ID, *intent, q.Priority)
		switch {
		case errors.Is(err, types.ErrUnsupportedAction):
			log.Warnw("no action binding for intent", "query", q.ID, "intent", intent.Name)
			rec.Response = fmt.Sprintf("I understood %q but have no way to act on it.", intent.Name)
		case err != nil:
			log.Errorw("action planning failed", "query", q.ID, "err", err)
			return p.finish(q, rec, types.OutcomeFailed)
		default:
			rec.ActionIDs = append(rec.ActionIDs, req.ID)
			verdict, err := p.hub.Submit(ctx, req)
			if rec.SafetyVerdicts == nil {
				rec.SafetyVerdicts = make(map[string]types.Verdict)
			}
			rec.SafetyVerdicts[req.ID] = verdict
			switch {
			case errors.Is(err, types.ErrSafetyRejected):
				denied = true
				rec.Response = "I cannot do that, the safety policy forbids it."
			case verdict == types.VerdictRequireConfirmation:
				rec.Response += " This needs your confirmation before I proceed."
			case err != nil:
				log.Warnw("action dispatch failed", "query", q.ID, "action", req.ID, "err", err)
			}
		}
	}
	phase = PhaseActionPlanned
	log.Debugw("actions planned", "query", q.ID, "actions", len(rec.ActionIDs), "phase", phase.String())

	outcome := types.OutcomeDelivered
	switch {
	case ctx.Err() != nil:
		outcome = types.OutcomeCancelled
	case denied:
		outcome = types.OutcomeRejected
	case rec.Degraded:
		outcome = types.OutcomeDegraded
	}
	return p.finish(q, rec, outcome)
}

// retrievalRequest shapes the hybrid read around the resolved intent. The
// target (or destination slot) narrows the structured surface and stands in
// as similarity text for pre-structured queries that carry no free text;
// commands consult stable knowledge only, not episodic chatter.
func retrievalRequest(q types.Query, intent *types.Intent) memory.ReadRequest {
	req := memory.ReadRequest{Text: q.Text}

	topic := intent.Target
	if topic == "" {
		topic = intent.Slots["destination"]
	}
	req.Filter.ContentLike = topic
	if req.Text == "" {
		req.Text = topic
	}

	if intent.Category == "command" {
		req.Filter.Kinds = []types.MemoryKind{types.KindFact, types.KindSemantic}
	}
	return req
}

// newRecord starts the decision record for a query, chained onto the
// source's previous decision.
func (p *Pipeline) newRecord(q types.Query) *types.DecisionRecord {
	rec := &types.DecisionRecord{
		ID:        "dec-" + uuid.NewString(),
		QueryID:   q.ID,
		Source:    q.Source,
		CreatedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	if tip, ok := p.lineage[q.Source]; ok {
		rec.ParentIDs = []string{tip.decisionID}
		rec.LineageVersion = tip.version + 1
	} else {
		rec.LineageVersion = 1
	}
	p.mu.Unlock()
	return rec
}

// finish seals the record with its outcome, appends it to the graph, and
// advances the source lineage.
func (p *Pipeline) finish(q types.Query, rec *types.DecisionRecord, outcome types.Outcome) (*types.DecisionRecord, error) {
	rec.Outcome = outcome
	if err := p.graph.Append(context.Background(), rec); err != nil {
		logging.S(logging.CategoryEngine).Errorw("failed to record decision",
			"query", q.ID, "decision", rec.ID, "err", err)
		return nil, err
	}

	p.mu.Lock()
	p.lineage[q.Source] = lineageTip{decisionID: rec.ID, version: rec.LineageVersion}
	p.mu.Unlock()

	logging.S(logging.CategoryEngine).Infow("decision recorded",
		"query", q.ID, "decision", rec.ID, "outcome", outcome, "degraded", rec.Degraded)
	return rec, nil
}

// supersede cancels any in-flight query from the same source carrying the
// same supersedes key, then registers this one.
func (p *Pipeline) supersede(q types.Query, cancel context.CancelFunc) {
	if q.SupersedesKey == "" {
		return
	}
	key := q.Source + "\x00" + q.SupersedesKey

	p.mu.Lock()
	if old, ok := p.inflight[key]; ok {
		logging.S(logging.CategoryEngine).Infow("superseding in-flight query",
			"cancelled", old.queryID, "by", q.ID, "key", q.SupersedesKey)
		old.cancel()
	}
	p.inflight[key] = &flight{queryID: q.ID, cancel: cancel}
	p.mu.Unlock()
}

func (p *Pipeline) clearFlight(q types.Query) {
	if q.SupersedesKey == "" {
		return
	}
	key := q.Source + "\x00" + q.SupersedesKey
	p.mu.Lock()
	if f, ok := p.inflight[key]; ok && f.queryID == q.ID {
		delete(p.inflight, key)
	}
	p.mu.Unlock()
}
