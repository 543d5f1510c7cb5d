// Package explain maintains the decision graph: an append-only DAG of
// decision records that supports lineage queries and causal chain
// reconstruction, plus an asynchronous ethical audit pass over new records.
//
// Records persist in the shared sqlite database and are mirrored in an
// in-memory arena rebuilt at startup, so lineage traversals never touch
// disk on the hot path.
package explain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// Graph is the decision DAG. Appends are durable before they are visible;
// reads come from the in-memory arena.
type Graph struct {
	db *sql.DB

	mu       sync.RWMutex
	nodes    map[string]*types.DecisionRecord
	children map[string][]string
	byQuery  map[string]string // query id -> decision id

	// onAppend, when set, receives the id of every appended record. The
	// ethical auditor hooks in here.
	onAppend func(id string)
}

// NewGraph opens the decision graph over a shared database handle and
// rebuilds the arena from persisted records.
func NewGraph(db *sql.DB) (*Graph, error) {
	g := &Graph{
		db:       db,
		nodes:    make(map[string]*types.DecisionRecord),
		children: make(map[string][]string),
		byQuery:  make(map[string]string),
	}
	if err := g.ensureSchema(); err != nil {
		return nil, err
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	logging.S(logging.CategoryExplain).Infow("decision graph loaded", "records", len(g.nodes))
	return g, nil
}

func (g *Graph) ensureSchema() error {
	_, err := g.db.Exec(`CREATE TABLE IF NOT EXISTS decision_records (
		id TEXT PRIMARY KEY,
		query_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		record TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create decision_records table: %w", err)
	}
	_, err = g.db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_query ON decision_records(query_id)`)
	return err
}

func (g *Graph) load() error {
	rows, err := g.db.Query(`SELECT record FROM decision_records ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("failed to load decision records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var rec types.DecisionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("undecodable decision record: %w", err)
		}
		g.index(&rec)
	}
	return rows.Err()
}

// index adds a record to the arena. Caller holds the write lock or is
// single-threaded startup.
func (g *Graph) index(rec *types.DecisionRecord) {
	g.nodes[rec.ID] = rec
	g.byQuery[rec.QueryID] = rec.ID
	for _, p := range rec.ParentIDs {
		g.children[p] = append(g.children[p], rec.ID)
	}
}

// Append persists and indexes one decision record. The record must be new
// and its parents must already exist; the DAG never holds dangling edges.
func (g *Graph) Append(ctx context.Context, rec *types.DecisionRecord) error {
	if rec.ID == "" || rec.QueryID == "" {
		return fmt.Errorf("%w: decision record missing id or query id", types.ErrValidation)
	}
	if rec.Outcome == "" {
		return fmt.Errorf("%w: decision %s has no outcome", types.ErrValidation, rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	g.mu.Lock()
	if _, dup := g.nodes[rec.ID]; dup {
		g.mu.Unlock()
		return fmt.Errorf("%w: decision %s already recorded", types.ErrValidation, rec.ID)
	}
	for _, p := range rec.ParentIDs {
		if _, ok := g.nodes[p]; !ok {
			g.mu.Unlock()
			return fmt.Errorf("%w: parent decision %s does not exist", types.ErrValidation, p)
		}
	}
	g.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode decision record: %w", err)
	}
	if _, err := g.db.ExecContext(ctx,
		`INSERT INTO decision_records (id, query_id, outcome, record, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.QueryID, string(rec.Outcome), string(raw), rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to persist decision record: %w", err)
	}

	stored := *rec
	g.mu.Lock()
	g.index(&stored)
	cb := g.onAppend
	g.mu.Unlock()

	if cb != nil {
		cb(rec.ID)
	}
	return nil
}

// OnAppend registers the post-append hook. One consumer only.
func (g *Graph) OnAppend(fn func(id string)) {
	g.mu.Lock()
	g.onAppend = fn
	g.mu.Unlock()
}

// Get returns a copy of one decision record.
func (g *Graph) Get(id string) (types.DecisionRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.nodes[id]
	if !ok {
		return types.DecisionRecord{}, fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}
	return *rec, nil
}

// ByQuery returns the decision recorded for a query.
func (g *Graph) ByQuery(queryID string) (types.DecisionRecord, error) {
	g.mu.RLock()
	id, ok := g.byQuery[queryID]
	g.mu.RUnlock()
	if !ok {
		return types.DecisionRecord{}, fmt.Errorf("%w: no decision for query %s", types.ErrNotFound, queryID)
	}
	return g.Get(id)
}

// Range returns records created inside [since, until], oldest first. A zero
// bound is open.
func (g *Graph) Range(since, until time.Time) []types.DecisionRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []types.DecisionRecord
	for _, rec := range g.nodes {
		if !since.IsZero() && rec.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && rec.CreatedAt.After(until) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Ancestry walks parent edges from a record and returns every ancestor,
// nearest first.
func (g *Graph) Ancestry(id string) ([]types.DecisionRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}

	seen := map[string]bool{id: true}
	frontier := append([]string(nil), start.ParentIDs...)
	var out []types.DecisionRecord
	for len(frontier) > 0 {
		var next []string
		for _, pid := range frontier {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			p, ok := g.nodes[pid]
			if !ok {
				continue
			}
			out = append(out, *p)
			next = append(next, p.ParentIDs...)
		}
		frontier = next
	}
	return out, nil
}

// Descendants returns every record reachable through child edges.
func (g *Graph) Descendants(id string) ([]types.DecisionRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}

	seen := map[string]bool{id: true}
	frontier := append([]string(nil), g.children[id]...)
	var out []types.DecisionRecord
	for len(frontier) > 0 {
		var next []string
		for _, cid := range frontier {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			out = append(out, *g.nodes[cid])
			next = append(next, g.children[cid]...)
		}
		frontier = next
	}
	return out, nil
}

// MarkCancelled flips a record's outcome to cancelled. This is the single
// permitted mutation of a stored record and it happens at most once.
func (g *Graph) MarkCancelled(ctx context.Context, id string) error {
	g.mu.Lock()
	rec, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}
	if rec.Outcome == types.OutcomeCancelled {
		g.mu.Unlock()
		return nil
	}
	rec.Outcome = types.OutcomeCancelled
	raw, err := json.Marshal(rec)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = g.db.ExecContext(ctx,
		`UPDATE decision_records SET outcome = ?, record = ? WHERE id = ?`,
		string(types.OutcomeCancelled), string(raw), id)
	return err
}

// setEthicalVerdict attaches the audit result to a stored record.
func (g *Graph) setEthicalVerdict(ctx context.Context, id, verdict string) error {
	g.mu.Lock()
	rec, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}
	rec.EthicalVerdict = verdict
	raw, err := json.Marshal(rec)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = g.db.ExecContext(ctx,
		`UPDATE decision_records SET record = ? WHERE id = ?`, string(raw), id)
	return err
}

// Len reports the number of records in the arena.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
