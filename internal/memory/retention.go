package memory

import (
	"context"
	"sync"
	"time"

	"cortex/internal/config"
	"cortex/internal/embedding"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// Retention ages the matrix: short-term items past their TTL either expire
// or, when accessed enough, get promoted to episodic; episodic items that
// are near-duplicates of each other are compacted into one survivor.
// Expiry never deletes rows, it retires them from the current view so
// decision records can still resolve their pinned versions.
type Retention struct {
	matrix *Matrix
	cfg    config.MemoryConfig

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRetention wires the retention sweeper over the matrix.
func NewRetention(m *Matrix, cfg config.MemoryConfig) *Retention {
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = 5 * time.Minute
	}
	return &Retention{matrix: m, cfg: cfg, done: make(chan struct{})}
}

// Start launches the periodic sweep.
func (r *Retention) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.RetentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Sweep(ctx); err != nil {
					logging.S(logging.CategoryStore).Warnw("retention sweep failed", "err", err)
				}
			}
		}
	}()
}

// Stop halts the sweeper and waits for an in-flight sweep.
func (r *Retention) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
	})
}

// Sweep runs one full retention pass: TTL expiry with promotion, then
// episodic compaction. Exported so tests and maintenance commands can run
// it on demand.
func (r *Retention) Sweep(ctx context.Context) error {
	if err := r.expireShortTerm(ctx); err != nil {
		return err
	}
	return r.compactEpisodic(ctx)
}

// expireShortTerm retires short-term items older than the TTL. Items whose
// access count plus importance reaches the promotion score are rewritten as
// episodic instead of retired.
func (r *Retention) expireShortTerm(ctx context.Context) error {
	if r.cfg.TTLShortTerm <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-r.cfg.TTLShortTerm)

	items, err := r.matrix.canonical.Query(ctx, Filter{
		Kinds: []types.MemoryKind{types.KindShortTerm},
	})
	if err != nil {
		return err
	}

	expired, promoted := 0, 0
	for _, item := range items {
		if item.CreatedAt.After(cutoff) {
			continue
		}

		if float64(item.AccessCount)+item.Importance >= r.cfg.PromotionScore {
			promo := item
			promo.Kind = types.KindEpisodic
			if _, err := r.matrix.canonical.Put(ctx, &promo, item.Version); err != nil {
				// A concurrent write moved the item; it will be reconsidered
				// on the next sweep.
				logging.S(logging.CategoryStore).Debugw("promotion skipped",
					"item", item.ID, "err", err)
				continue
			}
			promoted++
			continue
		}

		if err := r.retire(ctx, item); err != nil {
			return err
		}
		expired++
	}

	if expired > 0 || promoted > 0 {
		logging.S(logging.CategoryStore).Infow("short-term retention pass",
			"expired", expired, "promoted", promoted)
	}
	return nil
}

// compactEpisodic merges near-duplicate episodic items: when two current
// items exceed the similarity threshold, the newer (or higher-confidence)
// one survives and the other is retired with a supersedes edge back to it.
func (r *Retention) compactEpisodic(ctx context.Context) error {
	if r.cfg.CompactionSimilarity <= 0 || r.cfg.CompactionSimilarity >= 1 {
		return nil
	}

	items, err := r.matrix.canonical.Query(ctx, Filter{
		Kinds: []types.MemoryKind{types.KindEpisodic},
	})
	if err != nil {
		return err
	}
	if len(items) < 2 {
		return nil
	}

	retired := map[string]bool{}
	for i := 0; i < len(items); i++ {
		if retired[items[i].ID] || len(items[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if retired[items[j].ID] || len(items[j].Embedding) == 0 {
				continue
			}
			sim, err := embedding.CosineSimilarity(items[i].Embedding, items[j].Embedding)
			if err != nil || sim < r.cfg.CompactionSimilarity {
				continue
			}

			survivor, loser := pickSurvivor(items[i], items[j])
			merged := survivor
			merged.Edges = appendEdgeOnce(merged.Edges, types.Edge{
				Relation: "compacted_from",
				TargetID: loser.ID,
				Weight:   sim,
			})
			merged.Importance = maxFloat(merged.Importance, loser.Importance)
			if _, err := r.matrix.canonical.Put(ctx, &merged, survivor.Version); err != nil {
				logging.S(logging.CategoryStore).Debugw("compaction skipped",
					"survivor", survivor.ID, "err", err)
				continue
			}
			if err := r.retire(ctx, loser); err != nil {
				return err
			}
			retired[loser.ID] = true
			logging.S(logging.CategoryStore).Infow("compacted near-duplicate episodic items",
				"survivor", survivor.ID, "retired", loser.ID, "similarity", sim)
		}
	}
	return nil
}

// retire removes an item from the current view and the derived indexes
// without deleting its history.
func (r *Retention) retire(ctx context.Context, item types.MemoryItem) error {
	if _, err := r.matrix.canonical.db.ExecContext(ctx,
		`UPDATE items SET is_current = 0, superseded = 1 WHERE id = ? AND version = ?`,
		item.ID, item.Version); err != nil {
		return r.matrix.canonical.noteError(err)
	}
	if err := r.matrix.vector.Remove(ctx, item.ID); err != nil {
		logging.S(logging.CategoryStore).Debugw("vector removal failed", "item", item.ID, "err", err)
	}
	return nil
}

func pickSurvivor(a, b types.MemoryItem) (survivor, loser types.MemoryItem) {
	if a.Confidence != b.Confidence {
		if a.Confidence > b.Confidence {
			return a, b
		}
		return b, a
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return a, b
	}
	return b, a
}

func appendEdgeOnce(edges []types.Edge, e types.Edge) []types.Edge {
	for _, have := range edges {
		if have.Relation == e.Relation && have.TargetID == e.TargetID {
			return edges
		}
	}
	return append(edges, e)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
