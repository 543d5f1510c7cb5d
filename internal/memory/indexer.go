package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"cortex/internal/config"
	"cortex/internal/embedding"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// Indexer drains the canonical store's outbox into the derived indexes.
// Workers are idempotent: a job may be processed more than once (claim is
// delete-then-reinsert-on-failure), and both index upserts are keyed by
// (item, version) so replays cannot corrupt the projections.
type Indexer struct {
	store    *CanonicalStore
	vector   VectorIndex
	graph    GraphIndex
	embedder embedding.Engine
	cfg      config.IndexerConfig

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewIndexer wires the propagation workers. Start must be called before
// items begin flowing from the outbox.
func NewIndexer(store *CanonicalStore, vector VectorIndex, graph GraphIndex, embedder embedding.Engine, cfg config.IndexerConfig) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Indexer{store: store, vector: vector, graph: graph, embedder: embedder, cfg: cfg}
}

// Start launches the worker pool.
func (ix *Indexer) Start(ctx context.Context) {
	ctx, ix.cancel = context.WithCancel(ctx)
	ix.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < ix.cfg.Workers; i++ {
		ix.group.Go(func() error {
			ticker := time.NewTicker(ix.cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					for {
						processed, err := ix.processOne(ctx)
						if err != nil {
							logging.S(logging.CategoryIndex).Warnw("index propagation error", "err", err)
							break
						}
						if !processed {
							break
						}
					}
				}
			}
		})
	}
	logging.S(logging.CategoryIndex).Infow("index propagation started", "workers", ix.cfg.Workers)
}

// Stop halts the workers and waits for in-flight jobs.
func (ix *Indexer) Stop() {
	if ix.cancel != nil {
		ix.cancel()
	}
	if ix.group != nil {
		_ = ix.group.Wait()
	}
}

// Drain synchronously processes every due outbox entry. Used by tests and
// by operators forcing the indexes to catch up.
func (ix *Indexer) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := ix.processOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

type indexJob struct {
	itemID   string
	version  int64
	attempts int
}

// processOne claims one due job and propagates it. Returns false when the
// queue has nothing due.
func (ix *Indexer) processOne(ctx context.Context) (bool, error) {
	job, ok, err := ix.claim(ctx)
	if err != nil || !ok {
		return false, err
	}

	if err := ix.propagate(ctx, job); err != nil {
		ix.requeue(ctx, job, err)
		return true, nil
	}

	if err := ix.store.setIndexStatus(ctx, job.itemID, job.version, types.IndexIndexed); err != nil {
		logging.S(logging.CategoryIndex).Warnw("failed to mark item indexed",
			"item", job.itemID, "version", job.version, "err", err)
	}
	return true, nil
}

func (ix *Indexer) claim(ctx context.Context) (indexJob, bool, error) {
	tx, err := ix.store.db.BeginTx(ctx, nil)
	if err != nil {
		return indexJob{}, false, err
	}
	defer tx.Rollback()

	var job indexJob
	err = tx.QueryRowContext(ctx,
		`SELECT item_id, version, attempts FROM index_queue
		 WHERE next_attempt_at <= ?
		 ORDER BY enqueued_at LIMIT 1`,
		time.Now().UnixMilli(),
	).Scan(&job.itemID, &job.version, &job.attempts)
	if err == sql.ErrNoRows {
		return indexJob{}, false, nil
	}
	if err != nil {
		return indexJob{}, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_queue WHERE item_id = ? AND version = ?`,
		job.itemID, job.version); err != nil {
		return indexJob{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return indexJob{}, false, err
	}
	return job, true, nil
}

func (ix *Indexer) propagate(ctx context.Context, job indexJob) error {
	item, err := ix.store.GetVersion(ctx, job.itemID, job.version)
	if err != nil {
		return fmt.Errorf("failed to load item for indexing: %w", err)
	}

	vec := item.Embedding
	if len(vec) == 0 {
		vec, err = ix.embedder.Embed(ctx, item.Content)
		if err != nil {
			return fmt.Errorf("failed to embed item %s: %w", item.ID, err)
		}
	}

	if err := ix.vector.Upsert(ctx, item.ID, item.Version, vec); err != nil {
		return fmt.Errorf("%w: similarity index: %v", types.ErrBackendUnavailable, err)
	}
	if err := ix.graph.UpsertEdges(ctx, item.ID, item.Version, item.Edges); err != nil {
		return fmt.Errorf("%w: relational index: %v", types.ErrBackendUnavailable, err)
	}
	return nil
}

// requeue puts a failed job back with exponential backoff and marks the
// item stale so readers can see the lag.
func (ix *Indexer) requeue(ctx context.Context, job indexJob, cause error) {
	backoff := ix.cfg.PollInterval * (1 << uint(job.attempts))
	if backoff > ix.cfg.MaxBackoff || backoff <= 0 {
		backoff = ix.cfg.MaxBackoff
	}

	logging.S(logging.CategoryIndex).Warnw("index propagation failed, requeueing",
		"item", job.itemID, "version", job.version, "attempt", job.attempts+1,
		"backoff", backoff, "err", cause)

	now := time.Now()
	if _, err := ix.store.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO index_queue (item_id, version, attempts, next_attempt_at, enqueued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.itemID, job.version, job.attempts+1,
		now.Add(backoff).UnixMilli(), now.UnixMilli()); err != nil {
		logging.S(logging.CategoryIndex).Errorw("failed to requeue index job",
			"item", job.itemID, "err", err)
	}
	if err := ix.store.setIndexStatus(ctx, job.itemID, job.version, types.IndexStale); err != nil {
		logging.S(logging.CategoryIndex).Debugw("failed to mark item stale", "err", err)
	}
}
