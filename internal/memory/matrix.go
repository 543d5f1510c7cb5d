package memory

import (
	"context"
	"fmt"

	"cortex/internal/config"
	"cortex/internal/embedding"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// Matrix is the facade over the three memory surfaces. Writes land in the
// canonical store; the indexer and retention workers run in the background
// once Start is called.
type Matrix struct {
	canonical *CanonicalStore
	vector    VectorIndex
	graph     GraphIndex
	embedder  embedding.Engine
	indexer   *Indexer
	retention *Retention
	cfg       config.MemoryConfig
}

// New opens the matrix over the sqlite database at dbPath.
func New(cfg config.MemoryConfig, dbPath string) (*Matrix, error) {
	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.EmbeddingProvider,
		Dimensions:  cfg.EmbeddingDimension,
		GenAIAPIKey: cfg.GenAIAPIKey,
		GenAIModel:  cfg.GenAIModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding engine: %w", err)
	}

	canonical, err := OpenCanonicalStore(dbPath)
	if err != nil {
		return nil, err
	}

	m := &Matrix{
		canonical: canonical,
		vector:    NewSQLVectorIndex(canonical.DB()),
		graph:     NewSQLGraphIndex(canonical.DB()),
		embedder:  embedder,
		cfg:       cfg,
	}
	m.indexer = NewIndexer(canonical, m.vector, m.graph, embedder, cfg.Indexer)
	m.retention = NewRetention(m, cfg)

	logging.S(logging.CategoryStore).Infow("memory matrix opened",
		"db", dbPath, "embedder", embedder.Name(), "dimensions", embedder.Dimensions())
	return m, nil
}

// Start launches the propagation and retention workers. A matrix whose
// store opened latched skips them; there is nothing safe for them to do.
func (m *Matrix) Start(ctx context.Context) {
	if !m.Healthy() {
		logging.S(logging.CategoryStore).Errorw("memory matrix unhealthy, background workers not started")
		return
	}
	m.indexer.Start(ctx)
	m.retention.Start(ctx)
}

// Stop halts the workers and closes the store.
func (m *Matrix) Stop() error {
	m.retention.Stop()
	m.indexer.Stop()
	return m.canonical.Close()
}

// Write commits an item version through the optimistic concurrency gate.
// expectedVersion 0 creates; otherwise it must match the current version.
func (m *Matrix) Write(ctx context.Context, item *types.MemoryItem, expectedVersion int64) (int64, error) {
	return m.canonical.Put(ctx, item, expectedVersion)
}

// Get returns the current version of an item.
func (m *Matrix) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	return m.canonical.Get(ctx, id)
}

// GetVersion returns a pinned historical version of an item.
func (m *Matrix) GetVersion(ctx context.Context, id string, version int64) (*types.MemoryItem, error) {
	return m.canonical.GetVersion(ctx, id, version)
}

// Healthy reports whether the canonical store's corruption latch is clear.
func (m *Matrix) Healthy() bool { return m.canonical.Healthy() }

// Canonical exposes the underlying store for sibling layers that share the
// database, primarily decision-record persistence.
func (m *Matrix) Canonical() *CanonicalStore { return m.canonical }

// Indexer exposes the propagation workers, mainly so callers can Drain in
// maintenance paths.
func (m *Matrix) Indexer() *Indexer { return m.indexer }
