package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"cortex/internal/embedding"
	"cortex/internal/logging"
)

// SimilarityHit is one similarity-index match.
type SimilarityHit struct {
	ItemID     string
	Version    int64
	Similarity float64
}

// VectorIndex is the similarity surface of the matrix. Implementations must
// make Upsert idempotent: reprocessing the same (item, version) is safe.
type VectorIndex interface {
	Upsert(ctx context.Context, itemID string, version int64, vec []float32) error
	Remove(ctx context.Context, itemID string) error
	Search(ctx context.Context, query []float32, k int) ([]SimilarityHit, error)
}

// SQLVectorIndex stores one embedding per item (latest propagated version)
// as JSON float32 and ranks by cosine similarity. Embeddings live in their
// own table so the canonical store stays authoritative and this projection
// can always be rebuilt from it.
type SQLVectorIndex struct {
	db *sql.DB
}

// NewSQLVectorIndex creates the similarity index over an open handle.
func NewSQLVectorIndex(db *sql.DB) *SQLVectorIndex {
	return &SQLVectorIndex{db: db}
}

// Upsert writes the embedding for an item version, replacing any older one.
func (v *SQLVectorIndex) Upsert(ctx context.Context, itemID string, version int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding for item %s", itemID)
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	_, err = v.db.ExecContext(ctx,
		`INSERT INTO vector_index (item_id, version, embedding, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(item_id) DO UPDATE SET
			version = excluded.version,
			embedding = excluded.embedding,
			updated_at = CURRENT_TIMESTAMP
		 WHERE excluded.version >= vector_index.version`,
		itemID, version, string(b))
	return err
}

// Remove drops an item from the index. Used when an item expires.
func (v *SQLVectorIndex) Remove(ctx context.Context, itemID string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM vector_index WHERE item_id = ?`, itemID)
	return err
}

// Search returns the top-K items by cosine similarity. A full scan is fine
// at this scale; the projection table stays small because only current
// versions are kept.
func (v *SQLVectorIndex) Search(ctx context.Context, query []float32, k int) ([]SimilarityHit, error) {
	if k <= 0 {
		k = 10
	}

	rows, err := v.db.QueryContext(ctx, `SELECT item_id, version, embedding FROM vector_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SimilarityHit
	for rows.Next() {
		var (
			hit     SimilarityHit
			embJSON string
		)
		if err := rows.Scan(&hit.ItemID, &hit.Version, &embJSON); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			logging.S(logging.CategoryIndex).Warnw("undecodable embedding, skipping",
				"item", hit.ItemID, "err", err)
			continue
		}
		sim, err := embedding.CosineSimilarity(query, vec)
		if err != nil {
			// Dimension drift after a config change; the item re-embeds on
			// its next write, skip it until then.
			continue
		}
		hit.Similarity = sim
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
