package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"cortex/internal/types"
)

// GraphIndex is the relational surface of the matrix. Implementations must
// make UpsertEdges idempotent per (item, version).
type GraphIndex interface {
	UpsertEdges(ctx context.Context, itemID string, version int64, edges []types.Edge) error
	// Neighborhood returns every item reachable from the seeds within
	// maxHops edges, mapped to its hop distance. Seeds themselves are not
	// included.
	Neighborhood(ctx context.Context, seeds []string, maxHops int) (map[string]int, error)
}

// SQLGraphIndex stores typed edges in sqlite and traverses them with
// breadth-first search bounded by a hop limit.
type SQLGraphIndex struct {
	db *sql.DB
}

// NewSQLGraphIndex creates the relational index over an open handle.
func NewSQLGraphIndex(db *sql.DB) *SQLGraphIndex {
	return &SQLGraphIndex{db: db}
}

// UpsertEdges replaces the outgoing edges of an item with the given set.
// Replaying an older version is a no-op so reprocessing stays safe.
func (g *SQLGraphIndex) UpsertEdges(ctx context.Context, itemID string, version int64, edges []types.Edge) error {
	for _, e := range edges {
		if e.Relation == "" || e.TargetID == "" {
			return fmt.Errorf("invalid edge on %s: relation and target must be non-empty", itemID)
		}
		if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) {
			return fmt.Errorf("invalid edge weight on %s: %v", itemID, e.Weight)
		}
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var have sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(source_version) FROM graph_edges WHERE source_id = ?`, itemID,
	).Scan(&have); err != nil {
		return err
	}
	if have.Valid && have.Int64 > version {
		// A newer version already propagated; this replay is stale.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE source_id = ?`, itemID); err != nil {
		return err
	}
	for _, e := range edges {
		weight := e.Weight
		if weight == 0 {
			weight = 1.0
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO graph_edges (source_id, relation, target_id, weight, source_version)
			 VALUES (?, ?, ?, ?, ?)`,
			itemID, e.Relation, e.TargetID, weight, version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Neighborhood runs a bounded-hop BFS from the seed set, following edges in
// both directions. Distance bookkeeping uses a frontier per hop instead of
// per-path storage, the cheap way to keep memory at O(V).
func (g *SQLGraphIndex) Neighborhood(ctx context.Context, seeds []string, maxHops int) (map[string]int, error) {
	if maxHops <= 0 || len(seeds) == 0 {
		return map[string]int{}, nil
	}

	visited := make(map[string]int, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		visited[s] = 0
		frontier = append(frontier, s)
	}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			neighbors, err := g.adjacent(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = hop
				next = append(next, n)
			}
		}
		frontier = next
	}

	result := make(map[string]int, len(visited))
	for id, hop := range visited {
		if hop > 0 {
			result[id] = hop
		}
	}
	return result, nil
}

func (g *SQLGraphIndex) adjacent(ctx context.Context, id string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT target_id FROM graph_edges WHERE source_id = ?
		 UNION
		 SELECT source_id FROM graph_edges WHERE target_id = ?`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
