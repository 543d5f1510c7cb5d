package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// ReadRequest describes one hybrid retrieval.
type ReadRequest struct {
	// Text is embedded for the similarity surface. Leave empty to skip it.
	Text string
	// Filter drives the structured surface and also gates which candidates
	// from the other surfaces survive the merge (by kind).
	Filter Filter
	// TopK caps similarity hits; 0 uses the configured default.
	TopK int
	// HopLimit bounds relational traversal; 0 uses the configured default.
	HopLimit int
}

// ScoredItem is one merged retrieval result.
type ScoredItem struct {
	Item       types.MemoryItem
	Score      float64
	Similarity float64 // 0 when the item came from another surface
	Hops       int     // 0 when not reached relationally
}

// ReadResult is the outcome of a hybrid retrieval. Degraded is set whenever
// a backend was skipped; the structured surface always contributes, so a
// degraded result is reduced, never empty by construction.
type ReadResult struct {
	Items            []ScoredItem
	Degraded         bool
	DegradedBackends []string
}

// Read runs the hybrid read path: similarity top-K, bounded-hop relational
// expansion, structured filtering, then a weighted merge. Each derived
// backend gets its own deadline; on timeout or failure the read degrades to
// the remaining surfaces and flags it.
func (m *Matrix) Read(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	if !m.canonical.Healthy() {
		return nil, types.ErrStoreCorrupt
	}

	topK := req.TopK
	if topK <= 0 {
		topK = m.cfg.RetrievalTopK
	}
	hopLimit := req.HopLimit
	if hopLimit <= 0 {
		hopLimit = m.cfg.GraphHopLimit
	}

	result := &ReadResult{}
	now := time.Now().UTC()

	// Similarity surface.
	simHits := map[string]float64{}
	if req.Text != "" {
		hits, err := m.searchSimilar(ctx, req.Text, topK)
		if err != nil {
			logging.S(logging.CategoryStore).Warnw("similarity backend degraded", "err", err)
			result.Degraded = true
			result.DegradedBackends = append(result.DegradedBackends, "similarity")
		} else {
			for _, h := range hits {
				simHits[h.ItemID] = h.Similarity
			}
		}
	}

	// Structured surface. This is the canonical store; if it fails the read
	// fails, there is nothing left to degrade to.
	structured, err := m.canonical.Query(ctx, req.Filter)
	if err != nil {
		return nil, err
	}

	// Relational surface, seeded by everything found so far.
	hops := map[string]int{}
	if hopLimit > 0 {
		seeds := make([]string, 0, len(simHits)+len(structured))
		for id := range simHits {
			seeds = append(seeds, id)
		}
		for _, it := range structured {
			seeds = append(seeds, it.ID)
		}
		sort.Strings(seeds) // deterministic traversal order

		if len(seeds) > 0 {
			gctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
			reached, err := m.graph.Neighborhood(gctx, seeds, hopLimit)
			cancel()
			if err != nil {
				logging.S(logging.CategoryStore).Warnw("relational backend degraded", "err", err)
				result.Degraded = true
				result.DegradedBackends = append(result.DegradedBackends, "relational")
			} else {
				hops = reached
			}
		}
	}

	// Merge: union of all surfaces, scored by weighted similarity,
	// relational proximity, and recency decay.
	candidates := map[string]*ScoredItem{}
	for _, it := range structured {
		it := it
		candidates[it.ID] = &ScoredItem{Item: it}
	}
	for id := range simHits {
		if _, ok := candidates[id]; !ok {
			item, err := m.canonical.Get(ctx, id)
			if err != nil {
				continue // index lag: the projection knows an id the filter rejected or that expired
			}
			if !kindAllowed(item.Kind, req.Filter.Kinds) {
				continue
			}
			candidates[id] = &ScoredItem{Item: *item}
		}
	}
	for id := range hops {
		if _, ok := candidates[id]; !ok {
			item, err := m.canonical.Get(ctx, id)
			if err != nil {
				continue
			}
			if !kindAllowed(item.Kind, req.Filter.Kinds) {
				continue
			}
			candidates[id] = &ScoredItem{Item: *item}
		}
	}

	w := m.cfg.Retrieval
	for id, c := range candidates {
		if sim, ok := simHits[id]; ok {
			c.Similarity = sim
		}
		if h, ok := hops[id]; ok {
			c.Hops = h
		}
		c.Score = w.SimilarityWeight*c.Similarity +
			w.RelationalWeight*relationalScore(c.Hops) +
			w.RecencyWeight*recencyScore(now, c.Item.CreatedAt, w.RecencyHalfLife)
	}

	merged := make([]ScoredItem, 0, len(candidates))
	for _, c := range candidates {
		merged = append(merged, *c)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Item.ID < merged[j].Item.ID
	})

	// Truncate to top-K under the size budget.
	budget := w.SizeBudgetBytes
	used := 0
	final := merged[:0]
	for _, c := range merged {
		if len(final) >= topK {
			break
		}
		if budget > 0 && used+len(c.Item.Content) > budget && len(final) > 0 {
			break
		}
		used += len(c.Item.Content)
		final = append(final, c)
	}
	result.Items = final

	ids := make([]string, len(result.Items))
	for i, c := range result.Items {
		ids[i] = c.Item.ID
	}
	m.canonical.TouchAccess(ctx, ids)

	return result, nil
}

// searchSimilar embeds the query text and searches the vector index under
// the backend deadline.
func (m *Matrix) searchSimilar(ctx context.Context, text string, k int) ([]SimilarityHit, error) {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(vctx, text)
	if err != nil {
		return nil, err
	}
	return m.vector.Search(vctx, vec, k)
}

func kindAllowed(k types.MemoryKind, allowed []types.MemoryKind) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}

// relationalScore maps hop distance to (0,1]: 1 hop scores 0.5, 2 hops
// 0.33, unreached 0.
func relationalScore(hops int) float64 {
	if hops <= 0 {
		return 0
	}
	return 1 / float64(1+hops)
}

// recencyScore is an exponential decay with the configured half-life.
func recencyScore(now, created time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || created.IsZero() {
		return 0
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
}
