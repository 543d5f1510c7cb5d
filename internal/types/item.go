// Package types defines the shared domain model for the cognitive core:
// memory items, queries, context snapshots, decision records, and action
// requests. It has no dependencies on other cortex packages so that every
// layer can exchange these values without import cycles.
package types

import (
	"fmt"
	"time"
)

// MemoryKind classifies a memory item.
type MemoryKind string

const (
	KindFact      MemoryKind = "fact"
	KindEpisodic  MemoryKind = "episodic"
	KindSemantic  MemoryKind = "semantic"
	KindShortTerm MemoryKind = "short-term"
)

// Valid reports whether the kind is one of the known values.
func (k MemoryKind) Valid() bool {
	switch k {
	case KindFact, KindEpisodic, KindSemantic, KindShortTerm:
		return true
	}
	return false
}

// IndexStatus tracks propagation of an item into the derived indexes.
// The canonical structured store is always authoritative; the similarity
// and relational indexes catch up asynchronously.
type IndexStatus string

const (
	IndexPending IndexStatus = "pending"
	IndexIndexed IndexStatus = "indexed"
	IndexStale   IndexStatus = "stale"
)

// Edge is a typed relational link from one memory item to another.
type Edge struct {
	Relation string  `json:"relation"`
	TargetID string  `json:"target_id"`
	Weight   float64 `json:"weight"`
}

// MemoryItem is one unit of long-lived memory. The canonical copy lives in
// the structured store; embedding and edge copies in the derived indexes are
// eventually consistent projections of it.
//
// Version is monotonic per item. Superseding a fact creates a new version
// and marks the old one superseded; nothing is ever deleted in place.
type MemoryItem struct {
	ID          string      `json:"id"`
	Kind        MemoryKind  `json:"kind"`
	Content     string      `json:"content"`
	Embedding   []float32   `json:"embedding,omitempty"`
	Confidence  float64     `json:"confidence"`
	Provenance  string      `json:"provenance"`
	CreatedAt   time.Time   `json:"created_at"`
	Version     int64       `json:"version"`
	Edges       []Edge      `json:"edges,omitempty"`
	IndexStatus IndexStatus `json:"index_status"`
	Superseded  bool        `json:"superseded"`

	// Importance feeds short-term retention scoring; AccessCount is bumped
	// by the read path.
	Importance  float64 `json:"importance,omitempty"`
	AccessCount int64   `json:"access_count,omitempty"`
}

// Validate checks the invariants an item must satisfy before it is accepted
// by the write path.
func (m *MemoryItem) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: memory item id is empty", ErrValidation)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown memory kind %q", ErrValidation, m.Kind)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: memory item %s has no content", ErrValidation, m.ID)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrValidation, m.Confidence)
	}
	for _, e := range m.Edges {
		if e.Relation == "" || e.TargetID == "" {
			return fmt.Errorf("%w: edge on item %s missing relation or target", ErrValidation, m.ID)
		}
	}
	return nil
}

// ItemRef pins the exact (id, version) pair a decision consulted, so later
// supersession never rewrites decision history.
type ItemRef struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

func (r ItemRef) String() string {
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}
