package types

import "time"

// Outcome is the terminal state of a decision.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// DecisionRecord is the immutable audit node for one completed query.
// Records form a DAG: ParentIDs may name several earlier decisions when
// reasoning threads merged. Records are append-only; cancellation flips
// Outcome on the stored copy exactly once, via the explainability layer,
// and nothing is ever deleted.
type DecisionRecord struct {
	ID         string    `json:"id"`
	ParentIDs  []string  `json:"parent_ids,omitempty"`
	QueryID    string    `json:"query_id"`
	Source     string    `json:"source,omitempty"`
	SnapshotID string    `json:"snapshot_id"`

	Intent      *Intent   `json:"intent,omitempty"`
	GeneratorID string    `json:"generator_id,omitempty"`

	// KnowledgeUsed pins the exact item versions consulted at decision time.
	KnowledgeUsed []ItemRef `json:"knowledge_used,omitempty"`

	Response  string   `json:"response,omitempty"`
	ActionIDs []string `json:"action_ids,omitempty"`

	SafetyVerdicts map[string]Verdict `json:"safety_verdicts,omitempty"` // action id -> verdict
	EthicalVerdict string             `json:"ethical_verdict,omitempty"` // attached out of band by the audit pass

	Outcome        Outcome   `json:"outcome"`
	Degraded       bool      `json:"degraded"`
	LineageVersion int64     `json:"lineage_version"`
	CreatedAt      time.Time `json:"created_at"`
}
