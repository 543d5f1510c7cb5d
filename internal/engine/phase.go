// Package engine implements the decision pipeline: queries move through a
// fixed sequence of phases from reception to delivery, producing exactly
// one decision record each.
package engine

// Phase is a pipeline stage. Queries only move forward; the terminal
// phases are Delivered, Failed, Rejected, and Cancelled.
type Phase int

const (
	PhaseReceived Phase = iota
	PhaseEnriched
	PhaseIntentResolved
	PhaseKnowledgeRetrieved
	PhaseResponseGenerated
	PhaseActionPlanned
	PhaseDelivered
	PhaseFailed
	PhaseRejected
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseReceived:
		return "received"
	case PhaseEnriched:
		return "enriched"
	case PhaseIntentResolved:
		return "intent_resolved"
	case PhaseKnowledgeRetrieved:
		return "knowledge_retrieved"
	case PhaseResponseGenerated:
		return "response_generated"
	case PhaseActionPlanned:
		return "action_planned"
	case PhaseDelivered:
		return "delivered"
	case PhaseFailed:
		return "failed"
	case PhaseRejected:
		return "rejected"
	case PhaseCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the phase ends the pipeline.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDelivered, PhaseFailed, PhaseRejected, PhaseCancelled:
		return true
	}
	return false
}
