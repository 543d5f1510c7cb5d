package types

import (
	"fmt"
	"time"
)

// Priority orders competing queries and same-resource action conflicts.
// Higher wins.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// Intent is the structured reading of a query after resolution.
type Intent struct {
	Name       string         `json:"name"`             // e.g. "turn_off"
	Category   string         `json:"category"`         // "command", "question", "statement"
	Target     string         `json:"target,omitempty"` // e.g. "lights"
	Confidence float64        `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	ResolvedBy string         `json:"resolved_by"` // "rules" or classifier capability name
}

// Query is one inbound request for a decision.
type Query struct {
	ID         string    `json:"id"`
	Text       string    `json:"text,omitempty"`
	Intent     *Intent   `json:"intent,omitempty"` // pre-structured queries skip classification
	Source     string    `json:"source"`
	Priority   Priority  `json:"priority"`
	ReceivedAt time.Time `json:"received_at"`

	// SupersedesKey groups queries of which only the newest should run.
	// A new query with a non-empty key cancels an in-flight query from the
	// same source carrying the same key.
	SupersedesKey string `json:"supersedes_key,omitempty"`
}

// Validate rejects queries the pipeline cannot process.
func (q *Query) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("%w: query id is empty", ErrValidation)
	}
	if q.Text == "" && q.Intent == nil {
		return fmt.Errorf("%w: query %s has neither text nor structured intent", ErrValidation, q.ID)
	}
	if q.Source == "" {
		return fmt.Errorf("%w: query %s has no source", ErrValidation, q.ID)
	}
	if q.Priority < PriorityLow || q.Priority > PriorityCritical {
		return fmt.Errorf("%w: query %s priority %d out of range", ErrValidation, q.ID, q.Priority)
	}
	return nil
}
