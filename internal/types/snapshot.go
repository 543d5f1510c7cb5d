package types

import (
	"fmt"
	"time"
)

// PerceptEvent is one semantic event from the perception collaborator.
type PerceptEvent struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// Validate rejects events the integrator cannot place in a window.
func (e *PerceptEvent) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("%w: event name is empty", ErrValidation)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: event %q has no source", ErrValidation, e.Event)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: event %q has no timestamp", ErrValidation, e.Event)
	}
	return nil
}

// Alert is a system alert from the monitoring collaborator.
type Alert struct {
	Alert     string    `json:"alert"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextSnapshot is the fused view of recent perception and alerts for one
// decision cycle. It is immutable once produced: the integrator hands out
// value copies and nothing downstream writes to it.
type ContextSnapshot struct {
	ID          string         `json:"id"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Events      []PerceptEvent `json:"events"`
	Alerts      []Alert        `json:"alerts"`

	// SourceRank records the priority order used to resolve conflicting
	// modalities, highest priority first. Kept on the snapshot so a decision
	// can later be explained against the ranking that was live at the time.
	SourceRank []string `json:"source_rank"`
}

// Empty reports whether the snapshot carries no events and no alerts.
func (s *ContextSnapshot) Empty() bool {
	return len(s.Events) == 0 && len(s.Alerts) == 0
}
