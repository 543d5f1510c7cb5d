package types

import (
	"fmt"
	"time"
)

// Verdict is the safety outcome attached to an action request.
type Verdict string

const (
	VerdictAllow              Verdict = "allow"
	VerdictDeny               Verdict = "deny"
	VerdictRequireConfirmation Verdict = "require_confirmation"
)

// ActionStatus is the lifecycle state of an action request.
type ActionStatus string

const (
	ActionPending      ActionStatus = "pending"
	ActionValidated    ActionStatus = "validated"
	ActionDispatched   ActionStatus = "dispatched"
	ActionAcknowledged ActionStatus = "acknowledged"
	ActionFailed       ActionStatus = "failed"
	ActionRejected     ActionStatus = "rejected"
	ActionDeferred     ActionStatus = "deferred"
	ActionCancelled    ActionStatus = "cancelled"
)

// ActionRequest is a concrete, safety-checked unit of work for the external
// action executor.
type ActionRequest struct {
	ID         string            `json:"id"`
	DecisionID string            `json:"decision_id"`
	Type       string            `json:"type"`   // catalog action type, e.g. "actuator_command"
	Target     string            `json:"target"` // resource the action touches, e.g. "lights"
	Params     map[string]string `json:"params,omitempty"`
	Priority   Priority          `json:"priority"`
	Verdict    Verdict           `json:"verdict,omitempty"`
	Scheduled  *time.Time        `json:"scheduled_time,omitempty"`
	Status     ActionStatus      `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks the fields the translator must have filled in.
func (a *ActionRequest) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: action id is empty", ErrValidation)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: action %s has no type", ErrValidation, a.ID)
	}
	if a.DecisionID == "" {
		return fmt.Errorf("%w: action %s is not linked to a decision", ErrValidation, a.ID)
	}
	return nil
}
