package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/logging"
	"cortex/internal/types"
)

func newActionID() string { return "act-" + uuid.NewString() }

// Hub is the action surface of the core: it translates intents through the
// catalog, applies the safety policy, arbitrates same-resource conflicts,
// and dispatches approved actions toward the executor.
//
// Dispatch is fire-and-forget with at-least-once delivery; the executor
// acknowledges completion via Ack and the hub tracks lifecycle state in
// between.
type Hub struct {
	catalog    *Catalog
	safety     *SafetyEngine
	harmonizer *Harmonizer

	mu       sync.Mutex
	actions  map[string]*types.ActionRequest
	inflight map[string]string // target -> action id holding the resource
}

// NewHub wires the hub from its parts.
func NewHub(catalog *Catalog, safety *SafetyEngine, harmonizer *Harmonizer) *Hub {
	return &Hub{
		catalog:    catalog,
		safety:     safety,
		harmonizer: harmonizer,
		actions:    make(map[string]*types.ActionRequest),
		inflight:   make(map[string]string),
	}
}

// Plan translates a resolved intent into a pending action request without
// submitting it. The decision pipeline plans first so the request id can
// land in the decision record even when safety later rejects it.
func (h *Hub) Plan(decisionID string, intent types.Intent, priority types.Priority) (*types.ActionRequest, error) {
	req, err := h.catalog.Translate(decisionID, intent, priority)
	if err != nil {
		return nil, err
	}
	req.CreatedAt = time.Now().UTC()
	return req, nil
}

// Submit runs an action through safety and, if allowed, dispatches it.
// The returned verdict is always populated; ErrSafetyRejected accompanies a
// deny. A denied or deferred action is never handed to any channel.
func (h *Hub) Submit(ctx context.Context, req *types.ActionRequest) (types.Verdict, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	log := logging.S(logging.CategoryAction)
	verdict, rule := h.safety.Evaluate(req)
	req.Verdict = verdict

	switch verdict {
	case types.VerdictDeny:
		req.Status = types.ActionRejected
		h.track(req)
		log.Warnw("action denied by safety policy",
			"action", req.ID, "type", req.Type, "target", req.Target, "rule", rule)
		return verdict, fmt.Errorf("%w: rule %s", types.ErrSafetyRejected, rule)

	case types.VerdictRequireConfirmation:
		req.Status = types.ActionDeferred
		h.track(req)
		log.Infow("action deferred pending confirmation",
			"action", req.ID, "target", req.Target, "rule", rule)
		return verdict, nil
	}

	req.Status = types.ActionValidated
	if !h.claimResource(ctx, req) {
		// A same-or-higher priority action holds the resource; this one
		// waits for an operator or a re-plan.
		req.Status = types.ActionDeferred
		h.track(req)
		log.Infow("action deferred on resource conflict",
			"action", req.ID, "target", req.Target)
		return verdict, nil
	}
	h.track(req)

	channel, err := h.harmonizer.Dispatch(ctx, req)
	if err != nil {
		h.setStatus(req.ID, types.ActionFailed)
		h.releaseResource(req)
		return verdict, err
	}
	h.setStatus(req.ID, types.ActionDispatched)
	log.Infow("action dispatched",
		"action", req.ID, "type", req.Type, "target", req.Target, "channel", channel)
	return verdict, nil
}

// Confirm releases a deferred action for dispatch. The operator-facing
// confirmation path for require_confirmation verdicts.
func (h *Hub) Confirm(ctx context.Context, id string) error {
	h.mu.Lock()
	req, ok := h.actions[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: action %s", types.ErrNotFound, id)
	}
	if req.Status != types.ActionDeferred {
		h.mu.Unlock()
		return fmt.Errorf("%w: action %s is %s, not deferred", types.ErrValidation, id, req.Status)
	}
	req.Status = types.ActionValidated
	h.mu.Unlock()

	if !h.claimResource(ctx, req) {
		h.setStatus(id, types.ActionDeferred)
		return nil
	}
	channel, err := h.harmonizer.Dispatch(ctx, req)
	if err != nil {
		h.setStatus(id, types.ActionFailed)
		h.releaseResource(req)
		return err
	}
	h.setStatus(id, types.ActionDispatched)
	logging.S(logging.CategoryAction).Infow("confirmed action dispatched",
		"action", id, "channel", channel)
	return nil
}

// Ack records the executor's completion report and frees the resource.
func (h *Hub) Ack(id string, ok bool) error {
	h.mu.Lock()
	req, found := h.actions[id]
	if !found {
		h.mu.Unlock()
		return fmt.Errorf("%w: action %s", types.ErrNotFound, id)
	}
	if ok {
		req.Status = types.ActionAcknowledged
	} else {
		req.Status = types.ActionFailed
	}
	h.mu.Unlock()

	h.releaseResource(req)
	return nil
}

// Get returns a copy of one tracked action.
func (h *Hub) Get(id string) (types.ActionRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.actions[id]
	if !ok {
		return types.ActionRequest{}, fmt.Errorf("%w: action %s", types.ErrNotFound, id)
	}
	return *req, nil
}

// claimResource arbitrates same-target conflicts: a higher-priority
// newcomer cancels the current holder; otherwise the newcomer loses.
// Actions without a target never conflict.
func (h *Hub) claimResource(ctx context.Context, req *types.ActionRequest) bool {
	if req.Target == "" {
		return true
	}

	h.mu.Lock()
	holderID, busy := h.inflight[req.Target]
	if !busy {
		h.inflight[req.Target] = req.ID
		h.mu.Unlock()
		return true
	}
	holder := h.actions[holderID]
	if holder == nil || req.Priority <= holder.Priority {
		h.mu.Unlock()
		return false
	}
	holder.Status = types.ActionCancelled
	h.inflight[req.Target] = req.ID
	h.mu.Unlock()

	logging.S(logging.CategoryAction).Infow("cancelled lower-priority action on resource conflict",
		"cancelled", holderID, "winner", req.ID, "target", req.Target)
	return true
}

func (h *Hub) releaseResource(req *types.ActionRequest) {
	if req.Target == "" {
		return
	}
	h.mu.Lock()
	if h.inflight[req.Target] == req.ID {
		delete(h.inflight, req.Target)
	}
	h.mu.Unlock()
}

func (h *Hub) track(req *types.ActionRequest) {
	h.mu.Lock()
	h.actions[req.ID] = req
	h.mu.Unlock()
}

func (h *Hub) setStatus(id string, st types.ActionStatus) {
	h.mu.Lock()
	if req, ok := h.actions[id]; ok {
		req.Status = st
	}
	h.mu.Unlock()
}

// Close releases the watchers held by the hub's parts.
func (h *Hub) Close() {
	h.catalog.Close()
	h.safety.Close()
}
