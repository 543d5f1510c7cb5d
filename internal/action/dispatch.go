package action

import (
	"context"
	"fmt"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// Channel carries validated actions toward the external executor.
type Channel interface {
	Name() string
	Send(ctx context.Context, req *types.ActionRequest) error
}

// Harmonizer picks the delivery channel by preference order and falls back
// down the list when a channel fails. Delivery is at-least-once: a send
// that errors after the executor received it may be repeated on the next
// channel, and the executor deduplicates on action id.
type Harmonizer struct {
	channels []Channel
}

// NewHarmonizer orders the available channels by the configured preference
// list; channels not named in the list go last in registration order.
func NewHarmonizer(preference []string, channels ...Channel) *Harmonizer {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}

	var ordered []Channel
	for _, name := range preference {
		if ch, ok := byName[name]; ok {
			ordered = append(ordered, ch)
			delete(byName, name)
		}
	}
	for _, ch := range channels {
		if _, left := byName[ch.Name()]; left {
			ordered = append(ordered, ch)
			delete(byName, ch.Name())
		}
	}
	return &Harmonizer{channels: ordered}
}

// Dispatch sends one action through the first channel that accepts it.
// Returns the channel used, or an error once every channel refused.
func (h *Harmonizer) Dispatch(ctx context.Context, req *types.ActionRequest) (string, error) {
	if len(h.channels) == 0 {
		return "", fmt.Errorf("%w: no dispatch channels configured", types.ErrBackendUnavailable)
	}

	log := logging.S(logging.CategoryAction)
	var lastErr error
	for _, ch := range h.channels {
		if err := ch.Send(ctx, req); err != nil {
			log.Warnw("dispatch channel failed, trying next",
				"channel", ch.Name(), "action", req.ID, "err", err)
			lastErr = err
			continue
		}
		return ch.Name(), nil
	}
	return "", fmt.Errorf("%w: all dispatch channels failed: %v", types.ErrBackendUnavailable, lastErr)
}
