// Package fusion implements the context integrator: it folds the recent
// stream of percept events and alerts into one immutable snapshot per
// decision cycle. The integrator holds the rolling buffers; snapshot
// assembly itself is pure and deterministic given a clock reading.
package fusion

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// Integrator buffers percept events and alerts and produces windowed
// context snapshots. Safe for concurrent use.
type Integrator struct {
	cfg config.FusionConfig

	mu     sync.Mutex
	events []types.PerceptEvent
	alerts []types.Alert

	// rank maps source name to its position in the priority order; lower
	// is stronger. Unknown sources rank below every configured one.
	rank map[string]int
}

// NewIntegrator builds an integrator with the configured window and source
// priority order.
func NewIntegrator(cfg config.FusionConfig) *Integrator {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 30 * time.Second
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 128
	}
	rank := make(map[string]int, len(cfg.SourcePriority))
	for i, src := range cfg.SourcePriority {
		rank[src] = i
	}
	return &Integrator{cfg: cfg, rank: rank}
}

// Ingest buffers one percept event. Malformed events are rejected, they
// never make it into a snapshot.
func (in *Integrator) Ingest(e types.PerceptEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.events = append(in.events, e)
	// Keep the buffer bounded; eviction by age happens at snapshot time,
	// this cap only guards against a stalled snapshot consumer.
	if len(in.events) > in.cfg.MaxEvents*2 {
		in.events = in.events[len(in.events)-in.cfg.MaxEvents*2:]
	}
	return nil
}

// IngestAlert buffers one system alert.
func (in *Integrator) IngestAlert(a types.Alert) error {
	if a.Alert == "" {
		return fmt.Errorf("%w: alert name is empty", types.ErrValidation)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.alerts = append(in.alerts, a)
	return nil
}

// Snapshot assembles the fused view of everything inside the window ending
// at now. An empty window still yields a valid snapshot; decisions proceed
// on a minimal default context rather than blocking on perception.
func (in *Integrator) Snapshot(now time.Time) types.ContextSnapshot {
	in.mu.Lock()
	defer in.mu.Unlock()

	start := now.Add(-in.cfg.WindowDuration)

	// Evict everything older than the window while we are here.
	in.events = pruneEvents(in.events, start)
	in.alerts = pruneAlerts(in.alerts, start)

	snap := types.ContextSnapshot{
		ID:          uuid.NewString(),
		WindowStart: start,
		WindowEnd:   now,
		SourceRank:  append([]string(nil), in.cfg.SourcePriority...),
	}

	snap.Events = in.resolveConflicts(in.events, now)
	snap.Alerts = append([]types.Alert(nil), in.alerts...)

	if snap.Empty() {
		logging.S(logging.CategoryFusion).Debugw("empty context window", "window_end", now)
	}
	return snap
}

// resolveConflicts keeps at most one event per event name: when multiple
// sources report the same event inside the window, the highest-priority
// source wins; ties go to the most recent report. Events under different
// names never conflict.
func (in *Integrator) resolveConflicts(events []types.PerceptEvent, now time.Time) []types.PerceptEvent {
	winners := make(map[string]types.PerceptEvent, len(events))
	for _, e := range events {
		if e.Timestamp.After(now) {
			continue // clock skew from a collaborator; wait for its window
		}
		have, ok := winners[e.Event]
		if !ok || in.beats(e, have) {
			winners[e.Event] = e
		}
	}

	out := make([]types.PerceptEvent, 0, len(winners))
	for _, e := range winners {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Event < out[j].Event
	})

	if len(out) > in.cfg.MaxEvents {
		out = out[len(out)-in.cfg.MaxEvents:] // keep the most recent
	}
	return out
}

func (in *Integrator) beats(a, b types.PerceptEvent) bool {
	ra, rb := in.sourceRank(a.Source), in.sourceRank(b.Source)
	if ra != rb {
		return ra < rb
	}
	return a.Timestamp.After(b.Timestamp)
}

func (in *Integrator) sourceRank(src string) int {
	if r, ok := in.rank[src]; ok {
		return r
	}
	return len(in.rank)
}

func pruneEvents(events []types.PerceptEvent, cutoff time.Time) []types.PerceptEvent {
	kept := events[:0]
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

func pruneAlerts(alerts []types.Alert, cutoff time.Time) []types.Alert {
	kept := alerts[:0]
	for _, a := range alerts {
		if !a.Timestamp.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	return kept
}
