// Package action implements the action hub: translation of resolved
// intents into concrete action requests, safety arbitration over them, and
// dispatch toward the external executor over redundant channels.
package action

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// Binding maps one intent to a catalog action template.
type Binding struct {
	Intent string `yaml:"intent"`
	// Type is the executor-facing action type, e.g. "actuator_command".
	Type string `yaml:"type"`
	// Params are fixed parameters merged under the intent's slots; slots win
	// on key collision.
	Params map[string]string `yaml:"params,omitempty"`
	// RequiredSlots must be present on the intent or translation fails.
	RequiredSlots []string `yaml:"required_slots,omitempty"`
}

type catalogFile struct {
	Actions []Binding `yaml:"actions"`
}

// defaultBindings cover the built-in household/robot intents so the hub
// works out of the box without a catalog file.
var defaultBindings = []Binding{
	{Intent: "turn_off", Type: "actuator_command", Params: map[string]string{"command": "off"}},
	{Intent: "turn_on", Type: "actuator_command", Params: map[string]string{"command": "on"}},
	{Intent: "move_to", Type: "navigation_goal", RequiredSlots: []string{"destination"}},
	{Intent: "stop", Type: "navigation_halt"},
	{Intent: "say", Type: "speech_output"},
}

// Catalog is the hot-reloadable intent-to-action mapping. Lookups read an
// atomic snapshot; reloads swap the whole map.
type Catalog struct {
	path     string
	bindings atomic.Pointer[map[string]Binding]
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewCatalog loads the catalog from path, or the built-in defaults when
// path is empty.
func NewCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	bindings := defaultBindings
	if c.path != "" {
		data, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("failed to read action catalog: %w", err)
		}
		var f catalogFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse action catalog %s: %w", c.path, err)
		}
		if len(f.Actions) == 0 {
			return fmt.Errorf("action catalog %s defines no actions", c.path)
		}
		bindings = f.Actions
	}

	m := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		if b.Intent == "" || b.Type == "" {
			return fmt.Errorf("catalog binding needs both intent and type")
		}
		m[b.Intent] = b
	}
	c.bindings.Store(&m)
	return nil
}

// Lookup returns the binding for an intent name.
func (c *Catalog) Lookup(intent string) (Binding, bool) {
	m := c.bindings.Load()
	b, ok := (*m)[intent]
	return b, ok
}

// Watch reloads the catalog when its file changes on disk. No-op without a
// file-backed catalog. A reload that fails to parse keeps the previous
// snapshot live.
func (c *Catalog) Watch() error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start catalog watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}
	c.watcher = w
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		log := logging.S(logging.CategoryAction)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					log.Warnw("catalog reload failed, keeping previous", "err", err)
					continue
				}
				log.Infow("action catalog reloaded", "path", c.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnw("catalog watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (c *Catalog) Close() {
	if c.watcher != nil {
		c.watcher.Close()
		<-c.done
	}
}

// Translate turns a resolved intent into a concrete action request bound to
// a decision. Intents without a catalog binding fail with
// types.ErrUnsupportedAction.
func (c *Catalog) Translate(decisionID string, intent types.Intent, priority types.Priority) (*types.ActionRequest, error) {
	b, ok := c.Lookup(intent.Name)
	if !ok {
		return nil, fmt.Errorf("%w: no catalog binding for intent %q", types.ErrUnsupportedAction, intent.Name)
	}

	params := make(map[string]string, len(b.Params)+len(intent.Slots))
	for k, v := range b.Params {
		params[k] = v
	}
	for k, v := range intent.Slots {
		params[k] = v
	}
	for _, slot := range b.RequiredSlots {
		if params[slot] == "" {
			return nil, fmt.Errorf("%w: intent %q missing required slot %q",
				types.ErrValidation, intent.Name, slot)
		}
	}

	return &types.ActionRequest{
		ID:         newActionID(),
		DecisionID: decisionID,
		Type:       b.Type,
		Target:     intent.Target,
		Params:     params,
		Priority:   priority,
		Status:     types.ActionPending,
	}, nil
}
