package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// GenerationRequest carries everything a generator may draw on.
type GenerationRequest struct {
	Query     types.Query
	Intent    types.Intent
	Snapshot  types.ContextSnapshot
	Knowledge []types.MemoryItem
}

// Generator produces the response text for a decision.
type Generator interface {
	// ID names the generator in decision records.
	ID() string
	// Cost orders generators for selection; cheaper wins when several can
	// handle a request.
	Cost() int
	// CanHandle reports whether this generator accepts the request.
	CanHandle(req GenerationRequest) bool
	// Generate produces the response.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Registry holds the available generators and picks one per request.
type Registry struct {
	mu         sync.RWMutex
	generators []Generator
}

// NewRegistry builds a registry. The template generator registers itself as
// the always-available floor.
func NewRegistry(generators ...Generator) *Registry {
	r := &Registry{}
	for _, g := range generators {
		r.Register(g)
	}
	return r
}

// Register adds a generator.
func (r *Registry) Register(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators = append(r.generators, g)
	sort.SliceStable(r.generators, func(i, j int) bool {
		return r.generators[i].Cost() < r.generators[j].Cost()
	})
}

// Select returns every generator able to handle the request, cheapest
// first.
func (r *Registry) Select(req GenerationRequest) []Generator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Generator
	for _, g := range r.generators {
		if g.CanHandle(req) {
			out = append(out, g)
		}
	}
	return out
}

// Generate runs the selected generator with bounded retries and
// exponential backoff, falling back down the candidate list and finally to
// a canned response. The canned path cannot fail, so the pipeline always
// has something to deliver.
func (r *Registry) Generate(ctx context.Context, req GenerationRequest, timeout time.Duration, maxRetries int) (string, string) {
	log := logging.S(logging.CategoryEngine)
	candidates := r.Select(req)

	for _, g := range candidates {
		backoff := 100 * time.Millisecond
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return cannedResponse(req), "canned"
				case <-time.After(backoff):
				}
				backoff *= 2
			}

			gctx, cancel := context.WithTimeout(ctx, timeout)
			text, err := g.Generate(gctx, req)
			cancel()
			if err == nil && strings.TrimSpace(text) != "" {
				return text, g.ID()
			}
			log.Warnw("generation attempt failed",
				"generator", g.ID(), "attempt", attempt+1, "query", req.Query.ID, "err", err)

			if ctx.Err() != nil {
				return cannedResponse(req), "canned"
			}
		}
	}

	log.Warnw("all generators exhausted, using canned response", "query", req.Query.ID)
	return cannedResponse(req), "canned"
}

// cannedResponse is the last-resort reply when every generator failed.
func cannedResponse(req GenerationRequest) string {
	switch req.Intent.Category {
	case "command":
		return "I could not work out how to phrase that, but I am acting on your request."
	case "question":
		return "I do not have a good answer for that right now."
	}
	return "Noted."
}

// TemplateGenerator renders deterministic responses from the intent and
// retrieved knowledge. It handles everything, costs nothing, and cannot
// fail, which makes it the floor of every selection.
type TemplateGenerator struct{}

func (TemplateGenerator) ID() string                         { return "template" }
func (TemplateGenerator) Cost() int                          { return 0 }
func (TemplateGenerator) CanHandle(req GenerationRequest) bool { return true }

func (TemplateGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	intent := req.Intent
	switch intent.Category {
	case "command":
		return commandResponse(intent), nil
	case "question":
		if len(req.Knowledge) > 0 {
			return req.Knowledge[0].Content, nil
		}
		return "I have nothing relevant in memory for that.", nil
	}
	return "Understood, I will remember that.", nil
}

func commandResponse(intent types.Intent) string {
	verb := strings.ReplaceAll(intent.Name, "_", " ")
	if intent.Target != "" {
		return fmt.Sprintf("Okay, I will %s the %s.", verb, intent.Target)
	}
	if dest := intent.Slots["destination"]; dest != "" {
		return fmt.Sprintf("Okay, heading to %s.", dest)
	}
	return fmt.Sprintf("Okay, %s.", verb)
}
