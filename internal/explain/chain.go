package explain

import (
	"context"
	"fmt"

	"cortex/internal/types"
)

// KnowledgeResolver resolves the pinned item versions a decision consulted.
// The memory matrix satisfies this.
type KnowledgeResolver interface {
	GetVersion(ctx context.Context, id string, version int64) (*types.MemoryItem, error)
}

// ChainStep is one stage of a reconstructed causal chain.
type ChainStep struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
}

// CausalChain is the full explanation of one decision: the chain of stages
// it passed through plus the lineage of earlier decisions it built on.
type CausalChain struct {
	DecisionID string                `json:"decision_id"`
	Steps      []ChainStep           `json:"steps"`
	Knowledge  []types.MemoryItem    `json:"knowledge,omitempty"`
	Lineage    []types.DecisionRecord `json:"lineage,omitempty"`
}

// Chain reconstructs the causal chain for a decision: query, context,
// intent, knowledge consulted (at the pinned versions), generation, safety
// verdicts, and outcome. resolver may be nil; knowledge content is then
// omitted and only the refs appear.
func (g *Graph) Chain(ctx context.Context, id string, resolver KnowledgeResolver) (*CausalChain, error) {
	rec, err := g.Get(id)
	if err != nil {
		return nil, err
	}

	chain := &CausalChain{DecisionID: id}
	add := func(stage, format string, args ...any) {
		chain.Steps = append(chain.Steps, ChainStep{Stage: stage, Detail: fmt.Sprintf(format, args...)})
	}

	add("query", "query %s from snapshot %s", rec.QueryID, rec.SnapshotID)
	if rec.Intent != nil {
		add("intent", "%s/%s on %q (confidence %.2f, via %s)",
			rec.Intent.Category, rec.Intent.Name, rec.Intent.Target,
			rec.Intent.Confidence, rec.Intent.ResolvedBy)
	}

	for _, ref := range rec.KnowledgeUsed {
		if resolver != nil {
			item, err := resolver.GetVersion(ctx, ref.ID, ref.Version)
			if err == nil {
				chain.Knowledge = append(chain.Knowledge, *item)
				add("knowledge", "consulted %s: %s", ref, item.Content)
				continue
			}
		}
		add("knowledge", "consulted %s", ref)
	}

	if rec.GeneratorID != "" {
		add("generation", "response produced by %s", rec.GeneratorID)
	}
	if rec.Response != "" {
		add("response", "%s", rec.Response)
	}
	for _, aid := range rec.ActionIDs {
		if v, ok := rec.SafetyVerdicts[aid]; ok {
			add("action", "action %s: safety verdict %s", aid, v)
		} else {
			add("action", "action %s planned", aid)
		}
	}
	if rec.EthicalVerdict != "" {
		add("audit", "ethical audit: %s", rec.EthicalVerdict)
	}

	outcome := string(rec.Outcome)
	if rec.Degraded {
		outcome += " (degraded memory)"
	}
	add("outcome", "%s", outcome)

	lineage, err := g.Ancestry(id)
	if err != nil {
		return nil, err
	}
	chain.Lineage = lineage
	return chain, nil
}
