package explain

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// VerdictPass is the ethical verdict for records no audit rule flagged.
const VerdictPass = "pass"

// auditPolicy is the on-disk shape of the ethical audit rules.
type auditPolicy struct {
	Rules []auditRule `yaml:"rules"`
}

type auditRule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// defaultAuditPolicy ships as a baseline when no policy file is given.
// Rules evaluate over a `decision` map; any rule that comes back true flags
// the record.
var defaultAuditPolicy = auditPolicy{
	Rules: []auditRule{
		{
			Name: "denied_action_still_delivered",
			Expr: `decision.denied > 0 && decision.outcome == "delivered" && decision.dispatched > 0`,
		},
		{
			Name: "low_confidence_command",
			Expr: `decision.intent_category == "command" && decision.intent_confidence < 0.3 && decision.action_count > 0`,
		},
	},
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// Auditor runs the asynchronous ethical audit: every appended decision
// record is evaluated against the CEL rule set and annotated with a
// verdict. Auditing never blocks the decision path.
type Auditor struct {
	graph *Graph
	rules []compiledRule

	queue chan string
	done  chan struct{}
	once  sync.Once
}

// NewAuditor compiles the audit policy at path (or the built-in baseline if
// path is empty) and wires itself to the graph's append hook.
func NewAuditor(g *Graph, path string) (*Auditor, error) {
	policy := defaultAuditPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit policy: %w", err)
		}
		policy = auditPolicy{}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("failed to parse audit policy %s: %w", path, err)
		}
	}

	env, err := cel.NewEnv(cel.Variable("decision", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to build audit environment: %w", err)
	}

	a := &Auditor{
		graph: g,
		queue: make(chan string, 256),
		done:  make(chan struct{}),
	}
	for _, r := range policy.Rules {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("audit rule needs both name and expr")
		}
		ast, iss := env.Compile(r.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("audit rule %s does not compile: %w", r.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("audit rule %s: %w", r.Name, err)
		}
		a.rules = append(a.rules, compiledRule{name: r.Name, prg: prg})
	}

	g.OnAppend(a.Submit)
	return a, nil
}

// Submit queues a record for auditing. Drops with a log line if the queue
// is full rather than stalling the decision path.
func (a *Auditor) Submit(id string) {
	select {
	case a.queue <- id:
	default:
		logging.S(logging.CategoryExplain).Warnw("audit queue full, dropping", "decision", id)
	}
}

// Start launches the audit worker.
func (a *Auditor) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-a.queue:
				if err := a.audit(ctx, id); err != nil {
					logging.S(logging.CategoryExplain).Warnw("ethical audit failed",
						"decision", id, "err", err)
				}
			}
		}
	}()
}

// Stop waits for the worker to exit. Call after cancelling the Start
// context.
func (a *Auditor) Stop() {
	a.once.Do(func() { <-a.done })
}

// audit evaluates one record against every rule and stores the verdict.
func (a *Auditor) audit(ctx context.Context, id string) error {
	rec, err := a.graph.Get(id)
	if err != nil {
		return err
	}

	input := map[string]any{"decision": auditView(rec)}
	var flagged []string
	for _, rule := range a.rules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			logging.S(logging.CategoryExplain).Warnw("audit rule errored",
				"rule", rule.name, "decision", id, "err", err)
			continue
		}
		if hit, ok := out.Value().(bool); ok && hit {
			flagged = append(flagged, rule.name)
		}
	}

	verdict := VerdictPass
	if len(flagged) > 0 {
		verdict = "flagged:" + strings.Join(flagged, ",")
	}
	return a.graph.setEthicalVerdict(ctx, id, verdict)
}

// auditView flattens a record into the map the CEL rules see.
func auditView(rec types.DecisionRecord) map[string]any {
	var allowed, denied, confirmations int
	for _, v := range rec.SafetyVerdicts {
		switch v {
		case types.VerdictAllow:
			allowed++
		case types.VerdictDeny:
			denied++
		case types.VerdictRequireConfirmation:
			confirmations++
		}
	}

	view := map[string]any{
		"outcome":           string(rec.Outcome),
		"degraded":          rec.Degraded,
		"response":          rec.Response,
		"action_count":      len(rec.ActionIDs),
		"knowledge_count":   len(rec.KnowledgeUsed),
		"allowed":           allowed,
		"denied":            denied,
		"confirmations":     confirmations,
		"dispatched":        allowed, // allowed actions are the ones that went out
		"intent_name":       "",
		"intent_category":   "",
		"intent_confidence": 0.0,
	}
	if rec.Intent != nil {
		view["intent_name"] = rec.Intent.Name
		view["intent_category"] = rec.Intent.Category
		view["intent_confidence"] = rec.Intent.Confidence
	}
	return view
}
