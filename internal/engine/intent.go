package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mangleengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// Classifier is the optional semantic fallback for queries the rules can't
// read. A generator capability usually backs it.
type Classifier interface {
	Classify(ctx context.Context, text string) (*types.Intent, error)
}

// defaultIntentRules is the built-in datalog program. The query's tokens
// arrive as token/1 facts; intent/2 and target/1 are derived. The empty
// seed facts define the EDB predicates for analysis.
const defaultIntentRules = `
token("").
known_target("").

intent("turn_off", "command") :- token("turn"), token("off").
intent("turn_off", "command") :- token("switch"), token("off").
intent("turn_on", "command") :- token("turn"), token("on").
intent("turn_on", "command") :- token("switch"), token("on").
intent("stop", "command") :- token("stop").
intent("stop", "command") :- token("halt").
intent("move_to", "command") :- token("go"), token("to").
intent("move_to", "command") :- token("navigate").
intent("say", "command") :- token("say").
intent("say", "command") :- token("announce").
intent("status", "question") :- token("status").
intent("status", "question") :- token("battery").
intent("where", "question") :- token("where").

known_target("lights").
known_target("light").
known_target("heater").
known_target("door").
known_target("music").
known_target("camera").
known_target("fan").
known_target("main_drive").

target(T) :- token(T), known_target(T).
`

// Resolver turns query text into a structured intent. The rule matcher
// runs first; when no rule fires and a classifier is wired, the classifier
// gets a shot; otherwise a low-confidence statement intent comes back.
type Resolver struct {
	program    *analysis.ProgramInfo
	classifier Classifier
}

// NewResolver compiles the intent rules. rulesPath overrides the built-in
// program; classifier may be nil.
func NewResolver(rulesPath string, classifier Classifier) (*Resolver, error) {
	source := defaultIntentRules
	if rulesPath != "" {
		data, err := os.ReadFile(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read intent rules: %w", err)
		}
		source = string(data)
	}

	unit, err := parse.Unit(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("intent rules parse error: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("intent rules analysis error: %w", err)
	}
	return &Resolver{program: program, classifier: classifier}, nil
}

// Resolve determines the intent of a query. Deterministic given the rules:
// when several intents fire, the lexicographically first wins.
func (r *Resolver) Resolve(ctx context.Context, text string) (*types.Intent, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: query text is empty after tokenization", types.ErrValidation)
	}

	store := factstore.NewSimpleInMemoryStore()
	for _, tok := range tokens {
		store.Add(ast.NewAtom("token", ast.String(tok)))
	}
	if _, err := mangleengine.EvalProgramWithStats(r.program, store); err != nil {
		return nil, fmt.Errorf("intent rule evaluation failed: %w", err)
	}

	var matches [][2]string
	err := store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: "intent", Arity: 2}), func(a ast.Atom) error {
		name, _ := a.Args[0].(ast.Constant)
		category, _ := a.Args[1].(ast.Constant)
		matches = append(matches, [2]string{name.Symbol, category.Symbol})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var target string
	err = store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: "target", Arity: 1}), func(a ast.Atom) error {
		c, _ := a.Args[0].(ast.Constant)
		// The empty seed fact satisfies both body atoms; skip it.
		if c.Symbol != "" && (target == "" || c.Symbol < target) {
			target = c.Symbol
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(matches) > 0 {
		sort.Slice(matches, func(i, j int) bool { return matches[i][0] < matches[j][0] })
		intent := &types.Intent{
			Name:       matches[0][0],
			Category:   matches[0][1],
			Target:     target,
			Confidence: 0.9,
			Slots:      extractSlots(matches[0][0], tokens),
			ResolvedBy: "rules",
		}
		return intent, nil
	}

	if r.classifier != nil {
		intent, err := r.classifier.Classify(ctx, text)
		if err == nil && intent != nil {
			intent.ResolvedBy = "classifier"
			return intent, nil
		}
		logging.S(logging.CategoryIntent).Warnw("classifier fallback failed", "err", err)
	}

	// Nothing understood the query; treat it as a statement to remember.
	return &types.Intent{
		Name:       "note",
		Category:   "statement",
		Confidence: 0.2,
		ResolvedBy: "fallback",
	}, nil
}

// extractSlots pulls intent-specific slots out of the token stream.
func extractSlots(intent string, tokens []string) map[string]string {
	if intent != "move_to" {
		return nil
	}
	// Everything after "to" is the destination.
	for i, tok := range tokens {
		if tok == "to" && i+1 < len(tokens) {
			return map[string]string{"destination": strings.Join(tokens[i+1:], " ")}
		}
	}
	return nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:'\"()")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
