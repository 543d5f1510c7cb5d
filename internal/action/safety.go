package action

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// safetyRule is one policy entry: a CEL predicate over the action and the
// verdict applied when it matches. Rules run in file order; the first match
// wins and the default is allow.
type safetyRule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Verdict string `yaml:"verdict"` // "deny" or "require_confirmation"
}

type safetyPolicyFile struct {
	Rules []safetyRule `yaml:"rules"`
}

// defaultSafetyRules ship as a baseline: physical actuation on protected
// targets needs confirmation, and nothing may touch the safety interlocks.
var defaultSafetyRules = []safetyRule{
	{
		Name:    "never_disable_safety_interlocks",
		Expr:    `action.target == "safety_interlock" || action.target == "emergency_stop"`,
		Verdict: "deny",
	},
	{
		Name:    "confirm_high_power_actuation",
		Expr:    `action.type == "actuator_command" && action.target in ["main_drive", "arm", "gripper"]`,
		Verdict: "require_confirmation",
	},
}

type compiledSafetyRule struct {
	name    string
	prg     cel.Program
	verdict types.Verdict
}

// SafetyEngine evaluates action requests against the hot-reloadable safety
// policy. Evaluation is synchronous and happens before any dispatch.
type SafetyEngine struct {
	path    string
	env     *cel.Env
	rules   atomic.Pointer[[]compiledSafetyRule]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSafetyEngine compiles the policy at path, or the built-in baseline
// when path is empty.
func NewSafetyEngine(path string) (*SafetyEngine, error) {
	env, err := cel.NewEnv(cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to build safety environment: %w", err)
	}
	s := &SafetyEngine{path: path, env: env}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SafetyEngine) reload() error {
	rules := defaultSafetyRules
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("failed to read safety policy: %w", err)
		}
		var f safetyPolicyFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse safety policy %s: %w", s.path, err)
		}
		rules = f.Rules
	}

	compiled := make([]compiledSafetyRule, 0, len(rules))
	for _, r := range rules {
		var verdict types.Verdict
		switch r.Verdict {
		case "deny":
			verdict = types.VerdictDeny
		case "require_confirmation":
			verdict = types.VerdictRequireConfirmation
		default:
			return fmt.Errorf("safety rule %s has unknown verdict %q", r.Name, r.Verdict)
		}
		ast, iss := s.env.Compile(r.Expr)
		if iss.Err() != nil {
			return fmt.Errorf("safety rule %s does not compile: %w", r.Name, iss.Err())
		}
		prg, err := s.env.Program(ast)
		if err != nil {
			return fmt.Errorf("safety rule %s: %w", r.Name, err)
		}
		compiled = append(compiled, compiledSafetyRule{name: r.Name, prg: prg, verdict: verdict})
	}
	s.rules.Store(&compiled)
	return nil
}

// Evaluate returns the verdict for an action and the name of the rule that
// produced it. Rules evaluate in order; first match wins; no match allows.
// A rule that errors at runtime fails closed to deny.
func (s *SafetyEngine) Evaluate(req *types.ActionRequest) (types.Verdict, string) {
	input := map[string]any{"action": safetyView(req)}
	for _, rule := range *s.rules.Load() {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			logging.S(logging.CategoryAction).Errorw("safety rule errored, denying",
				"rule", rule.name, "action", req.ID, "err", err)
			return types.VerdictDeny, rule.name
		}
		if hit, ok := out.Value().(bool); ok && hit {
			return rule.verdict, rule.name
		}
	}
	return types.VerdictAllow, ""
}

// safetyView flattens an action request into the map the policy sees.
func safetyView(req *types.ActionRequest) map[string]any {
	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	return map[string]any{
		"type":     req.Type,
		"target":   req.Target,
		"priority": int(req.Priority),
		"params":   params,
	}
}

// Watch reloads the policy when its file changes. A broken edit keeps the
// previous policy live; safety never goes unenforced during a reload.
func (s *SafetyEngine) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start safety watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	s.watcher = w
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
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
				if err := s.reload(); err != nil {
					log.Warnw("safety policy reload failed, keeping previous", "err", err)
					continue
				}
				log.Infow("safety policy reloaded", "path", s.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnw("safety watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *SafetyEngine) Close() {
	if s.watcher != nil {
		s.watcher.Close()
		<-s.done
	}
}
