// Package rules implements the declarative event routing table.
//
// Rules are loaded from a YAML file as an ordered list. Each rule carries
// optional source/resource exact-match filters and an expr predicate over
// the normalized event. Evaluation is strictly first-match-wins: rule order
// in the file is authoritative, and only the earliest matching rule fires.
// Overlapping predicates shadow each other silently at runtime, so the
// loader warns about detectable overlaps up front.
package rules

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// File is the on-disk shape of the routing table.
type File struct {
	Rules []models.Rule `yaml:"rules"`
}

// compiledRule pairs a rule with its compiled predicate program.
type compiledRule struct {
	rule models.Rule
	prog *vm.Program // nil when When is empty
}

// Engine evaluates the ordered rule list against normalized events.
// Engines are immutable after Load and safe for concurrent use.
type Engine struct {
	rules []compiledRule
}

// Load reads and compiles a routing table from a YAML file.
// A missing file is an error: the gateway without rules routes nothing,
// which is never what a deployment wants.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	return Parse(data)
}

// Parse compiles a routing table from raw YAML bytes.
func Parse(data []byte) (*Engine, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	return New(f.Rules)
}

// New compiles an ordered rule list into an Engine. It validates rule
// names, actions, and predicate syntax, and logs a warning for each pair
// of rules the static overlap check flags.
func New(ruleList []models.Rule) (*Engine, error) {
	seen := make(map[string]bool, len(ruleList))
	compiled := make([]compiledRule, 0, len(ruleList))

	for i, r := range ruleList {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: missing name", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if r.Action == "" {
			return nil, fmt.Errorf("rule %q: missing action", r.Name)
		}
		if r.Source != "" && !models.ValidSource(models.Source(r.Source)) {
			return nil, fmt.Errorf("rule %q: unknown source %q", r.Name, r.Source)
		}

		cr := compiledRule{rule: r}
		if r.When != "" {
			prog, err := expr.Compile(r.When, expr.Env(predicateEnv(nil)), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("rule %q: compile predicate: %w", r.Name, err)
			}
			cr.prog = prog
		}
		compiled = append(compiled, cr)
	}

	warnOverlaps(ruleList)
	return &Engine{rules: compiled}, nil
}

// Rules returns the rule list in evaluation order.
func (e *Engine) Rules() []models.Rule {
	out := make([]models.Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// ActionNames returns the distinct action names the rules reference, in
// first-use order. Used at startup to validate the rule table against the
// action registry.
func (e *Engine) ActionNames() []string {
	seen := make(map[string]bool, len(e.rules))
	var names []string
	for _, cr := range e.rules {
		if !seen[cr.rule.Action] {
			seen[cr.rule.Action] = true
			names = append(names, cr.rule.Action)
		}
	}
	return names
}

// Match evaluates rules in order and returns the first whose filters and
// predicate match. The second return is false when no rule matched, which
// is a valid terminal outcome, not an error.
//
// Predicates are total: a runtime evaluation error counts as a non-match
// and the next rule is tried.
func (e *Engine) Match(ev *models.Event) (*models.Rule, bool) {
	env := predicateEnv(ev)
	for i := range e.rules {
		cr := &e.rules[i]
		if cr.rule.Source != "" && cr.rule.Source != string(ev.Source) {
			continue
		}
		if cr.rule.Resource != "" && cr.rule.Resource != ev.Resource {
			continue
		}
		if cr.prog == nil {
			return &cr.rule, true
		}
		out, err := expr.Run(cr.prog, env)
		if err != nil {
			log.Debug().
				Str("rule", cr.rule.Name).
				Err(err).
				Msg("predicate evaluation error, treating as non-match")
			continue
		}
		if ok, _ := out.(bool); ok {
			return &cr.rule, true
		}
	}
	return nil, false
}

// predicateEnv builds the expression environment for an event. With a nil
// event it returns the typed shape used at compile time.
func predicateEnv(ev *models.Event) map[string]any {
	if ev == nil {
		return map[string]any{
			"source":         "",
			"resource":       "",
			"record_id":      "",
			"changed_fields": []string{},
			"current":        map[string]any{},
			"previous":       map[string]any{},
			"changed":        func(string) bool { return false },
		}
	}
	current := ev.CurrentValues
	if current == nil {
		current = map[string]any{}
	}
	previous := ev.PreviousValues
	if previous == nil {
		previous = map[string]any{}
	}
	changedFields := ev.ChangedFields
	if changedFields == nil {
		changedFields = []string{}
	}
	return map[string]any{
		"source":         string(ev.Source),
		"resource":       ev.Resource,
		"record_id":      ev.RecordID,
		"changed_fields": changedFields,
		"current":        current,
		"previous":       previous,
		"changed":        ev.HasChangedField,
	}
}

// warnOverlaps flags rule pairs that can be satisfied by the same event as
// far as a static check can tell: identical source/resource filters with
// identical predicates, or an earlier unconditional rule shadowing a later
// one. Ordering stays authoritative; the warning exists because a shadowed
// rule is almost always a configuration mistake.
func warnOverlaps(ruleList []models.Rule) {
	for i := 0; i < len(ruleList); i++ {
		for j := i + 1; j < len(ruleList); j++ {
			a, b := ruleList[i], ruleList[j]
			if a.Source != b.Source || a.Resource != b.Resource {
				continue
			}
			if a.When == b.When || a.When == "" {
				log.Warn().
					Str("rule", a.Name).
					Str("shadowed", b.Name).
					Msg("routing rules overlap: first match wins, later rule may never fire")
			}
		}
	}
}
