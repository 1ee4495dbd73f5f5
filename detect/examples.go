package detect

import (
	"fmt"
	"sort"

	"patterndb/core"
)

// ExampleResult is the outcome of classifying one rule example.
type ExampleResult struct {
	RuleID  string       `json:"rule_id"`
	Index   int          `json:"index"`
	Example core.Example `json:"example"`
	// MatchedRule is the rule that actually classified the example, if any
	MatchedRule string   `json:"matched_rule,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// Passed reports whether the example classified as declared.
func (r ExampleResult) Passed() bool {
	return len(r.Errors) == 0
}

// CheckExamples classifies every rule example of the current database and
// reports, per example, whether it matched its own rule with the declared
// values and tags. No contexts are opened.
func (e *Engine) CheckExamples() []ExampleResult {
	m := e.current.Load()
	if m == nil {
		return nil
	}
	now := e.cfg.Clock.Now()

	var out []ExampleResult
	for _, rule := range m.Rules() {
		for i, ex := range rule.Examples {
			program := ex.Program
			if program == "" {
				program = rule.Program
			}
			rec := core.NewMessage(now, program, ex.Message)
			res := ExampleResult{RuleID: rule.ID, Index: i, Example: ex}

			got, ok := e.Classify(rec)
			switch {
			case !ok:
				res.Errors = append(res.Errors, "no rule matched")
			case got.ID != rule.ID:
				res.MatchedRule = got.ID
				res.Errors = append(res.Errors, fmt.Sprintf("matched rule %q instead", got.ID))
			default:
				res.MatchedRule = got.ID
				res.Errors = append(res.Errors, compareExample(ex, rec)...)
			}
			out = append(out, res)
		}
	}
	return out
}

func compareExample(ex core.Example, rec *core.Record) []string {
	var errs []string
	names := make([]string, 0, len(ex.Values))
	for name := range ex.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := ex.Values[name]
		got, ok := rec.Get(name)
		if !ok {
			errs = append(errs, fmt.Sprintf("value %s not bound, want %q", name, want))
		} else if got != want {
			errs = append(errs, fmt.Sprintf("value %s = %q, want %q", name, got, want))
		}
	}
	for _, tag := range ex.Tags {
		if !rec.HasTag(tag) {
			errs = append(errs, fmt.Sprintf("tag %s missing", tag))
		}
	}
	return errs
}
