package detect

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/armon/go-radix"

	"patterndb/core"
)

// Supported rule database document versions. Zero means unversioned.
const (
	MinDatabaseVersion = 3
	MaxDatabaseVersion = 6
)

// RuleRef identifies a compiled rule by generation and arena index. Tries and
// contexts hold RuleRefs, never rule pointers.
type RuleRef struct {
	Generation uint64
	Index      int
}

// MatchResult is the outcome of a successful lookup.
type MatchResult struct {
	Ref      RuleRef
	Rule     *core.Rule
	Captures []Capture
}

// Bindings returns the captures as a name to value map.
func (r MatchResult) Bindings() map[string]string {
	b := make(map[string]string, len(r.Captures))
	for _, c := range r.Captures {
		b[c.Name] = c.Value
	}
	return b
}

// CompileOptions tune a compile run.
type CompileOptions struct {
	Generation   uint64
	RegexTimeout time.Duration
}

// Matcher is one immutable generation of the compiled rule database. It is
// safe for concurrent lookups.
type Matcher struct {
	generation  uint64
	rules       []*core.Rule
	byID        map[string]int
	programs    *radix.Tree
	fallback    *trie
	classLevels map[string]string
	version     int
	pubDate     string
	compiledAt  time.Time

	inflight atomic.Int64
}

// Compile builds a matcher generation from a database document. Either the
// whole document compiles or an error is returned and nothing is built.
func Compile(db *core.Database, eval core.Evaluator, opts CompileOptions) (*Matcher, error) {
	if db == nil || db.RuleCount() == 0 {
		return nil, ErrEmptyDatabase
	}
	if db.Version != 0 && (db.Version < MinDatabaseVersion || db.Version > MaxDatabaseVersion) {
		return nil, fmt.Errorf("%w: %d (supported %d-%d)", ErrUnsupportedVersion, db.Version, MinDatabaseVersion, MaxDatabaseVersion)
	}
	if opts.RegexTimeout <= 0 {
		opts.RegexTimeout = DefaultRegexTimeout
	}

	m := &Matcher{
		generation:  opts.Generation,
		byID:        make(map[string]int, db.RuleCount()),
		programs:    radix.New(),
		classLevels: make(map[string]string, len(db.ClassLevels)),
		version:     db.Version,
		pubDate:     db.PubDate,
		compiledAt:  time.Now(),
	}
	for k, v := range db.ClassLevels {
		m.classLevels[k] = v
	}

	for si := range db.Rulesets {
		rs := &db.Rulesets[si]
		tries := m.partitions(rs, opts.RegexTimeout)

		for ri := range rs.Rules {
			rule, err := compileRule(&rs.Rules[ri], rs, eval)
			if err != nil {
				return nil, err
			}
			if prev, dup := m.byID[rule.ID]; dup {
				return nil, fmt.Errorf("%w: %q defined in rulesets %q and %q",
					ErrDuplicateRuleID, rule.ID, m.rules[prev].Ruleset, rule.Ruleset)
			}
			idx := len(m.rules)
			m.rules = append(m.rules, rule)
			m.byID[rule.ID] = idx

			for _, t := range tries {
				for _, path := range rule.Paths {
					owner, err := t.insert(path, idx)
					if err == nil {
						continue
					}
					if owner >= 0 && owner != idx {
						return nil, fmt.Errorf("%w: rules %q and %q share pattern %q",
							ErrAmbiguousPattern, m.rules[owner].ID, rule.ID, core.FormatPatterns(path))
					}
					if owner == idx {
						return nil, fmt.Errorf("%w: rule %q lists pattern %q twice",
							ErrAmbiguousPattern, rule.ID, core.FormatPatterns(path))
					}
					return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
				}
			}
		}
	}
	return m, nil
}

// partitions returns the tries a ruleset's rules go into, creating them on
// first use. Rulesets naming the same program share its trie.
func (m *Matcher) partitions(rs *core.Ruleset, regexTimeout time.Duration) []*trie {
	if len(rs.Programs) == 0 {
		if m.fallback == nil {
			m.fallback = newTrie(regexTimeout)
		}
		return []*trie{m.fallback}
	}
	tries := make([]*trie, 0, len(rs.Programs))
	for _, prog := range rs.Programs {
		if v, ok := m.programs.Get(prog); ok {
			tries = append(tries, v.(*trie))
			continue
		}
		t := newTrie(regexTimeout)
		m.programs.Insert(prog, t)
		tries = append(tries, t)
	}
	return tries
}

// Match classifies one message. The program selects the partition; programs
// without a dedicated ruleset use the rulesets that name no program.
func (m *Matcher) Match(program, message string) (MatchResult, bool) {
	t := m.fallback
	if v, ok := m.programs.Get(program); ok {
		t = v.(*trie)
	}
	if t == nil {
		return MatchResult{}, false
	}
	idx, caps, ok := t.lookup(message)
	if !ok {
		return MatchResult{}, false
	}
	return MatchResult{
		Ref:      RuleRef{Generation: m.generation, Index: idx},
		Rule:     m.rules[idx],
		Captures: caps,
	}, true
}

// Generation returns the generation number of this matcher.
func (m *Matcher) Generation() uint64 { return m.generation }

// Rule returns the rule at an arena index.
func (m *Matcher) Rule(idx int) *core.Rule {
	if idx < 0 || idx >= len(m.rules) {
		return nil
	}
	return m.rules[idx]
}

// RuleByID looks a rule up by id.
func (m *Matcher) RuleByID(id string) (*core.Rule, bool) {
	idx, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return m.rules[idx], true
}

// Rules returns all compiled rules in arena order.
func (m *Matcher) Rules() []*core.Rule {
	return m.rules
}

// ClassLevel returns the LEVEL configured for a rule class.
func (m *Matcher) ClassLevel(class string) (string, bool) {
	lvl, ok := m.classLevels[class]
	return lvl, ok
}

// Programs lists the programs with a dedicated partition, sorted.
func (m *Matcher) Programs() []string {
	var out []string
	m.programs.Walk(func(s string, _ interface{}) bool {
		out = append(out, s)
		return false
	})
	return out
}

// Info summarizes the compiled database.
type Info struct {
	Generation uint64    `json:"generation"`
	Version    int       `json:"version"`
	PubDate    string    `json:"pub_date,omitempty"`
	Rules      int       `json:"rules"`
	Programs   int       `json:"programs"`
	CompiledAt time.Time `json:"compiled_at"`
}

// Info returns a summary of this generation.
func (m *Matcher) Info() Info {
	return Info{
		Generation: m.generation,
		Version:    m.version,
		PubDate:    m.pubDate,
		Rules:      len(m.rules),
		Programs:   m.programs.Len(),
		CompiledAt: m.compiledAt,
	}
}

// Dump writes the trie of every partition whose program starts with prefix.
// The partition of programless rulesets is listed as "*".
func (m *Matcher) Dump(w io.Writer, prefix string) {
	ruleID := func(i int) string { return m.rules[i].ID }
	m.programs.WalkPrefix(prefix, func(prog string, v interface{}) bool {
		fmt.Fprintf(w, "program %s\n", prog)
		v.(*trie).dump(w, ruleID)
		return false
	})
	if m.fallback != nil && prefix == "" {
		fmt.Fprintln(w, "program *")
		m.fallback.dump(w, ruleID)
	}
}

// compileRule copies a rule definition and attaches its compiled patterns,
// templates and conditions.
func compileRule(def *core.Rule, rs *core.Ruleset, eval core.Evaluator) (*core.Rule, error) {
	r := *def
	r.Ruleset = rs.ID
	if r.Ruleset == "" {
		r.Ruleset = rs.Name
	}
	if len(rs.Programs) > 0 {
		r.Program = rs.Programs[0]
	}
	if r.Class == "" {
		r.Class = core.DefaultClass
	}

	r.Paths = make([][]core.Pattern, 0, len(def.Patterns))
	for _, src := range def.Patterns {
		path, err := core.ParsePattern(src)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		r.Paths = append(r.Paths, path)
	}

	var err error
	if r.ValueTemplates, err = compileValues(def.Values, eval); err != nil {
		return nil, fmt.Errorf("%w: rule %q values: %v", ErrInvalidTemplate, r.ID, err)
	}

	inherit := core.InheritContext
	if def.Context != nil {
		ctx := *def.Context
		if ctx.KeyTemplate, err = eval.CompileTemplate(ctx.Key); err != nil {
			return nil, fmt.Errorf("%w: rule %q context key: %v", ErrInvalidTemplate, r.ID, err)
		}
		if ctx.Timeout <= 0 {
			return nil, fmt.Errorf("%w: rule %q context timeout must be positive", ErrInvalidRule, r.ID)
		}
		if ctx.Inherit != nil {
			inherit = *ctx.Inherit
		}
		r.Context = &ctx
	}

	r.Actions = make([]core.Action, len(def.Actions))
	passThrough := 0
	for i := range def.Actions {
		a := def.Actions[i]
		if err := compileAction(&a, inherit, eval); err != nil {
			return nil, fmt.Errorf("%w: rule %q action %d: %v", ErrInvalidTemplate, r.ID, i, err)
		}
		if r.Context == nil && (a.Trigger == core.TriggerTimeout || a.Close) {
			return nil, fmt.Errorf("%w: rule %q action %d needs a context to close", ErrInvalidRule, r.ID, i)
		}
		if a.Trigger == core.TriggerMatch && a.Inject == core.InjectPassThrough {
			passThrough++
		}
		r.Actions[i] = a
	}
	if passThrough > 1 {
		return nil, fmt.Errorf("%w: rule %q has %d pass-through match actions, at most one may replace a record",
			ErrInvalidRule, r.ID, passThrough)
	}
	return &r, nil
}

func compileAction(a *core.Action, inherit core.InheritMode, eval core.Evaluator) error {
	var err error
	if a.Where, err = eval.CompileCondition(a.Condition); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	if a.HavingGate, err = eval.CompileCondition(a.Having); err != nil {
		return fmt.Errorf("having: %w", err)
	}
	if a.Limit, err = core.ParseRateLimit(a.Rate); err != nil {
		return err
	}
	a.Inheritance = inherit
	if a.Inherit != nil {
		a.Inheritance = *a.Inherit
	}

	msg := &a.Message
	if msg.Program != "" {
		if msg.ProgramTemplate, err = eval.CompileTemplate(msg.Program); err != nil {
			return fmt.Errorf("program: %w", err)
		}
	}
	if msg.Message != "" {
		if msg.MessageTemplate, err = eval.CompileTemplate(msg.Message); err != nil {
			return fmt.Errorf("message: %w", err)
		}
	}
	if msg.ValueTemplates, err = compileValues(msg.Values, eval); err != nil {
		return fmt.Errorf("values: %w", err)
	}
	return nil
}

func compileValues(values map[string]string, eval core.Evaluator) ([]core.NamedTemplate, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]core.NamedTemplate, 0, len(values))
	for _, name := range core.SortedKeys(values) {
		tmpl, err := eval.CompileTemplate(values[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, core.NamedTemplate{Name: name, Template: tmpl})
	}
	return out, nil
}
