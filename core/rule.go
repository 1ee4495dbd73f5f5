package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Rule is one classification rule: the message shapes it accepts plus the
// correlation and action metadata attached to it.
//
// Fields tagged yaml:"-" are filled by the compiler. A compiled rule is never
// mutated again and is shared by the matcher and any live context.
type Rule struct {
	ID       string            `yaml:"id" json:"id" validate:"required"`
	Class    string            `yaml:"class,omitempty" json:"class,omitempty"`
	Patterns []string          `yaml:"patterns" json:"patterns" validate:"required,min=1,dive,required"`
	Values   map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
	Tags     []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Context  *ContextTemplate  `yaml:"context,omitempty" json:"context,omitempty"`
	Actions  []Action          `yaml:"actions,omitempty" json:"actions,omitempty" validate:"dive"`
	Examples []Example         `yaml:"examples,omitempty" json:"examples,omitempty" validate:"dive"`

	Paths          [][]Pattern     `yaml:"-" json:"-"`
	ValueTemplates []NamedTemplate `yaml:"-" json:"-"`
	Program        string          `yaml:"-" json:"-"`
	Ruleset        string          `yaml:"-" json:"-"`
}

// ContextTemplate describes how matching records are grouped into contexts.
type ContextTemplate struct {
	Key         string        `yaml:"key" json:"key" validate:"required"`
	Scope       ContextScope  `yaml:"scope,omitempty" json:"scope,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxMessages int           `yaml:"max_messages,omitempty" json:"max_messages,omitempty" validate:"gte=0"`
	Inherit     *InheritMode  `yaml:"inherit,omitempty" json:"inherit,omitempty"`

	KeyTemplate Template `yaml:"-" json:"-"`
}

// Action produces a synthetic record when its trigger fires.
type Action struct {
	Trigger   Trigger          `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Condition string           `yaml:"condition,omitempty" json:"condition,omitempty"`
	Having    string           `yaml:"having,omitempty" json:"having,omitempty"`
	Inject    InjectMode       `yaml:"inject,omitempty" json:"inject,omitempty"`
	Inherit   *InheritMode     `yaml:"inherit,omitempty" json:"inherit,omitempty"`
	Rate      string           `yaml:"rate,omitempty" json:"rate,omitempty"`
	Close     bool             `yaml:"close,omitempty" json:"close,omitempty"`
	Message   SyntheticMessage `yaml:"message" json:"message"`

	Where       Condition   `yaml:"-" json:"-"`
	HavingGate  Condition   `yaml:"-" json:"-"`
	Limit       *RateLimit  `yaml:"-" json:"-"`
	Inheritance InheritMode `yaml:"-" json:"-"`
}

// SyntheticMessage is the template of a record produced by an action.
type SyntheticMessage struct {
	Program string            `yaml:"program,omitempty" json:"program,omitempty"`
	Message string            `yaml:"message,omitempty" json:"message,omitempty"`
	Values  map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
	Tags    []string          `yaml:"tags,omitempty" json:"tags,omitempty"`

	ProgramTemplate Template        `yaml:"-" json:"-"`
	MessageTemplate Template        `yaml:"-" json:"-"`
	ValueTemplates  []NamedTemplate `yaml:"-" json:"-"`
}

// NamedTemplate binds a compiled template to the field it renders into.
type NamedTemplate struct {
	Name     string
	Template Template
}

// Example is a sample message a rule must classify, with the values it must bind.
type Example struct {
	Program string            `yaml:"program,omitempty" json:"program,omitempty"`
	Message string            `yaml:"message" json:"message" validate:"required"`
	Values  map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
	Tags    []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// RateLimit caps how often an action may fire per context key.
type RateLimit struct {
	Burst  int
	Period time.Duration
}

// ParseRateLimit parses "N/period". The period is a Go duration or a plain
// number of seconds.
func ParseRateLimit(s string) (*RateLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	num, per, ok := strings.Cut(s, "/")
	if !ok {
		per = "1"
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: rate %q: burst must be a positive integer", ErrInvalidEnum, s)
	}
	per = strings.TrimSpace(per)
	var period time.Duration
	if secs, err := strconv.Atoi(per); err == nil {
		period = time.Duration(secs) * time.Second
	} else if period, err = time.ParseDuration(per); err != nil {
		return nil, fmt.Errorf("%w: rate %q: %v", ErrInvalidEnum, s, err)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: rate %q: period must be positive", ErrInvalidEnum, s)
	}
	return &RateLimit{Burst: n, Period: period}, nil
}

// MatchActions returns the indexes of actions fired by a match, in order.
func (r *Rule) MatchActions() []int {
	return r.actionsBy(TriggerMatch)
}

// CloseActions returns the indexes of actions fired when the context closes.
func (r *Rule) CloseActions() []int {
	return r.actionsBy(TriggerTimeout)
}

func (r *Rule) actionsBy(t Trigger) []int {
	var idx []int
	for i := range r.Actions {
		if r.Actions[i].Trigger == t {
			idx = append(idx, i)
		}
	}
	return idx
}

// Correlates reports whether matches of this rule are grouped into contexts.
func (r *Rule) Correlates() bool {
	return r.Context != nil
}

// SortedKeys returns map keys in order so template evaluation is deterministic.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
