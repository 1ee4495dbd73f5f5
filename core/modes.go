package core

import (
	"fmt"
	"strings"
)

// ContextScope selects which record properties take part in a context identity.
// The zero value is the narrowest scope.
type ContextScope int

const (
	ScopeProcess ContextScope = iota
	ScopeProgram
	ScopeHost
	ScopeGlobal
)

func (s ContextScope) String() string {
	switch s {
	case ScopeProgram:
		return "program"
	case ScopeHost:
		return "host"
	case ScopeGlobal:
		return "global"
	default:
		return "process"
	}
}

// ParseContextScope parses a scope name.
func ParseContextScope(s string) (ContextScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "process":
		return ScopeProcess, nil
	case "program":
		return ScopeProgram, nil
	case "host":
		return ScopeHost, nil
	case "global":
		return ScopeGlobal, nil
	}
	return ScopeProcess, fmt.Errorf("%w: context scope %q", ErrInvalidEnum, s)
}

func (s ContextScope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ContextScope) UnmarshalText(text []byte) error {
	v, err := ParseContextScope(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InjectMode decides whether a synthetic record supplements or replaces the original.
type InjectMode int

const (
	InjectInternal InjectMode = iota
	InjectPassThrough
)

func (m InjectMode) String() string {
	if m == InjectPassThrough {
		return "pass-through"
	}
	return "internal"
}

// Origin maps the inject mode to the origin tag of produced records.
func (m InjectMode) Origin() Origin {
	if m == InjectPassThrough {
		return OriginPassThrough
	}
	return OriginInternal
}

// ParseInjectMode parses an inject mode name.
func ParseInjectMode(s string) (InjectMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "internal":
		return InjectInternal, nil
	case "pass-through", "passthrough", "pass_through":
		return InjectPassThrough, nil
	}
	return InjectInternal, fmt.Errorf("%w: inject mode %q", ErrInvalidEnum, s)
}

func (m InjectMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *InjectMode) UnmarshalText(text []byte) error {
	v, err := ParseInjectMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// InheritMode selects which fields a synthetic record copies from context members.
// The zero value inherits the fields shared by every member.
type InheritMode int

const (
	InheritContext InheritMode = iota
	InheritNone
	InheritLastMessage
)

func (m InheritMode) String() string {
	switch m {
	case InheritNone:
		return "none"
	case InheritLastMessage:
		return "last-message"
	default:
		return "context"
	}
}

// ParseInheritMode parses an inherit mode. "true" and "false" are accepted as
// aliases of last-message and none.
func ParseInheritMode(s string) (InheritMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "context":
		return InheritContext, nil
	case "none", "false":
		return InheritNone, nil
	case "last-message", "last_message", "true":
		return InheritLastMessage, nil
	}
	return InheritContext, fmt.Errorf("%w: inherit mode %q", ErrInvalidEnum, s)
}

func (m InheritMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *InheritMode) UnmarshalText(text []byte) error {
	v, err := ParseInheritMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Trigger tells when an action fires.
type Trigger int

const (
	// TriggerMatch fires on every matching record whose condition holds
	TriggerMatch Trigger = iota
	// TriggerTimeout fires once when the context closes and its having gate holds
	TriggerTimeout
)

func (t Trigger) String() string {
	if t == TriggerTimeout {
		return "timeout"
	}
	return "match"
}

// ParseTrigger parses a trigger name.
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "match":
		return TriggerMatch, nil
	case "timeout", "close":
		return TriggerTimeout, nil
	}
	return TriggerMatch, fmt.Errorf("%w: trigger %q", ErrInvalidEnum, s)
}

func (t Trigger) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Trigger) UnmarshalText(text []byte) error {
	v, err := ParseTrigger(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
