package core

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Well-known record field names
const (
	FieldHost     = "HOST"
	FieldProgram  = "PROGRAM"
	FieldPID      = "PID"
	FieldMessage  = "MESSAGE"
	FieldLevel    = "LEVEL"
	FieldFacility = "FACILITY"

	FieldClass     = ".classifier.class"
	FieldRuleID    = ".classifier.rule_id"
	FieldContextID = ".classifier.context_id"
)

// ClassUnknown is the class assigned to records no rule matched
const ClassUnknown = "unknown"

// DefaultClass is used for rules that do not declare a class
const DefaultClass = "system"

// Origin tells which path produced a record
type Origin int

const (
	// OriginOriginal is an ingested record
	OriginOriginal Origin = iota
	// OriginInternal is a synthetic record injected next to the original
	OriginInternal
	// OriginPassThrough is a synthetic record forwarded in place of the original
	OriginPassThrough
)

func (o Origin) String() string {
	switch o {
	case OriginInternal:
		return "internal"
	case OriginPassThrough:
		return "pass-through"
	default:
		return "original"
	}
}

// MarshalText encodes the origin by name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an origin name.
func (o *Origin) UnmarshalText(text []byte) error {
	switch string(text) {
	case "internal":
		*o = OriginInternal
	case "pass-through":
		*o = OriginPassThrough
	default:
		*o = OriginOriginal
	}
	return nil
}

// Record is a single log message as a set of named string fields.
type Record struct {
	ID        uuid.UUID         `json:"id" msgpack:"id"`
	Timestamp time.Time         `json:"timestamp" msgpack:"timestamp"`
	Fields    map[string]string `json:"fields" msgpack:"fields"`
	Tags      []string          `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Origin    Origin            `json:"origin" msgpack:"origin"`
}

// NewRecord creates an empty original record stamped with ts.
func NewRecord(ts time.Time) *Record {
	return &Record{
		ID:        uuid.New(),
		Timestamp: ts,
		Fields:    make(map[string]string),
	}
}

// NewMessage is a shorthand for a record carrying PROGRAM and MESSAGE.
func NewMessage(ts time.Time, program, message string) *Record {
	r := NewRecord(ts)
	if program != "" {
		r.Fields[FieldProgram] = program
	}
	r.Fields[FieldMessage] = message
	return r
}

// Get returns the value of a field and whether it is set.
func (r *Record) Get(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Value returns the value of a field or "" when unset.
func (r *Record) Value(name string) string {
	return r.Fields[name]
}

// Has reports whether the field is set.
func (r *Record) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// Set assigns a field.
func (r *Record) Set(name, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[name] = value
}

// Delete removes a field.
func (r *Record) Delete(name string) {
	delete(r.Fields, name)
}

// Program returns the PROGRAM field.
func (r *Record) Program() string {
	return r.Fields[FieldProgram]
}

// Message returns the MESSAGE field.
func (r *Record) Message() string {
	return r.Fields[FieldMessage]
}

// FieldNames returns the set field names in sorted order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AddTag adds a tag unless already present.
func (r *Record) AddTag(tag string) {
	if tag == "" || r.HasTag(tag) {
		return
	}
	r.Tags = append(r.Tags, tag)
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy with a fresh ID.
func (r *Record) Clone() *Record {
	c := &Record{
		ID:        uuid.New(),
		Timestamp: r.Timestamp,
		Fields:    make(map[string]string, len(r.Fields)),
		Origin:    r.Origin,
	}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	if len(r.Tags) > 0 {
		c.Tags = append([]string(nil), r.Tags...)
	}
	return c
}

// IsSynthetic reports whether the record was produced by a correlation action.
func (r *Record) IsSynthetic() bool {
	return r.Origin != OriginOriginal
}
