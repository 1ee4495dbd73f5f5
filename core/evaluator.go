package core

import "time"

// EvalContext is what conditions and templates are evaluated against: a single
// record or the members of a correlation context.
type EvalContext interface {
	// Newest returns the most recently appended record.
	Newest() *Record
	// Messages returns the retained records, oldest first.
	Messages() []*Record
	// Len returns the number of records that joined, including trimmed ones.
	Len() int
}

// Condition is a compiled boolean expression.
type Condition interface {
	Eval(ctx EvalContext) (bool, error)
	String() string
}

// Template is a compiled string template. Render always returns the best
// effort output; the error reports unresolved references.
type Template interface {
	Render(ctx EvalContext) (string, error)
	String() string
}

// Evaluator compiles condition and template sources into opaque handles.
type Evaluator interface {
	CompileCondition(src string) (Condition, error)
	CompileTemplate(src string) (Template, error)
}

// Clock supplies the current time to the correlation engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SingleRecord adapts one record to EvalContext.
type SingleRecord struct {
	Record *Record
}

func (s SingleRecord) Newest() *Record     { return s.Record }
func (s SingleRecord) Messages() []*Record { return []*Record{s.Record} }
func (s SingleRecord) Len() int            { return 1 }
