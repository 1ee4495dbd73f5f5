// Package expression compiles the conditions and templates referenced by rule
// databases. Conditions are expr programs evaluated against a record or a
// correlation context; templates interleave literal text, field references
// and embedded expressions.
package expression

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"patterndb/core"
)

// DefaultCacheSize bounds the number of distinct compiled programs kept.
const DefaultCacheSize = 4096

// Evaluator implements core.Evaluator on top of expr.
type Evaluator struct {
	programs *lru.Cache[string, *vm.Program]
	logger   *zap.SugaredLogger
}

// NewEvaluator creates an evaluator with a program cache of cacheSize entries.
func NewEvaluator(cacheSize int, logger *zap.SugaredLogger) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *vm.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Evaluator{programs: cache, logger: logger}, nil
}

// CompileCondition compiles a boolean expression. An empty source always holds.
func (e *Evaluator) CompileCondition(src string) (core.Condition, error) {
	if src == "" {
		return alwaysTrue{}, nil
	}
	prog, err := e.compile(src, true)
	if err != nil {
		return nil, err
	}
	return &condition{src: src, program: prog}, nil
}

// CompileTemplate parses a template and compiles its embedded expressions.
func (e *Evaluator) CompileTemplate(src string) (core.Template, error) {
	segs, err := parseTemplate(src)
	if err != nil {
		return nil, err
	}
	for i := range segs {
		if segs[i].kind != segExpr {
			continue
		}
		prog, err := e.compile(segs[i].text, false)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", src, err)
		}
		segs[i].program = prog
	}
	return &template{src: src, segments: segs}, nil
}

// CachedPrograms returns the number of compiled programs held in the cache.
func (e *Evaluator) CachedPrograms() int {
	return e.programs.Len()
}

func (e *Evaluator) compile(src string, asBool bool) (*vm.Program, error) {
	key := src
	if asBool {
		key = "bool:" + src
	}
	if prog, ok := e.programs.Get(key); ok {
		return prog, nil
	}

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	prog, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", src, err)
	}
	e.programs.Add(key, prog)
	e.logger.Debugw("Compiled expression", "expression", src)
	return prog, nil
}

type alwaysTrue struct{}

func (alwaysTrue) Eval(core.EvalContext) (bool, error) { return true, nil }
func (alwaysTrue) String() string                      { return "" }

type condition struct {
	src     string
	program *vm.Program
}

func (c *condition) Eval(ctx core.EvalContext) (bool, error) {
	out, err := expr.Run(c.program, newEnv(ctx))
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, not bool", c.src, out)
	}
	return b, nil
}

func (c *condition) String() string { return c.src }
