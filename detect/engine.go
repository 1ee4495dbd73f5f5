package detect

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/metrics"
)

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	Shards               int
	StrictInvariants     bool
	MaxContextMessages   int
	RateLimiterCacheSize int
	RegexTimeout         time.Duration
	Clock                core.Clock
}

// Engine classifies records and correlates the matches. It owns no goroutines:
// records come in through Process and time advances through AdvanceTime.
type Engine struct {
	current atomic.Pointer[Matcher]
	nextGen atomic.Uint64
	loadMu  sync.Mutex

	genMu       sync.Mutex
	generations map[uint64]*Matcher
	// sweepMu keeps sweep out while drained contexts are paired with their
	// generations.
	sweepMu sync.RWMutex

	store   ContextStore
	limiter *actionLimiter
	eval    core.Evaluator
	cfg     EngineConfig
	logger  *zap.SugaredLogger
}

// EngineStats provides statistics about the engine
type EngineStats struct {
	Database    *Info      `json:"database,omitempty"`
	Store       StoreStats `json:"store"`
	Generations []uint64   `json:"generations"`
	Limiters    int        `json:"limiters"`
}

// NewEngine creates an engine with no database loaded. Until Load succeeds
// every record passes through unclassified.
func NewEngine(cfg EngineConfig, eval core.Evaluator, logger *zap.SugaredLogger) (*Engine, error) {
	if eval == nil {
		return nil, fmt.Errorf("engine requires an evaluator")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	limiter, err := newActionLimiter(cfg.RateLimiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		generations: make(map[uint64]*Matcher),
		store:       NewContextStore(cfg.Shards, cfg.StrictInvariants, logger),
		limiter:     limiter,
		eval:        eval,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Load compiles db into a new generation and publishes it atomically. On
// error the current generation stays in place.
func (e *Engine) Load(db *core.Database) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	gen := e.nextGen.Add(1)
	m, err := Compile(db, e.eval, CompileOptions{Generation: gen, RegexTimeout: e.cfg.RegexTimeout})
	if err != nil {
		metrics.DatabaseLoads.WithLabelValues("error").Inc()
		e.logger.Errorw("Rule database rejected", "generation", gen, "error", err)
		return err
	}

	e.genMu.Lock()
	e.generations[gen] = m
	e.genMu.Unlock()

	prev := e.current.Swap(m)
	metrics.DatabaseLoads.WithLabelValues("ok").Inc()
	metrics.DatabaseGeneration.Set(float64(gen))

	info := m.Info()
	e.logger.Infow("Rule database loaded",
		"generation", gen,
		"rules", info.Rules,
		"programs", info.Programs,
		"version", info.Version)
	if prev != nil {
		e.logger.Debugw("Previous generation retired", "generation", prev.Generation())
	}
	e.sweep()
	return nil
}

// Matcher returns the published generation, or nil before the first Load.
func (e *Engine) Matcher() *Matcher {
	return e.current.Load()
}

// Store exposes the context store.
func (e *Engine) Store() ContextStore {
	return e.store
}

// Process handles one record at the engine clock's current time.
func (e *Engine) Process(rec *core.Record) []*core.Record {
	return e.ProcessAt(rec, e.cfg.Clock.Now())
}

// Classify applies the matching rule's captures, class, values and tags to
// rec without touching correlation state. It reports the rule that matched.
func (e *Engine) Classify(rec *core.Record) (*core.Rule, bool) {
	m := e.current.Load()
	if m == nil {
		rec.Set(core.FieldClass, core.ClassUnknown)
		return nil, false
	}
	res, ok := m.Match(rec.Program(), rec.Message())
	if !ok {
		rec.Set(core.FieldClass, core.ClassUnknown)
		return nil, false
	}
	e.classify(rec, res)
	return res.Rule, true
}

// ProcessAt classifies rec, correlates it and returns the records to forward:
// the original or the pass-through synthetic that replaces it, followed by the
// internal synthetics produced by the match.
func (e *Engine) ProcessAt(rec *core.Record, now time.Time) []*core.Record {
	start := time.Now()
	defer func() { metrics.MatchDuration.Observe(time.Since(start).Seconds()) }()

	m := e.acquire()
	if m == nil {
		rec.Set(core.FieldClass, core.ClassUnknown)
		metrics.RecordsClassified.WithLabelValues("unmatched").Inc()
		return []*core.Record{rec}
	}
	defer m.inflight.Add(-1)

	res, ok := m.Match(rec.Program(), rec.Message())
	if !ok {
		rec.Set(core.FieldClass, core.ClassUnknown)
		metrics.RecordsClassified.WithLabelValues("unmatched").Inc()
		return []*core.Record{rec}
	}
	metrics.RecordsClassified.WithLabelValues("matched").Inc()

	rule := res.Rule
	e.classify(rec, res)

	if rule.Context == nil {
		return e.processStateless(m, res, rec, now)
	}

	key, err := rule.Context.KeyTemplate.Render(core.SingleRecord{Record: rec})
	if err != nil {
		metrics.KeyRenderFailures.Inc()
		e.logger.Debugw("Context key did not render, passing record through",
			"rule_id", rule.ID, "key", rule.Context.Key, "error", err)
		return []*core.Record{rec}
	}
	ck := NewContextKey(rule.Context.Scope, rec, key)

	maxMessages := rule.Context.MaxMessages
	if maxMessages <= 0 {
		maxMessages = e.cfg.MaxContextMessages
	}

	forward := rec
	var injected []*core.Record
	e.store.Resolve(ck, res.Ref, now, rule.Context.Timeout, func(c *Context, created bool) bool {
		rec.Set(core.FieldContextID, c.ID)
		c.Append(rec, maxMessages)

		closeNow := false
		for _, i := range rule.MatchActions() {
			a := &rule.Actions[i]
			if !e.gate(a.Where, c, "condition", rule.ID) {
				continue
			}
			syn, fired := e.fire(m, res.Ref, rule, i, c, &ck, now)
			if !fired {
				continue
			}
			if a.Close {
				closeNow = true
			}
			if a.Inject == core.InjectPassThrough {
				forward = syn
			} else {
				injected = append(injected, syn)
			}
		}
		if closeNow {
			injected = append(injected, e.closeActions(m, res.Ref, rule, c, now)...)
		}
		return closeNow
	})

	return append([]*core.Record{forward}, injected...)
}

// acquire returns the published generation with its in-flight count raised,
// or nil before the first Load. The count is raised before the generation is
// confirmed as current, so sweep never releases a generation a record is
// about to use.
func (e *Engine) acquire() *Matcher {
	for {
		m := e.current.Load()
		if m == nil {
			return nil
		}
		m.inflight.Add(1)
		if e.current.Load() == m {
			return m
		}
		m.inflight.Add(-1)
	}
}

// processStateless runs the match actions of a rule without a context against
// the record alone.
func (e *Engine) processStateless(m *Matcher, res MatchResult, rec *core.Record, now time.Time) []*core.Record {
	rule := res.Rule
	single := core.SingleRecord{Record: rec}
	forward := rec
	var injected []*core.Record
	for _, i := range rule.MatchActions() {
		a := &rule.Actions[i]
		if !e.gate(a.Where, single, "condition", rule.ID) {
			continue
		}
		syn, fired := e.fire(m, res.Ref, rule, i, single, nil, now)
		if !fired {
			continue
		}
		if a.Inject == core.InjectPassThrough {
			forward = syn
		} else {
			injected = append(injected, syn)
		}
	}
	return append([]*core.Record{forward}, injected...)
}

// AdvanceTime closes every context whose deadline is not after now and
// returns the synthetic records of their close actions whose having gate holds.
func (e *Engine) AdvanceTime(now time.Time) []*core.Record {
	return e.expire(now, func(*Context) time.Time { return now })
}

// Flush closes every live context as if its deadline had been reached. The
// close actions of each context see its own deadline as the current time.
func (e *Engine) Flush() []*core.Record {
	return e.expire(endOfTime, func(c *Context) time.Time { return c.Deadline })
}

var endOfTime = time.Unix(1<<62, 0)

func (e *Engine) expire(now time.Time, at func(*Context) time.Time) []*core.Record {
	expired, gens := e.drain(now)
	var out []*core.Record
	for _, c := range expired {
		m := gens[c.Rule.Generation]
		if m == nil {
			metrics.InvariantViolations.WithLabelValues("missing_generation").Inc()
			e.logger.Warnw("Context outlived its rule generation, dropping",
				"context_id", c.ID, "generation", c.Rule.Generation)
			continue
		}
		rule := m.Rule(c.Rule.Index)
		if rule == nil {
			continue
		}
		out = append(out, e.closeActions(m, c.Rule, rule, c, at(c))...)
		e.logger.Debugw("Context expired",
			"context_id", c.ID, "rule_id", rule.ID, "key", c.Key.Key, "messages", c.Len())
	}
	if len(expired) > 0 {
		e.sweep()
	}
	return out
}

// drain removes the contexts due at now and resolves their generations before
// sweep can see that the contexts are gone.
func (e *Engine) drain(now time.Time) ([]*Context, map[uint64]*Matcher) {
	e.sweepMu.RLock()
	defer e.sweepMu.RUnlock()
	expired := e.store.DrainExpired(now)
	if len(expired) == 0 {
		return nil, nil
	}
	gens := make(map[uint64]*Matcher)
	for _, c := range expired {
		g := c.Rule.Generation
		if _, ok := gens[g]; !ok {
			gens[g] = e.generation(g)
		}
	}
	return expired, gens
}

// Shutdown drops every live context without evaluating it.
func (e *Engine) Shutdown() int {
	n := e.store.Clear()
	e.sweep()
	e.logger.Infow("Correlation contexts dropped", "count", n)
	return n
}

// GetStats returns statistics about the engine.
func (e *Engine) GetStats() EngineStats {
	stats := EngineStats{
		Store:    e.store.GetStats(),
		Limiters: e.limiter.len(),
	}
	if m := e.current.Load(); m != nil {
		info := m.Info()
		stats.Database = &info
	}
	e.genMu.Lock()
	for g := range e.generations {
		stats.Generations = append(stats.Generations, g)
	}
	e.genMu.Unlock()
	sort.Slice(stats.Generations, func(i, j int) bool { return stats.Generations[i] < stats.Generations[j] })
	return stats
}

func (e *Engine) classify(rec *core.Record, res MatchResult) {
	rule := res.Rule
	for _, c := range res.Captures {
		rec.Set(c.Name, c.Value)
	}
	rec.Set(core.FieldClass, rule.Class)
	rec.Set(core.FieldRuleID, rule.ID)

	single := core.SingleRecord{Record: rec}
	for _, vt := range rule.ValueTemplates {
		v, err := vt.Template.Render(single)
		if err != nil {
			e.diagnose("value", rule.ID, err)
		}
		rec.Set(vt.Name, v)
	}
	for _, t := range rule.Tags {
		rec.AddTag(t)
	}
}

// closeActions fires the timeout triggered actions of a closing context.
func (e *Engine) closeActions(m *Matcher, ref RuleRef, rule *core.Rule, c *Context, now time.Time) []*core.Record {
	var out []*core.Record
	key := c.Key
	for _, i := range rule.CloseActions() {
		a := &rule.Actions[i]
		if !e.gate(a.HavingGate, c, "having", rule.ID) {
			continue
		}
		if syn, fired := e.fire(m, ref, rule, i, c, &key, now); fired {
			out = append(out, syn)
		}
	}
	return out
}

func (e *Engine) fire(m *Matcher, ref RuleRef, rule *core.Rule, idx int, ctx core.EvalContext, key *ContextKey, now time.Time) (*core.Record, bool) {
	a := &rule.Actions[idx]
	limitKey := ""
	if key != nil {
		limitKey = key.String()
	}
	if !e.limiter.allow(ref, rule.ID, idx, a.Limit, limitKey, now) {
		metrics.ActionsRateLimited.Inc()
		return nil, false
	}

	level, _ := m.ClassLevel(rule.Class)
	syn, diags := Synthesize(ctx, key, a, rule, level, now)
	for _, err := range diags {
		e.diagnose("synthesis", rule.ID, err)
	}
	metrics.SyntheticRecords.WithLabelValues(a.Trigger.String(), a.Inject.String()).Inc()
	return syn, true
}

func (e *Engine) gate(cond core.Condition, ctx core.EvalContext, kind, ruleID string) bool {
	if cond == nil {
		return true
	}
	ok, err := cond.Eval(ctx)
	if err != nil {
		e.diagnose(kind, ruleID, err)
		return false
	}
	return ok
}

func (e *Engine) diagnose(kind, ruleID string, err error) {
	metrics.TemplateDiagnostics.WithLabelValues(kind).Inc()
	e.logger.Debugw("Template diagnostic", "kind", kind, "rule_id", ruleID, "error", err)
}

func (e *Engine) generation(g uint64) *Matcher {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.generations[g]
}

// sweep forgets retired generations that no live context or in-flight
// record still uses.
//
// A generation stops being current before its in-flight count is read, and
// contexts are counted only after that, so a record that was still working on
// a retired generation has either raised the count or already stored its
// context.
func (e *Engine) sweep() {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	cur := e.current.Load()
	var idle []uint64
	e.genMu.Lock()
	for g, m := range e.generations {
		if m != cur && m.inflight.Load() == 0 {
			idle = append(idle, g)
		}
	}
	retained := len(e.generations)
	e.genMu.Unlock()
	if len(idle) == 0 {
		metrics.GenerationsRetained.Set(float64(retained))
		return
	}

	live := e.store.LiveGenerations()
	e.genMu.Lock()
	defer e.genMu.Unlock()
	for _, g := range idle {
		if live[g] > 0 {
			continue
		}
		delete(e.generations, g)
		e.logger.Debugw("Rule generation released", "generation", g)
	}
	metrics.GenerationsRetained.Set(float64(len(e.generations)))
}
