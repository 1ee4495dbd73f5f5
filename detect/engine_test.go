package detect

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/metrics"
)

func loginDB(inject string) string {
	return fmt.Sprintf(`
version: 6
class_levels:
  violation: warning
rulesets:
  - id: auth
    rules:
      - id: R1
        class: violation
        patterns: ["login failed for @STRING:user@"]
        context:
          key: "$user"
          scope: global
          timeout: 60s
        actions:
          - trigger: timeout
            having: "context_length >= 3"
            inject: %s
            message:
              program: patterndb
              message: "$(context_length) failed logins for ${user}"
              values:
                attempts: "$(context_length)"
`, inject)
}

func process(e *Engine, sec int, message string) []*core.Record {
	return e.ProcessAt(core.NewMessage(at(sec), "login", message), at(sec))
}

func TestEngine_LoginFailedScenario(t *testing.T) {
	for _, inject := range []string{"internal", "pass-through"} {
		t.Run(inject, func(t *testing.T) {
			e := newTestEngine(t, loginDB(inject))

			for _, sec := range []int{0, 10, 20} {
				out := process(e, sec, "login failed for bob")
				require.Len(t, out, 1, "having is only evaluated at close")
				assert.Equal(t, core.OriginOriginal, out[0].Origin)
				assert.Equal(t, "violation", out[0].Value(core.FieldClass))
				assert.Equal(t, "bob", out[0].Value("user"))
				assert.NotEmpty(t, out[0].Value(core.FieldContextID))
			}
			assert.Equal(t, 1, e.Store().Len())

			assert.Empty(t, e.AdvanceTime(at(61)), "the timeout slides with every match")

			out := e.AdvanceTime(at(80))
			require.Len(t, out, 1)
			syn := out[0]
			assert.Equal(t, "3 failed logins for bob", syn.Message())
			assert.Equal(t, "3", syn.Value("attempts"))
			assert.Equal(t, "bob", syn.Value("user"))
			assert.Equal(t, "patterndb", syn.Program())
			assert.Equal(t, "warning", syn.Value(core.FieldLevel))
			assert.Equal(t, "R1", syn.Value(core.FieldRuleID))
			if inject == "internal" {
				assert.Equal(t, core.OriginInternal, syn.Origin)
			} else {
				assert.Equal(t, core.OriginPassThrough, syn.Origin)
			}

			assert.Empty(t, e.AdvanceTime(at(80)))
			assert.Equal(t, 0, e.Store().Len())
		})
	}
}

func TestEngine_HavingFalseEmitsNothing(t *testing.T) {
	e := newTestEngine(t, loginDB("internal"))

	process(e, 0, "login failed for alice")
	process(e, 1, "login failed for alice")
	process(e, 2, "login failed for carol")

	assert.Empty(t, e.AdvanceTime(at(120)))
	assert.Equal(t, 0, e.Store().Len())
}

func TestEngine_Unmatched(t *testing.T) {
	e := newTestEngine(t, loginDB("internal"))

	rec := core.NewMessage(at(0), "login", "something else")
	out := e.ProcessAt(rec, at(0))
	require.Len(t, out, 1)
	assert.Same(t, rec, out[0])
	assert.Equal(t, core.ClassUnknown, rec.Value(core.FieldClass))
}

func TestEngine_NoDatabase(t *testing.T) {
	e := newTestEngine(t, "")
	out := e.ProcessAt(core.NewMessage(at(0), "p", "m"), at(0))
	require.Len(t, out, 1)
	assert.Equal(t, core.ClassUnknown, out[0].Value(core.FieldClass))
	assert.Empty(t, e.AdvanceTime(at(100)))
}

const matchActionsDB = `
rulesets:
  - rules:
      - id: conn
        class: net
        patterns: ["conn @STRING:state@ from @IPv4:ip@"]
        values:
          peer: "$ip"
        tags: [network]
        context:
          key: "$ip"
          timeout: 30s
          max_messages: 2
        actions:
          - condition: 'state == "opened"'
            inject: internal
            message:
              message: "opened by $ip"
          - condition: 'state == "closed"'
            inject: pass-through
            close: true
            message:
              message: "session $ip ended after $(context_length) events"
          - trigger: timeout
            message:
              message: "session $ip closed"
      - id: alert
        patterns: ["alert @ANYSTRING:text@"]
        actions:
          - inherit: last-message
            rate: 2/1m
            message:
              message: "ALERT $text"
`

func TestEngine_MatchActionsAndInjectModes(t *testing.T) {
	e := newTestEngine(t, matchActionsDB)

	out := process(e, 0, "conn opened from 10.1.1.1")
	require.Len(t, out, 2)
	assert.Equal(t, core.OriginOriginal, out[0].Origin)
	assert.Equal(t, "10.1.1.1", out[0].Value("peer"))
	assert.True(t, out[0].HasTag("network"))
	assert.Equal(t, core.OriginInternal, out[1].Origin)
	assert.Equal(t, "opened by 10.1.1.1", out[1].Message())

	out = process(e, 1, "conn data from 10.1.1.1")
	require.Len(t, out, 1)
	assert.Equal(t, core.OriginOriginal, out[0].Origin)

	// the closing pass-through action replaces the original and closes the
	// context, which runs the timeout actions right away
	out = process(e, 2, "conn closed from 10.1.1.1")
	require.Len(t, out, 2)
	assert.Equal(t, core.OriginPassThrough, out[0].Origin)
	assert.Equal(t, "session 10.1.1.1 ended after 3 events", out[0].Message())
	assert.Equal(t, core.OriginInternal, out[1].Origin)
	assert.Equal(t, "session 10.1.1.1 closed", out[1].Message())

	assert.Equal(t, 0, e.Store().Len())
	assert.Empty(t, e.AdvanceTime(at(1000)))
}

func TestEngine_StatelessRateLimitedAction(t *testing.T) {
	e := newTestEngine(t, matchActionsDB)

	var synthetic []*core.Record
	for i := 0; i < 5; i++ {
		out := process(e, i, "alert disk on fire")
		synthetic = append(synthetic, byOrigin(out, core.OriginInternal)...)
	}
	require.Len(t, synthetic, 2, "burst of two per minute")
	assert.Equal(t, "ALERT disk on fire", synthetic[0].Message())
	assert.Equal(t, "disk on fire", synthetic[0].Value("text"), "last-message inherits the captures")
	assert.Equal(t, 0, e.Store().Len())

	// tokens refill from the record timestamps, not the wall clock
	out := process(e, 40, "alert again")
	assert.Len(t, byOrigin(out, core.OriginInternal), 1)
}

func TestEngine_KeyRenderFailurePassesThrough(t *testing.T) {
	e := newTestEngine(t, `
rulesets:
  - rules:
      - id: keyed
        patterns: ["job @NUMBER:job@ done"]
        context:
          key: "$owner"
          timeout: 10s
        actions:
          - message:
              message: "never"
`)
	rec := core.NewMessage(at(0), "cron", "job 12 done")
	out := e.ProcessAt(rec, at(0))
	require.Len(t, out, 1)
	assert.Same(t, rec, out[0])
	assert.Equal(t, "12", rec.Value("job"), "the record is still classified")
	assert.False(t, rec.Has(core.FieldContextID))
	assert.Equal(t, 0, e.Store().Len())
}

func TestEngine_ReloadKeepsOldGenerationForLiveContexts(t *testing.T) {
	e := newTestEngine(t, loginDB("internal"))
	for _, sec := range []int{0, 1, 2} {
		process(e, sec, "login failed for bob")
	}

	require.NoError(t, e.Load(parseDB(t, matchActionsDB)))
	assert.Equal(t, []uint64{1, 2}, e.GetStats().Generations)

	_, ok := e.Matcher().RuleByID("R1")
	assert.False(t, ok)

	// the context opened under generation 1 still closes with its own rule
	out := e.AdvanceTime(at(62))
	require.Len(t, out, 1)
	assert.Equal(t, "3 failed logins for bob", out[0].Message())
	assert.Equal(t, []uint64{2}, e.GetStats().Generations)
}

func TestEngine_FailedLoadKeepsCurrent(t *testing.T) {
	e := newTestEngine(t, loginDB("internal"))
	before := e.Matcher()

	err := e.Load(&core.Database{Rulesets: []core.Ruleset{{Rules: []core.Rule{
		{ID: "a", Patterns: []string{"x"}},
		{ID: "a", Patterns: []string{"y"}},
	}}}})
	require.ErrorIs(t, err, ErrDuplicateRuleID)
	assert.Same(t, before, e.Matcher())
	assert.Equal(t, []uint64{1}, e.GetStats().Generations)
}

func TestEngine_ShutdownDropsContexts(t *testing.T) {
	e := newTestEngine(t, loginDB("internal"))
	process(e, 0, "login failed for bob")
	process(e, 0, "login failed for alice")

	assert.Equal(t, 2, e.Shutdown())
	assert.Equal(t, 0, e.Store().Len())
	assert.Empty(t, e.AdvanceTime(at(3600)))
}

func TestEngine_ConcurrentProcessing(t *testing.T) {
	clock := &fakeClock{now: epoch}
	e, err := NewEngine(EngineConfig{Shards: 8, StrictInvariants: true, Clock: clock}, testEvaluator(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, e.Load(parseDB(t, loginDB("internal"))))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.Process(core.NewMessage(epoch, "login", fmt.Sprintf("login failed for user%d", i%5)))
			}
		}(w)
	}
	wg.Wait()

	stats := e.GetStats()
	assert.Equal(t, 5, stats.Store.Contexts)
	assert.Equal(t, 80, stats.Store.LargestContext)

	clock.Set(epoch.Add(2 * time.Minute))
	out := e.AdvanceTime(clock.Now())
	assert.Len(t, out, 5)
	for _, r := range out {
		assert.Contains(t, r.Message(), "80 failed logins")
	}
}

const everyLoginDB = `
version: 6
rulesets:
  - id: logins
    rules:
      - id: every-login
        patterns: ["login by @STRING:user@"]
        context:
          key: "$user"
          scope: global
          timeout: 60s
        actions:
          - trigger: timeout
            message:
              message: "closed ${user}"
`

func TestEngine_ReloadWhileProcessing(t *testing.T) {
	e := newTestEngine(t, everyLoginDB)
	missing := metrics.InvariantViolations.WithLabelValues("missing_generation")
	before := testutil.ToFloat64(missing)

	const workers, perWorker = 4, 2000
	var wg sync.WaitGroup
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				msg := fmt.Sprintf("login by w%dn%d", w, i)
				e.ProcessAt(core.NewMessage(at(0), "login", msg), at(0))
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	closed := 0
	reloads := 0
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		db, err := ParseDatabase([]byte(everyLoginDB))
		require.NoError(t, err)
		require.NoError(t, e.Load(db))
		reloads++
		closed += len(e.AdvanceTime(at(120)))
	}
	closed += len(e.AdvanceTime(at(120)))

	assert.Greater(t, reloads, 1)
	assert.Equal(t, workers*perWorker, closed, "every context closes with its own rule")
	assert.Equal(t, before, testutil.ToFloat64(missing))
	assert.Equal(t, 0, e.Shutdown())
	assert.Len(t, e.GetStats().Generations, 1)
}

func TestEngine_FlushClosesAtOwnDeadline(t *testing.T) {
	e := newTestEngine(t, loginDB("internal"))
	for _, sec := range []int{0, 5, 10} {
		process(e, sec, "login failed for bob")
	}
	process(e, 30, "login failed for carol")

	out := e.Flush()
	require.Len(t, out, 1, "carol has a single failure")
	assert.Equal(t, "3 failed logins for bob", out[0].Message())
	assert.True(t, at(70).Equal(out[0].Timestamp))
	assert.Equal(t, 0, e.Store().Len())
}

func TestEngine_ClassifyHasNoSideEffects(t *testing.T) {
	e := newTestEngine(t, matchActionsDB)

	rec := core.NewMessage(at(0), "fw", "conn opened from 10.2.2.2")
	rule, ok := e.Classify(rec)
	require.True(t, ok)
	assert.Equal(t, "conn", rule.ID)
	assert.Equal(t, "10.2.2.2", rec.Value("peer"))
	assert.Equal(t, "net", rec.Value(core.FieldClass))
	assert.True(t, rec.HasTag("network"))
	assert.False(t, rec.Has(core.FieldContextID))
	assert.Equal(t, 0, e.Store().Len())

	miss := core.NewMessage(at(0), "fw", "nothing")
	_, ok = e.Classify(miss)
	assert.False(t, ok)
	assert.Equal(t, core.ClassUnknown, miss.Value(core.FieldClass))
}

const examplesDB = `
rulesets:
  - id: sshd
    programs: [sshd]
    rules:
      - id: accepted
        class: auth
        patterns: ["Accepted @ESTRING:method: @for @STRING:user@"]
        tags: [login]
        examples:
          - message: "Accepted password for root"
            values:
              method: password
              user: root
            tags: [login]
          - message: "Accepted key for alice"
            values:
              user: bob
          - message: "Rejected password for root"
          - message: "Accepted password for root"
            tags: [logout]
`

func TestEngine_CheckExamples(t *testing.T) {
	e := newTestEngine(t, examplesDB)

	results := e.CheckExamples()
	require.Len(t, results, 4)

	assert.True(t, results[0].Passed(), results[0].Errors)
	assert.Equal(t, "accepted", results[0].MatchedRule)

	require.False(t, results[1].Passed())
	assert.Equal(t, []string{`value user = "alice", want "bob"`}, results[1].Errors)

	assert.Equal(t, []string{"no rule matched"}, results[2].Errors)
	assert.Equal(t, []string{"tag logout missing"}, results[3].Errors)

	assert.Equal(t, 0, e.Store().Len())
}

func TestEngine_CheckExamplesWithoutDatabase(t *testing.T) {
	assert.Empty(t, newTestEngine(t, "").CheckExamples())
}
