package detect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/expression"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return epoch.Add(time.Duration(seconds) * time.Second)
}

func testEvaluator(t *testing.T) *expression.Evaluator {
	t.Helper()
	eval, err := expression.NewEvaluator(0, zap.NewNop().Sugar())
	require.NoError(t, err)
	return eval
}

func parseDB(t *testing.T, doc string) *core.Database {
	t.Helper()
	db, err := ParseDatabase([]byte(doc))
	require.NoError(t, err)
	return db
}

func compileDB(t *testing.T, doc string) *Matcher {
	t.Helper()
	m, err := Compile(parseDB(t, doc), testEvaluator(t), CompileOptions{Generation: 1})
	require.NoError(t, err)
	return m
}

func newTestEngine(t *testing.T, doc string) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{Shards: 4, StrictInvariants: true}, testEvaluator(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	if doc != "" {
		require.NoError(t, e.Load(parseDB(t, doc)))
	}
	return e
}

// fakeClock is a settable core.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func byOrigin(records []*core.Record, origin core.Origin) []*core.Record {
	var out []*core.Record
	for _, r := range records {
		if r.Origin == origin {
			out = append(out, r)
		}
	}
	return out
}
