package detect

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"patterndb/core"
)

func testKey(key string) ContextKey {
	return ContextKey{Scope: core.ScopeGlobal, Key: key}
}

func TestNewContextKey_Scopes(t *testing.T) {
	rec := core.NewMessage(epoch, "sshd", "x")
	rec.Set(core.FieldHost, "web1")
	rec.Set(core.FieldPID, "42")

	assert.Equal(t, ContextKey{Scope: core.ScopeProcess, Host: "web1", Program: "sshd", PID: "42", Key: "k"},
		NewContextKey(core.ScopeProcess, rec, "k"))
	assert.Equal(t, ContextKey{Scope: core.ScopeProgram, Host: "web1", Program: "sshd", Key: "k"},
		NewContextKey(core.ScopeProgram, rec, "k"))
	assert.Equal(t, ContextKey{Scope: core.ScopeHost, Host: "web1", Key: "k"},
		NewContextKey(core.ScopeHost, rec, "k"))
	assert.Equal(t, ContextKey{Scope: core.ScopeGlobal, Key: "k"},
		NewContextKey(core.ScopeGlobal, rec, "k"))

	// the same key in different scopes is a different context
	assert.NotEqual(t, NewContextKey(core.ScopeHost, rec, "k").String(), NewContextKey(core.ScopeGlobal, rec, "k").String())
}

func TestContext_AppendBounded(t *testing.T) {
	c := &Context{}
	for i := 0; i < 5; i++ {
		c.Append(core.NewMessage(at(i), "p", fmt.Sprint(i)), 3)
	}
	assert.Equal(t, 5, c.Len())
	require.Len(t, c.Messages(), 3)
	assert.Equal(t, "2", c.Messages()[0].Message())
	assert.Equal(t, "4", c.Newest().Message())
}

func TestStore_SlidingTimeout(t *testing.T) {
	s := NewContextStore(4, true, zap.NewNop().Sugar())
	ref := RuleRef{Generation: 1}
	key := testKey("bob")

	var created []bool
	for _, sec := range []int{0, 10, 20} {
		s.Resolve(key, ref, at(sec), 60*time.Second, func(c *Context, isNew bool) bool {
			created = append(created, isNew)
			return false
		})
	}
	assert.Equal(t, []bool{true, false, false}, created)
	assert.Equal(t, 1, s.Len())

	assert.Empty(t, s.DrainExpired(at(61)), "deadline follows the last update")
	assert.Empty(t, s.DrainExpired(at(79)))

	expired := s.DrainExpired(at(80))
	require.Len(t, expired, 1)
	assert.Equal(t, at(0), expired[0].CreatedAt)
	assert.Equal(t, at(20), expired[0].UpdatedAt)
	assert.Equal(t, at(80), expired[0].Deadline)

	assert.Empty(t, s.DrainExpired(at(80)), "expired contexts are returned once")
	assert.Equal(t, 0, s.Len())
}

func TestStore_DrainOrdersByDeadline(t *testing.T) {
	s := NewContextStore(8, true, nil)
	ref := RuleRef{Generation: 1}
	for i, name := range []string{"c", "a", "b"} {
		s.Resolve(testKey(name), ref, at(i), time.Duration(10-i*3)*time.Second, nil)
	}
	expired := s.DrainExpired(at(100))
	require.Len(t, expired, 3)
	assert.Equal(t, "b", expired[0].Key.Key)
	assert.Equal(t, "a", expired[1].Key.Key)
	assert.Equal(t, "c", expired[2].Key.Key)
}

func TestStore_CloseFromCallback(t *testing.T) {
	s := NewContextStore(1, true, nil)
	ref := RuleRef{Generation: 1}

	s.Resolve(testKey("k"), ref, at(0), time.Minute, nil)
	s.Resolve(testKey("k"), ref, at(1), time.Minute, func(c *Context, created bool) bool {
		assert.False(t, created)
		return true
	})
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.DrainExpired(at(3600)))

	assert.False(t, s.Remove(testKey("k")))
	s.Resolve(testKey("k"), ref, at(2), time.Minute, nil)
	assert.True(t, s.Remove(testKey("k")))
	assert.Equal(t, 0, s.Len())
}

func TestStore_OneContextPerKeyUnderConcurrency(t *testing.T) {
	s := NewContextStore(4, true, nil)
	ref := RuleRef{Generation: 1}

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	ids := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Resolve(testKey("shared"), ref, at(i%10), time.Minute, func(c *Context, isNew bool) bool {
				if isNew {
					created.Add(1)
				}
				c.Append(core.NewMessage(at(i), "p", "m"), 0)
				ids <- c.ID
				return false
			})
		}(i)
	}
	wg.Wait()
	close(ids)

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, s.Len())
	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	stats := s.GetStats()
	assert.Equal(t, 1, stats.Contexts)
	assert.Equal(t, 100, stats.LargestContext)
	assert.Equal(t, 100, stats.Messages)
}

func TestStore_Clear(t *testing.T) {
	s := NewContextStore(4, true, nil)
	for i := 0; i < 10; i++ {
		s.Resolve(testKey(fmt.Sprint(i)), RuleRef{Generation: uint64(i%2 + 1)}, at(0), time.Minute, nil)
	}
	assert.Equal(t, map[uint64]int{1: 5, 2: 5}, s.LiveGenerations())
	assert.Equal(t, 10, s.Clear())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.DrainExpired(at(3600)))
}

// dropFromExpiry removes a context from its shard's heap but not from the key map.
func dropFromExpiry(s ContextStore, key ContextKey) {
	ss := s.(*shardedStore)
	sh := ss.shardFor(key.String())
	c := sh.contexts[key.String()]
	heap.Remove(&sh.expiry, c.index)
}

func TestStore_RepairsIndexDisagreement(t *testing.T) {
	s := NewContextStore(1, false, zap.NewNop().Sugar())
	ref := RuleRef{Generation: 1}
	key := testKey("k")

	var firstID string
	s.Resolve(key, ref, at(0), time.Minute, func(c *Context, _ bool) bool {
		firstID = c.ID
		return false
	})
	dropFromExpiry(s, key)

	s.Resolve(key, ref, at(1), time.Minute, func(c *Context, created bool) bool {
		assert.True(t, created, "the unindexed context is evicted")
		assert.NotEqual(t, firstID, c.ID)
		return false
	})
	assert.Equal(t, 1, s.Len())
	require.Len(t, s.DrainExpired(at(61)), 1)
}

func TestStore_StrictModePanics(t *testing.T) {
	s := NewContextStore(1, true, nil)
	key := testKey("k")
	s.Resolve(key, RuleRef{Generation: 1}, at(0), time.Minute, nil)
	dropFromExpiry(s, key)

	assert.Panics(t, func() {
		s.Resolve(key, RuleRef{Generation: 1}, at(1), time.Minute, nil)
	})
}
