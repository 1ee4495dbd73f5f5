package detect

import (
	"container/heap"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/metrics"
)

// DefaultShards is the number of independently locked store shards.
const DefaultShards = 16

// ContextKey is the identity of a correlation context: the scope, the scope
// properties of the record that opened it and the rendered key.
type ContextKey struct {
	Scope   core.ContextScope
	Host    string
	Program string
	PID     string
	Key     string
}

// NewContextKey derives the identity of the context rec belongs to.
func NewContextKey(scope core.ContextScope, rec *core.Record, key string) ContextKey {
	ck := ContextKey{Scope: scope, Key: key}
	switch scope {
	case core.ScopeProcess:
		ck.PID = rec.Value(core.FieldPID)
		fallthrough
	case core.ScopeProgram:
		ck.Program = rec.Value(core.FieldProgram)
		fallthrough
	case core.ScopeHost:
		ck.Host = rec.Value(core.FieldHost)
	}
	return ck
}

// String returns the canonical form used to index the store.
func (k ContextKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.Scope.String())
	for _, part := range []string{k.Host, k.Program, k.PID, k.Key} {
		sb.WriteByte(0)
		sb.WriteString(part)
	}
	return sb.String()
}

// Context groups the records that share a ContextKey.
type Context struct {
	ID        string
	Key       ContextKey
	Rule      RuleRef
	CreatedAt time.Time
	UpdatedAt time.Time
	Deadline  time.Time

	messages []*core.Record
	count    int
	index    int // position in the shard's expiry heap
}

// Append adds a record, keeping at most max records when max is positive.
func (c *Context) Append(rec *core.Record, max int) {
	c.messages = append(c.messages, rec)
	c.count++
	if max > 0 && len(c.messages) > max {
		drop := len(c.messages) - max
		copy(c.messages, c.messages[drop:])
		for i := len(c.messages) - drop; i < len(c.messages); i++ {
			c.messages[i] = nil
		}
		c.messages = c.messages[:max]
	}
}

// Newest returns the most recently appended record.
func (c *Context) Newest() *core.Record {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Messages returns the retained records, oldest first.
func (c *Context) Messages() []*core.Record { return c.messages }

// Len returns how many records joined the context.
func (c *Context) Len() int { return c.count }

// ContextStore holds live correlation contexts. Mutation of a context only
// happens inside the critical section of its key.
type ContextStore interface {
	// Resolve finds or creates the context for key, refreshes its deadline to
	// now+timeout and runs fn while holding the key's lock. The context is
	// removed when fn returns true.
	Resolve(key ContextKey, rule RuleRef, now time.Time, timeout time.Duration, fn func(c *Context, created bool) bool)
	// Remove drops a context without evaluating it.
	Remove(key ContextKey) bool
	// DrainExpired removes and returns every context whose deadline is not
	// after now, ordered by deadline.
	DrainExpired(now time.Time) []*Context
	// Clear drops all contexts at once and returns how many there were.
	Clear() int
	// Len returns the number of live contexts.
	Len() int
	// LiveGenerations counts live contexts per rule generation.
	LiveGenerations() map[uint64]int
	// GetStats returns statistics about the store.
	GetStats() StoreStats
}

// StoreStats provides statistics about the context store
type StoreStats struct {
	Contexts       int       `json:"contexts"`
	Shards         int       `json:"shards"`
	Messages       int       `json:"messages"`
	NextDeadline   time.Time `json:"next_deadline,omitempty"`
	LargestContext int       `json:"largest_context"`
}

// expiryHeap is a min-heap of contexts ordered by deadline.
type expiryHeap []*Context

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x interface{}) {
	c := x.(*Context)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

type storeShard struct {
	mu       sync.Mutex
	contexts map[string]*Context
	expiry   expiryHeap
}

// shardedStore implements ContextStore with N shards selected by a hash of
// the context identity.
type shardedStore struct {
	shards []*storeShard
	strict bool
	logger *zap.SugaredLogger
}

// NewContextStore creates a sharded context store. In strict mode internal
// inconsistencies panic instead of being repaired.
func NewContextStore(shards int, strict bool, logger *zap.SugaredLogger) ContextStore {
	if shards <= 0 {
		shards = DefaultShards
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &shardedStore{
		shards: make([]*storeShard, shards),
		strict: strict,
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i] = &storeShard{contexts: make(map[string]*Context)}
	}
	return s
}

func (s *shardedStore) shardFor(id string) *storeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Resolve implements ContextStore.
func (s *shardedStore) Resolve(key ContextKey, rule RuleRef, now time.Time, timeout time.Duration, fn func(c *Context, created bool) bool) {
	id := key.String()
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, exists := sh.contexts[id]
	if exists && !s.checkIndexed(sh, c) {
		exists = false
	}
	if !exists {
		c = &Context{
			ID:        uuid.NewString(),
			Key:       key,
			Rule:      rule,
			CreatedAt: now,
			UpdatedAt: now,
			Deadline:  now.Add(timeout),
		}
		sh.contexts[id] = c
		heap.Push(&sh.expiry, c)
		metrics.ContextsLive.Inc()
	} else {
		c.UpdatedAt = now
		c.Deadline = now.Add(timeout)
		heap.Fix(&sh.expiry, c.index)
	}

	if fn != nil && fn(c, !exists) {
		s.removeLocked(sh, id, c)
		metrics.ContextsClosed.WithLabelValues("closed").Inc()
	}
}

// Remove implements ContextStore.
func (s *shardedStore) Remove(key ContextKey) bool {
	id := key.String()
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.contexts[id]
	if !ok {
		return false
	}
	s.removeLocked(sh, id, c)
	metrics.ContextsClosed.WithLabelValues("removed").Inc()
	return true
}

func (s *shardedStore) removeLocked(sh *storeShard, id string, c *Context) {
	delete(sh.contexts, id)
	if c.index >= 0 && c.index < len(sh.expiry) && sh.expiry[c.index] == c {
		heap.Remove(&sh.expiry, c.index)
	}
	metrics.ContextsLive.Dec()
}

// DrainExpired implements ContextStore. Each shard is drained in a single
// critical section, so a context is returned at most once.
func (s *shardedStore) DrainExpired(now time.Time) []*Context {
	var out []*Context
	for _, sh := range s.shards {
		sh.mu.Lock()
		for len(sh.expiry) > 0 && !sh.expiry[0].Deadline.After(now) {
			c := heap.Pop(&sh.expiry).(*Context)
			id := c.Key.String()
			if cur, ok := sh.contexts[id]; !ok || cur != c {
				s.violation("expiry_without_key", "context in expiry index is not the one in the key map",
					"context_id", c.ID, "key", c.Key.Key)
				if !ok {
					continue
				}
				// keep the newer of the two
				if cur.UpdatedAt.After(c.UpdatedAt) {
					continue
				}
			}
			delete(sh.contexts, id)
			metrics.ContextsLive.Dec()
			out = append(out, c)
		}
		sh.mu.Unlock()
	}
	if len(out) > 0 {
		metrics.ContextsClosed.WithLabelValues("expired").Add(float64(len(out)))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Clear implements ContextStore. All shard locks are held together so the
// store is never observed half cleared.
func (s *shardedStore) Clear() int {
	for _, sh := range s.shards {
		sh.mu.Lock()
	}
	n := 0
	for _, sh := range s.shards {
		n += len(sh.contexts)
		sh.contexts = make(map[string]*Context)
		sh.expiry = nil
	}
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].mu.Unlock()
	}
	if n > 0 {
		metrics.ContextsLive.Sub(float64(n))
		metrics.ContextsClosed.WithLabelValues("cleared").Add(float64(n))
	}
	return n
}

// Len implements ContextStore.
func (s *shardedStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.contexts)
		sh.mu.Unlock()
	}
	return n
}

// LiveGenerations implements ContextStore.
func (s *shardedStore) LiveGenerations() map[uint64]int {
	out := make(map[uint64]int)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, c := range sh.contexts {
			out[c.Rule.Generation]++
		}
		sh.mu.Unlock()
	}
	return out
}

// GetStats implements ContextStore.
func (s *shardedStore) GetStats() StoreStats {
	stats := StoreStats{Shards: len(s.shards)}
	for _, sh := range s.shards {
		sh.mu.Lock()
		stats.Contexts += len(sh.contexts)
		for _, c := range sh.contexts {
			stats.Messages += len(c.messages)
			if c.count > stats.LargestContext {
				stats.LargestContext = c.count
			}
		}
		if len(sh.expiry) > 0 {
			d := sh.expiry[0].Deadline
			if stats.NextDeadline.IsZero() || d.Before(stats.NextDeadline) {
				stats.NextDeadline = d
			}
		}
		sh.mu.Unlock()
	}
	return stats
}

// checkIndexed verifies that a context found in the key map sits in the
// expiry heap. A context missing from the heap is evicted so the caller
// starts a fresh one.
func (s *shardedStore) checkIndexed(sh *storeShard, c *Context) bool {
	if c.index >= 0 && c.index < len(sh.expiry) && sh.expiry[c.index] == c {
		return true
	}
	s.violation("key_without_expiry", "context in key map is missing from the expiry index",
		"context_id", c.ID, "key", c.Key.Key)
	delete(sh.contexts, c.Key.String())
	metrics.ContextsLive.Dec()
	return false
}

func (s *shardedStore) violation(kind, msg string, kv ...interface{}) {
	metrics.InvariantViolations.WithLabelValues(kind).Inc()
	if s.strict {
		panic(fmt.Sprintf("context store invariant violated: %s %v", msg, kv))
	}
	s.logger.Errorw("Context store invariant violated, repairing", append([]interface{}{"kind", kind, "detail", msg}, kv...)...)
}
