package detect

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"patterndb/core"
)

// DefaultRateLimiterCacheSize bounds the number of per-key action limiters kept.
const DefaultRateLimiterCacheSize = 10000

// actionLimiter enforces action rate limits per (rule, action, context key).
// Limiters are driven by the timestamps the engine is given, never the wall
// clock. Least recently used limiters are forgotten.
type actionLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
}

func newActionLimiter(size int) (*actionLimiter, error) {
	if size <= 0 {
		size = DefaultRateLimiterCacheSize
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter cache: %w", err)
	}
	return &actionLimiter{limiters: cache}, nil
}

// allow reports whether the action may fire at now.
func (l *actionLimiter) allow(ref RuleRef, ruleID string, action int, limit *core.RateLimit, key string, now time.Time) bool {
	if limit == nil {
		return true
	}
	id := fmt.Sprintf("%d/%s/%d/%s", ref.Generation, ruleID, action, key)
	lim, ok := l.limiters.Get(id)
	if !ok {
		every := rate.Every(limit.Period / time.Duration(limit.Burst))
		lim = rate.NewLimiter(every, limit.Burst)
		if prev, found, _ := l.limiters.PeekOrAdd(id, lim); found {
			lim = prev
		}
	}
	return lim.AllowN(now, 1)
}

func (l *actionLimiter) len() int {
	return l.limiters.Len()
}
