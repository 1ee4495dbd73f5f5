package detect

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"patterndb/metrics"
)

// DefaultRegexTimeout bounds a single PCRE edge evaluation.
const DefaultRegexTimeout = 100 * time.Millisecond

// compilePCRE compiles the expression of a @PCRE@ edge anchored at the
// current input position. regexp2 backtracks, so every evaluation runs
// under MatchTimeout.
func compilePCRE(expr string, timeout time.Duration) (*regexp2.Regexp, error) {
	if expr == "" {
		return nil, fmt.Errorf("regex pattern cannot be empty")
	}
	re, err := regexp2.Compile(`\A(?:`+expr+`)`, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern %q: %w", expr, err)
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re.MatchTimeout = timeout
	return re, nil
}

// matchPCRE returns the byte length of the anchored match at the start of s.
func matchPCRE(re *regexp2.Regexp, s string) (int, bool) {
	if re == nil {
		return 0, false
	}
	m, err := re.FindStringMatch(s)
	if err != nil {
		// regexp2 only fails on timeouts
		metrics.RegexTimeouts.Inc()
		return 0, false
	}
	if m == nil || m.Index != 0 {
		return 0, false
	}
	// Index and Length count runes; the matched text gives bytes
	return len(m.String()), true
}
