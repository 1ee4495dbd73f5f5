package detect

import (
	"strings"

	"github.com/dlclark/regexp2"

	"patterndb/core"
)

// consume runs the parser of a typed edge at the start of s. It returns the
// number of bytes consumed and the span of s bound to the capture name.
func consume(p *core.Pattern, re *regexp2.Regexp, s string) (n, capStart, capEnd int, ok bool) {
	if len(s) > 0 && !canStart(p, s[0]) {
		return 0, 0, 0, false
	}

	switch p.Kind {
	case core.PatternAnyString:
		n, ok = len(s), true
	case core.PatternString:
		n = scanString(s, p.Param)
		ok = n > 0
	case core.PatternQString:
		return consumeQString(p, s)
	case core.PatternEString:
		idx := strings.Index(s, p.Param)
		if idx < 0 {
			return 0, 0, 0, false
		}
		return idx + len(p.Param), 0, idx, true
	case core.PatternSet:
		for n < len(s) && strings.IndexByte(p.Param, s[n]) >= 0 {
			n++
		}
		ok = n > 0
	case core.PatternNumber:
		n, ok = scanNumber(s)
	case core.PatternFloat, core.PatternDouble:
		n, ok = scanFloat(s)
	case core.PatternIPv4:
		n, ok = scanIPv4(s)
	case core.PatternIPv6:
		n, ok = scanIPv6(s)
	case core.PatternIPvAny:
		if n, ok = scanIPv4(s); !ok {
			n, ok = scanIPv6(s)
		}
	case core.PatternMacAddr:
		n, ok = scanLLAddr(s, 17)
	case core.PatternLLAddr:
		n, ok = scanLLAddr(s, lladdrLength(p.Param))
	case core.PatternHostname:
		n, ok = scanHostname(s)
	case core.PatternEmail:
		return consumeEmail(p, s)
	case core.PatternPCRE:
		n, ok = matchPCRE(re, s)
	}
	if !ok {
		return 0, 0, 0, false
	}
	return n, 0, n, true
}

// canStart is a cheap first byte filter applied before running a parser.
func canStart(p *core.Pattern, c byte) bool {
	switch p.Kind {
	case core.PatternIPv4:
		return isDigit(c)
	case core.PatternNumber, core.PatternFloat, core.PatternDouble:
		return c >= '-' && c <= '9'
	case core.PatternQString:
		open, _ := p.QuoteChars()
		return c == open
	}
	return true
}

func scanString(s, extra string) int {
	n := 0
	for n < len(s) && (isAlnum(s[n]) || (extra != "" && strings.IndexByte(extra, s[n]) >= 0)) {
		n++
	}
	return n
}

func consumeQString(p *core.Pattern, s string) (int, int, int, bool) {
	open, closing := p.QuoteChars()
	if len(s) < 2 || s[0] != open {
		return 0, 0, 0, false
	}
	end := strings.IndexByte(s[1:], closing)
	if end < 0 {
		return 0, 0, 0, false
	}
	n := end + 2
	return n, 1, n - 1, true
}

func scanNumber(s string) (int, bool) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		n := 2
		for n < len(s) && isHexDigit(s[n]) {
			n++
		}
		return n, n > 2
	}
	n, minLen := 0, 1
	if n < len(s) && s[n] == '-' {
		n++
		minLen++
	}
	for n < len(s) && isDigit(s[n]) {
		n++
	}
	return n, n >= minLen
}

func scanFloat(s string) (int, bool) {
	n, digits := 0, 0
	dot := false
	if n < len(s) && s[n] == '-' {
		n++
	}
	for n < len(s) {
		if isDigit(s[n]) {
			digits++
		} else if s[n] == '.' && !dot {
			dot = true
		} else {
			break
		}
		n++
	}
	if digits == 0 {
		return 0, false
	}
	if n < len(s) && (s[n] == 'e' || s[n] == 'E') {
		// the exponent counts only with at least one digit
		e := n + 1
		if e < len(s) && s[e] == '-' {
			e++
		}
		start := e
		for e < len(s) && isDigit(s[e]) {
			e++
		}
		if e > start {
			n = e
		}
	}
	return n, true
}

func scanIPv4(s string) (int, bool) {
	dots, octet, n := 0, -1, 0
	for ; n < len(s); n++ {
		c := s[n]
		if c == '.' {
			if octet > 255 || octet == -1 {
				return 0, false
			}
			if dots == 3 {
				break
			}
			dots++
			octet = -1
		} else if isDigit(c) {
			if octet == -1 {
				octet = 0
			} else {
				octet *= 10
			}
			octet += int(c - '0')
			if octet > 255 {
				return 0, false
			}
		} else {
			break
		}
	}
	if dots != 3 || octet > 255 || octet == -1 {
		return 0, false
	}
	return n, true
}

// scanIPv6 accepts full, shortened and IPv4 suffixed notations.
func scanIPv6(s string) (int, bool) {
	colons, dots, octet, digit, n := 0, 0, 0, 16, 0
	shortened := false

loop:
	for ; n < len(s); n++ {
		c := s[n]
		switch {
		case c == ':':
			if octet > 0xffff || (octet == -1 && shortened) || digit == 10 {
				return 0, false
			}
			if octet == -1 {
				shortened = true
			}
			if colons == 7 {
				break loop
			}
			colons++
			octet = -1
		case isHexDigit(c):
			if octet == -1 {
				octet = 0
			} else {
				octet *= digit
			}
			octet += hexValue(c)
			if octet > 0xfffff {
				return 0, false
			}
		case c == '.':
			if digit == 10 && octet > 255 {
				return 0, false
			}
			if (digit == 16 && octet > 597) || octet == -1 || colons == 7 || dots == 3 {
				break loop
			}
			dots++
			octet = -1
			digit = 10
		default:
			break loop
		}
	}

	if n > 0 && s[n-1] == '.' {
		n--
		dots--
	} else if n > 1 && s[n-1] == ':' && s[n-2] != ':' {
		n--
		colons--
	}

	if colons < 2 || colons > 7 || (digit == 10 && octet > 255) || (digit == 16 && octet > 0xffff) ||
		!(dots == 0 || dots == 3) || (!shortened && colons < 7 && dots == 0) {
		return 0, false
	}
	return n, true
}

func lladdrLength(param string) int {
	if param == "" {
		return 20
	}
	count := 0
	for i := 0; i < len(param) && isDigit(param[i]); i++ {
		count = count*10 + int(param[i]-'0')
	}
	if count == 0 {
		return 20
	}
	return count
}

// scanLLAddr matches colon separated hex octets spanning exactly count bytes.
func scanLLAddr(s string, count int) (int, bool) {
	parts := (count-1)/3 + 1
	n := 0
	for i := 1; i <= parts; i++ {
		if n+1 >= len(s) || !isHexDigit(s[n]) || !isHexDigit(s[n+1]) {
			return 0, false
		}
		if i < parts {
			if n+2 >= len(s) || s[n+2] != ':' {
				return 0, false
			}
			n += 3
		} else {
			n += 2
		}
	}
	return n, n == count
}

func scanHostname(s string) (int, bool) {
	n, labels := 0, 0
	for n < len(s) && isHostChar(s[n]) {
		labels++
		for n < len(s) && isHostChar(s[n]) {
			n++
		}
		if n < len(s) && s[n] == '.' {
			n++
		}
	}
	return n, labels >= 2
}

const emailLocalChars = "!#$%&'*+-/=?^_`{|}~."

// consumeEmail matches local@domain. Characters listed in the parameter are
// skipped on both sides and left out of the capture.
func consumeEmail(p *core.Pattern, s string) (int, int, int, bool) {
	n := 0
	if p.Param != "" {
		for n < len(s) && strings.IndexByte(p.Param, s[n]) >= 0 {
			n++
		}
	}
	start := n
	if n < len(s) && s[n] == '.' {
		return 0, 0, 0, false
	}
	for n < len(s) && (isAlnum(s[n]) || strings.IndexByte(emailLocalChars, s[n]) >= 0) {
		n++
	}
	if n == start || s[n-1] == '.' {
		return 0, 0, 0, false
	}
	if n >= len(s) || s[n] != '@' {
		return 0, 0, 0, false
	}
	n++

	labels := 0
	for n < len(s) && isHostChar(s[n]) {
		labels++
		for n < len(s) && isHostChar(s[n]) {
			n++
		}
		if n < len(s) && s[n] == '.' {
			n++
		}
	}
	if labels < 2 {
		return 0, 0, 0, false
	}

	end := n
	if p.Param != "" {
		for n < len(s) && strings.IndexByte(p.Param, s[n]) >= 0 {
			n++
		}
	}
	return n, start, end, true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isHostChar(c byte) bool { return isAlnum(c) || c == '-' }

func hexValue(c byte) int {
	switch {
	case isDigit(c):
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}
