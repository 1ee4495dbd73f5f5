package core

import (
	"fmt"
	"strings"
)

// PatternKind is the closed set of matching units a rule path is built from.
type PatternKind int

const (
	PatternLiteral PatternKind = iota
	PatternAnyString
	PatternString
	PatternEString
	PatternQString
	PatternSet
	PatternNumber
	PatternFloat
	PatternDouble
	PatternIPv4
	PatternIPv6
	PatternIPvAny
	PatternPCRE
	PatternMacAddr
	PatternHostname
	PatternEmail
	PatternLLAddr
)

var patternKindNames = map[PatternKind]string{
	PatternLiteral:   "LITERAL",
	PatternAnyString: "ANYSTRING",
	PatternString:    "STRING",
	PatternEString:   "ESTRING",
	PatternQString:   "QSTRING",
	PatternSet:       "SET",
	PatternNumber:    "NUMBER",
	PatternFloat:     "FLOAT",
	PatternDouble:    "DOUBLE",
	PatternIPv4:      "IPv4",
	PatternIPv6:      "IPv6",
	PatternIPvAny:    "IPvANY",
	PatternPCRE:      "PCRE",
	PatternMacAddr:   "MACADDR",
	PatternHostname:  "HOSTNAME",
	PatternEmail:     "EMAIL",
	PatternLLAddr:    "LLADDR",
}

var patternKindsByName = func() map[string]PatternKind {
	m := make(map[string]PatternKind, len(patternKindNames))
	for k, name := range patternKindNames {
		if k != PatternLiteral {
			m[name] = k
		}
	}
	return m
}()

func (k PatternKind) String() string {
	if name, ok := patternKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PatternKind(%d)", int(k))
}

// RequiresParam reports whether the kind cannot be used without a parameter.
func (k PatternKind) RequiresParam() bool {
	switch k {
	case PatternEString, PatternQString, PatternSet, PatternPCRE:
		return true
	}
	return false
}

// Pattern is one literal run or typed token of a rule path.
type Pattern struct {
	Kind PatternKind
	// Text holds the literal bytes for PatternLiteral.
	Text string
	// Name is the capture name; empty means the span is consumed but not bound.
	Name string
	// Param is the kind specific parameter (end marker, quote pair, charset, regex).
	Param string
}

// Literal builds a literal pattern.
func Literal(text string) Pattern {
	return Pattern{Kind: PatternLiteral, Text: text}
}

// Token builds a typed pattern.
func Token(kind PatternKind, name, param string) Pattern {
	return Pattern{Kind: kind, Name: name, Param: param}
}

// IsLiteral reports whether p is a literal run.
func (p Pattern) IsLiteral() bool {
	return p.Kind == PatternLiteral
}

// SameEdge reports whether two typed patterns produce the same trie edge.
func (p Pattern) SameEdge(o Pattern) bool {
	return p.Kind == o.Kind && p.Name == o.Name && p.Param == o.Param
}

// QuoteChars returns the opening and closing characters of a QSTRING.
func (p Pattern) QuoteChars() (open, closing byte) {
	if len(p.Param) == 0 {
		return 0, 0
	}
	open = p.Param[0]
	closing = open
	if len(p.Param) == 2 {
		closing = p.Param[1]
	}
	return open, closing
}

// String renders the pattern back to token syntax.
func (p Pattern) String() string {
	if p.IsLiteral() {
		return strings.ReplaceAll(p.Text, "@", "@@")
	}
	if p.Param != "" {
		return fmt.Sprintf("@%s:%s:%s@", p.Kind, p.Name, p.Param)
	}
	return fmt.Sprintf("@%s:%s@", p.Kind, p.Name)
}

// FormatPatterns renders a parsed path back to its source form.
func FormatPatterns(path []Pattern) string {
	var sb strings.Builder
	for _, p := range path {
		sb.WriteString(p.String())
	}
	return sb.String()
}

// ParsePattern splits a pattern string into literal runs and typed tokens.
// Tokens use the @KIND:name:param@ syntax, "@@" stands for a literal '@'.
// Adjacent literal runs are merged.
func ParsePattern(src string) ([]Pattern, error) {
	var (
		out     []Pattern
		literal strings.Builder
	)
	flush := func() {
		if literal.Len() > 0 {
			out = append(out, Literal(literal.String()))
			literal.Reset()
		}
	}

	for i := 0; i < len(src); {
		c := src[i]
		if c != '@' {
			literal.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(src) && src[i+1] == '@' {
			literal.WriteByte('@')
			i += 2
			continue
		}
		end := strings.IndexByte(src[i+1:], '@')
		if end < 0 {
			return nil, &PatternSyntaxError{Pattern: src, Offset: i, Reason: "unterminated token, use @@ for a literal @"}
		}
		body := src[i+1 : i+1+end]
		p, reason := parseToken(body)
		if reason != "" {
			return nil, &PatternSyntaxError{Pattern: src, Offset: i, Reason: reason}
		}
		flush()
		out = append(out, p)
		i += end + 2
	}
	flush()

	if len(out) == 0 {
		return nil, &PatternSyntaxError{Pattern: src, Reason: "empty pattern"}
	}
	return out, nil
}

func parseToken(body string) (Pattern, string) {
	parts := strings.SplitN(body, ":", 3)
	kindName := parts[0]
	kind, ok := patternKindsByName[kindName]
	if !ok {
		// QSTRING historically accepted any suffix on the type name
		if strings.HasPrefix(kindName, "QSTRING") {
			kind = PatternQString
		} else {
			return Pattern{}, fmt.Sprintf("unknown parser type %q", kindName)
		}
	}

	p := Pattern{Kind: kind}
	if len(parts) > 1 {
		p.Name = parts[1]
	}
	if len(parts) > 2 {
		p.Param = parts[2]
	}

	if kind.RequiresParam() && p.Param == "" {
		return Pattern{}, fmt.Sprintf("%s requires a parameter", kind)
	}
	if kind == PatternQString && len(p.Param) > 2 {
		return Pattern{}, "QSTRING parameter must be one or two characters"
	}
	return p, ""
}
