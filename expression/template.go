package expression

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"patterndb/core"
)

// ErrTemplateSyntax is returned for templates that cannot be parsed
var ErrTemplateSyntax = errors.New("template syntax error")

type segmentKind int

const (
	segLiteral segmentKind = iota
	segField
	segExpr
)

type segment struct {
	kind segmentKind
	// literal text, field name or expression source
	text string
	// member offset for field references, 0 is the newest record
	back    int
	program *vm.Program
}

// template renders $NAME, ${NAME}, ${NAME}@N and $(expression) references.
type template struct {
	src      string
	segments []segment
}

func (t *template) String() string { return t.src }

// Render never fails outright: missing references render empty and are
// reported through a *core.UnresolvedError.
func (t *template) Render(ctx core.EvalContext) (string, error) {
	var (
		sb      strings.Builder
		missing []string
		env     map[string]interface{}
	)
	for _, seg := range t.segments {
		switch seg.kind {
		case segLiteral:
			sb.WriteString(seg.text)
		case segField:
			v, ok := lookup(ctx, seg.text, seg.back)
			if !ok {
				missing = append(missing, seg.text)
				continue
			}
			sb.WriteString(v)
		case segExpr:
			if env == nil {
				env = newEnv(ctx)
			}
			out, err := expr.Run(seg.program, env)
			if err != nil || out == nil {
				missing = append(missing, "$("+seg.text+")")
				continue
			}
			sb.WriteString(format(out))
		}
	}
	if len(missing) > 0 {
		return sb.String(), &core.UnresolvedError{Names: missing}
	}
	return sb.String(), nil
}

func lookup(ctx core.EvalContext, name string, back int) (string, bool) {
	members := ctx.Messages()
	idx := len(members) - 1 - back
	if back == 0 {
		if rec := ctx.Newest(); rec != nil {
			return rec.Get(name)
		}
		return "", false
	}
	if idx < 0 || idx >= len(members) {
		return "", false
	}
	return members[idx].Get(name)
}

func format(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func parseTemplate(src string) ([]segment, error) {
	var (
		segs    []segment
		literal strings.Builder
	)
	flush := func() {
		if literal.Len() > 0 {
			segs = append(segs, segment{kind: segLiteral, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(src); {
		if src[i] != '$' || i+1 >= len(src) {
			literal.WriteByte(src[i])
			i++
			continue
		}
		switch next := src[i+1]; {
		case next == '$':
			literal.WriteByte('$')
			i += 2
		case next == '(':
			end, err := closingParen(src, i+1)
			if err != nil {
				return nil, err
			}
			body := strings.TrimSpace(src[i+2 : end])
			if body == "" {
				return nil, fmt.Errorf("%w: empty expression in %q", ErrTemplateSyntax, src)
			}
			flush()
			segs = append(segs, segment{kind: segExpr, text: body})
			i = end + 1
		case next == '{':
			end := strings.IndexByte(src[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated ${ in %q", ErrTemplateSyntax, src)
			}
			name := src[i+2 : i+2+end]
			if name == "" {
				return nil, fmt.Errorf("%w: empty field reference in %q", ErrTemplateSyntax, src)
			}
			i += end + 3
			back := 0
			if i+1 < len(src) && src[i] == '@' && isDigit(src[i+1]) {
				j := i + 1
				for j < len(src) && isDigit(src[j]) {
					j++
				}
				back, _ = strconv.Atoi(src[i+1 : j])
				i = j
			}
			flush()
			segs = append(segs, segment{kind: segField, text: name, back: back})
		case isNameChar(next):
			j := i + 1
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			// a trailing dot ends the sentence, not the name
			for j > i+2 && src[j-1] == '.' {
				j--
			}
			flush()
			segs = append(segs, segment{kind: segField, text: src[i+1 : j]})
			i = j
		default:
			literal.WriteByte('$')
			i++
		}
	}
	flush()
	return segs, nil
}

// closingParen returns the index of the parenthesis closing the one at open,
// skipping over quoted strings.
func closingParen(src string, open int) (int, error) {
	depth := 0
	var quote byte
	for i := open; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unterminated $( in %q", ErrTemplateSyntax, src)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameChar(c byte) bool {
	return c == '_' || c == '.' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
