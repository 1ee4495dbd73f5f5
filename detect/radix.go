package detect

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"patterndb/core"
)

// Capture is one named span bound while walking the trie.
type Capture struct {
	Name  string
	Value string
	Kind  core.PatternKind
}

// node is a radix trie node. Literal nodes carry the label of the edge that
// leads to them, typed nodes carry the pattern of their edge.
type node struct {
	label    string
	pattern  *core.Pattern
	re       *regexp2.Regexp
	children []*node // literal children, sorted by first label byte
	typed    []*node // typed children, in declaration order
	leaf     int     // arena index of the rule ending here, -1 when none
}

func newNode(label string) *node {
	return &node{label: label, leaf: -1}
}

// trie is the message trie of one program partition.
type trie struct {
	root         *node
	regexTimeout time.Duration
}

func newTrie(regexTimeout time.Duration) *trie {
	return &trie{root: newNode(""), regexTimeout: regexTimeout}
}

// insert adds one rule path. It returns the index of the rule already owning
// the path when the path is not new.
func (t *trie) insert(path []core.Pattern, rule int) (int, error) {
	n := t.root
	for i := range path {
		p := path[i]
		if p.IsLiteral() {
			n = n.insertLiteral(p.Text)
			continue
		}
		next := n.typedChild(p)
		if next == nil {
			next = newNode("")
			pc := p
			next.pattern = &pc
			if p.Kind == core.PatternPCRE {
				re, err := compilePCRE(p.Param, t.regexTimeout)
				if err != nil {
					return -1, fmt.Errorf("%w: %v", core.ErrMalformedPattern, err)
				}
				next.re = re
			}
			n.typed = append(n.typed, next)
		}
		n = next
	}
	if n.leaf >= 0 {
		return n.leaf, ErrAmbiguousPattern
	}
	n.leaf = rule
	return rule, nil
}

func (n *node) typedChild(p core.Pattern) *node {
	for _, c := range n.typed {
		if c.pattern.SameEdge(p) {
			return c
		}
	}
	return nil
}

// child returns the literal child whose label starts with c.
func (n *node) child(c byte) *node {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].label[0] >= c })
	if i < len(n.children) && n.children[i].label[0] == c {
		return n.children[i]
	}
	return nil
}

func (n *node) addChild(c *node) {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].label[0] >= c.label[0] })
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
}

func (n *node) replaceChild(old, repl *node) {
	for i, c := range n.children {
		if c == old {
			n.children[i] = repl
			return
		}
	}
}

// insertLiteral descends along s below n, splitting edges that share only a
// prefix with s, and returns the node at the end of s.
func (n *node) insertLiteral(s string) *node {
	for s != "" {
		c := n.child(s[0])
		if c == nil {
			leaf := newNode(s)
			n.addChild(leaf)
			return leaf
		}
		l := commonPrefix(c.label, s)
		if l < len(c.label) {
			mid := newNode(c.label[:l])
			c.label = c.label[l:]
			mid.children = []*node{c}
			n.replaceChild(c, mid)
			c = mid
		}
		n = c
		s = s[l:]
	}
	return n
}

func commonPrefix(a, b string) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

// lookup walks the trie over s. The deepest rule reachable wins; a rule whose
// path covers only a prefix of s matches when nothing deeper does.
func (t *trie) lookup(s string) (int, []Capture, bool) {
	w := &walk{total: len(s)}
	found := w.find(t.root, s, true)
	if found == nil {
		return -1, nil, false
	}
	return found.leaf, w.caps, true
}

// visit identifies one attempt to continue matching below a node.
type visit struct {
	n        *node
	offset   int
	prefixOK bool
}

// walk is the state of one lookup. A visit that failed once fails again, so
// failures are remembered and each visit is searched at most once.
type walk struct {
	total  int
	caps   []Capture
	failed map[visit]struct{}
	steps  int
}

func (w *walk) find(n *node, s string, prefixOK bool) *node {
	v := visit{n: n, offset: w.total - len(s), prefixOK: prefixOK}
	if _, ok := w.failed[v]; ok {
		return nil
	}
	w.steps++
	if r := w.search(n, s, prefixOK); r != nil {
		return r
	}
	if w.failed == nil {
		w.failed = make(map[visit]struct{})
	}
	w.failed[v] = struct{}{}
	return nil
}

func (w *walk) search(n *node, s string, prefixOK bool) *node {
	if s == "" && n.leaf >= 0 {
		return n
	}
	if s != "" {
		if c := n.child(s[0]); c != nil && strings.HasPrefix(s, c.label) {
			if r := w.find(c, s[len(c.label):], true); r != nil {
				return r
			}
		}
	}
	mark := len(w.caps)
	for _, p := range n.typed {
		if r := w.findTyped(p, s); r != nil {
			return r
		}
		w.caps = w.caps[:mark]
	}
	if prefixOK && n.leaf >= 0 {
		return n
	}
	return nil
}

// findTyped runs the parser of typed node n at the start of s and continues
// below n. Once the parser has consumed its span the choice is final.
func (w *walk) findTyped(n *node, s string) *node {
	if n.pattern.Kind == core.PatternAnyString {
		return w.findAnyString(n, s)
	}
	consumed, cs, ce, ok := consume(n.pattern, n.re, s)
	if !ok {
		return nil
	}
	mark := len(w.caps)
	w.bind(n, s[cs:ce])
	r := w.find(n, s[consumed:], true)
	if r == nil {
		w.caps = w.caps[:mark]
	}
	return r
}

// findAnyString consumes the shortest span after which the subtree below n
// accepts the rest of the input. A leaf-only node takes everything.
func (w *walk) findAnyString(n *node, s string) *node {
	mark := len(w.caps)
	if len(n.children) > 0 || len(n.typed) > 0 {
		for k := 0; k <= len(s); k++ {
			if k < len(s) && !n.mayContinue(s[k]) {
				continue
			}
			w.bind(n, s[:k])
			if r := w.find(n, s[k:], false); r != nil {
				return r
			}
			w.caps = w.caps[:mark]
		}
	}
	if n.leaf >= 0 {
		w.bind(n, s)
		return n
	}
	return nil
}

func (n *node) mayContinue(c byte) bool {
	if n.child(c) != nil {
		return true
	}
	for _, p := range n.typed {
		if canStart(p.pattern, c) {
			return true
		}
	}
	return false
}

func (w *walk) bind(n *node, value string) {
	if n.pattern.Name == "" {
		return
	}
	w.caps = append(w.caps, Capture{Name: n.pattern.Name, Value: value, Kind: n.pattern.Kind})
}

// dump writes an indented view of the trie, resolving leaves with ruleID.
func (t *trie) dump(w io.Writer, ruleID func(int) string) {
	t.root.dump(w, 0, ruleID)
}

func (n *node) dump(w io.Writer, depth int, ruleID func(int) string) {
	for _, c := range n.children {
		c.dumpLine(w, depth, fmt.Sprintf("%q", c.label), ruleID)
		c.dump(w, depth+1, ruleID)
	}
	for _, c := range n.typed {
		c.dumpLine(w, depth, c.pattern.String(), ruleID)
		c.dump(w, depth+1, ruleID)
	}
}

func (n *node) dumpLine(w io.Writer, depth int, edge string, ruleID func(int) string) {
	indent := strings.Repeat("  ", depth)
	if n.leaf >= 0 {
		fmt.Fprintf(w, "%s%s -> %s\n", indent, edge, ruleID(n.leaf))
		return
	}
	fmt.Fprintf(w, "%s%s\n", indent, edge)
}
