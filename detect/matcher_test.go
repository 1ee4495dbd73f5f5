package detect

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patterndb/core"
)

const sshdDB = `
version: 5
rulesets:
  - id: sshd
    programs: [sshd]
    rules:
      - id: ssh-accepted
        class: system
        patterns:
          - "Accepted @ANYSTRING:method@ for @STRING:user@ from @IPv4:addr@"
      - id: ssh-accepted-port
        patterns:
          - "Accepted @ANYSTRING:method@ for @STRING:user@ from @IPv4:addr@ port @NUMBER:port@ ssh2"
  - id: generic
    rules:
      - id: disk-full
        class: violation
        patterns: ["disk full"]
      - id: user-any
        patterns: ["user @STRING:name@ logged @STRING:what@"]
      - id: user-admin
        patterns: ["user admin logged in"]
`

func TestMatch_SSHDBindings(t *testing.T) {
	m := compileDB(t, sshdDB)

	res, ok := m.Match("sshd", "Accepted password for root from 10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "ssh-accepted", res.Rule.ID)
	assert.Equal(t, map[string]string{
		"method": "password",
		"user":   "root",
		"addr":   "10.0.0.1",
	}, res.Bindings())
	assert.Equal(t, RuleRef{Generation: 1, Index: 0}, res.Ref)
}

func TestMatch_AnyStringIsMinimal(t *testing.T) {
	m := compileDB(t, sshdDB)

	// the shortest span after which the rest of the path still matches
	res, ok := m.Match("sshd", "Accepted publickey for git for real from 192.168.0.7 port 2222 ssh2")
	require.True(t, ok)
	assert.Equal(t, "publickey for git", res.Bindings()["method"])
	assert.Equal(t, "real", res.Bindings()["user"])

	res, ok = m.Match("sshd", "Accepted keyboard-interactive/pam for alice from 192.168.0.7 port 2222 ssh2")
	require.True(t, ok)
	assert.Equal(t, "ssh-accepted-port", res.Rule.ID)
	assert.Equal(t, "keyboard-interactive/pam", res.Bindings()["method"])
	assert.Equal(t, "2222", res.Bindings()["port"])
}

func TestTrie_AnyStringChainIsBounded(t *testing.T) {
	path, err := core.ParsePattern("@ANYSTRING:a@ @ANYSTRING:b@ @ANYSTRING:c@ X")
	require.NoError(t, err)
	tr := newTrie(time.Second)
	_, err = tr.insert(path, 0)
	require.NoError(t, err)

	rule, caps, ok := tr.lookup("p q r X")
	require.True(t, ok)
	assert.Equal(t, 0, rule)
	assert.Equal(t, []Capture{
		{Name: "a", Value: "p", Kind: core.PatternAnyString},
		{Name: "b", Value: "q", Kind: core.PatternAnyString},
		{Name: "c", Value: "r", Kind: core.PatternAnyString},
	}, caps)

	// each (node, offset) pair is searched at most once per lookup
	for _, n := range []int{200, 800, 1600} {
		s := strings.Repeat("a ", n)
		w := &walk{total: len(s)}
		assert.Nil(t, w.find(tr.root, s, true))
		assert.LessOrEqual(t, w.steps, 16*(len(s)+1), "input of %d bytes", len(s))
	}
}

func TestMatch_DeeperPathWins(t *testing.T) {
	m := compileDB(t, sshdDB)

	res, ok := m.Match("sshd", "Accepted password for root from 10.0.0.1 port 22 ssh2")
	require.True(t, ok)
	assert.Equal(t, "ssh-accepted-port", res.Rule.ID)

	// a rule covering a prefix matches when nothing deeper does
	res, ok = m.Match("sshd", "Accepted password for root from 10.0.0.1 port x")
	require.True(t, ok)
	assert.Equal(t, "ssh-accepted", res.Rule.ID)
}

func TestMatch_LiteralBeforeTyped(t *testing.T) {
	m := compileDB(t, sshdDB)

	res, ok := m.Match("cron", "user admin logged in")
	require.True(t, ok)
	assert.Equal(t, "user-admin", res.Rule.ID)
	assert.Empty(t, res.Captures)

	res, ok = m.Match("cron", "user admin logged out")
	require.True(t, ok)
	assert.Equal(t, "user-any", res.Rule.ID)
	assert.Equal(t, map[string]string{"name": "admin", "what": "out"}, res.Bindings())
}

func TestMatch_Partitions(t *testing.T) {
	m := compileDB(t, sshdDB)

	res, ok := m.Match("", "disk full on /dev/sda1")
	require.True(t, ok, "programless records use the fallback partition")
	assert.Equal(t, "disk-full", res.Rule.ID)

	_, ok = m.Match("sshd", "disk full")
	assert.False(t, ok, "a program with a dedicated ruleset never falls back")

	_, ok = m.Match("cron", "nothing matches this")
	assert.False(t, ok)

	assert.Equal(t, []string{"sshd"}, m.Programs())
}

func TestMatch_LongestLiteral(t *testing.T) {
	m := compileDB(t, `
rulesets:
  - rules:
      - id: short
        patterns: ["connection @STRING:state@"]
      - id: long
        patterns: ["connection closed by @IPvANY:peer@"]
`)
	res, ok := m.Match("", "connection closed by ::1")
	require.True(t, ok)
	assert.Equal(t, "long", res.Rule.ID)
	assert.Equal(t, "::1", res.Bindings()["peer"])

	res, ok = m.Match("", "connection reset")
	require.True(t, ok)
	assert.Equal(t, "short", res.Rule.ID)
}

func TestMatch_MultiplePatternsAndTypedOrder(t *testing.T) {
	m := compileDB(t, `
rulesets:
  - rules:
      - id: numeric
        patterns:
          - "id=@NUMBER:id@"
          - "uid=@NUMBER:id@"
      - id: textual
        patterns: ["id=@STRING:id@"]
      - id: pcre
        patterns: ["re @PCRE:code:[A-Z]{3}-\\d+@ end"]
`)
	res, ok := m.Match("", "id=42")
	require.True(t, ok)
	assert.Equal(t, "numeric", res.Rule.ID)

	res, ok = m.Match("", "uid=7")
	require.True(t, ok)
	assert.Equal(t, "numeric", res.Rule.ID)

	res, ok = m.Match("", "id=abc")
	require.True(t, ok)
	assert.Equal(t, "textual", res.Rule.ID)
	assert.Equal(t, "abc", res.Bindings()["id"])

	res, ok = m.Match("", "re ABC-123 end")
	require.True(t, ok)
	assert.Equal(t, "pcre", res.Rule.ID)
	assert.Equal(t, "ABC-123", res.Bindings()["code"])
}

func TestCompile_Errors(t *testing.T) {
	rule := func(id string, patterns ...string) core.Rule {
		return core.Rule{ID: id, Patterns: patterns}
	}
	db := func(rules ...core.Rule) *core.Database {
		return &core.Database{Rulesets: []core.Ruleset{{ID: "rs", Rules: rules}}}
	}
	timeout := core.Action{Trigger: core.TriggerTimeout}
	pass := core.Action{Inject: core.InjectPassThrough}

	withActions := func(r core.Rule, actions ...core.Action) core.Rule {
		r.Actions = actions
		return r
	}

	tests := []struct {
		name string
		db   *core.Database
		want error
	}{
		{"empty", &core.Database{}, ErrEmptyDatabase},
		{"version", &core.Database{Version: 2, Rulesets: db(rule("a", "x")).Rulesets}, ErrUnsupportedVersion},
		{"duplicate id", db(rule("a", "x"), rule("a", "y")), ErrDuplicateRuleID},
		{"ambiguous", db(rule("a", "x @STRING:s@"), rule("b", "x @STRING:s@")), ErrAmbiguousPattern},
		{"same pattern twice", db(rule("a", "x", "x")), ErrAmbiguousPattern},
		{"malformed token", db(rule("a", "x @BOGUS:s@")), core.ErrMalformedPattern},
		{"unterminated token", db(rule("a", "mail to bob@example")), core.ErrMalformedPattern},
		{"bad regex", db(rule("a", "@PCRE:r:(x@")), core.ErrMalformedPattern},
		{"bad value template", db(core.Rule{ID: "a", Patterns: []string{"x"}, Values: map[string]string{"v": "$(1 +"}}), ErrInvalidTemplate},
		{"timeout action without context", db(withActions(rule("a", "x"), timeout)), ErrInvalidRule},
		{"two pass-through actions", db(withActions(rule("a", "x"), pass, pass)), ErrInvalidRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(tt.db, testEvaluator(t), CompileOptions{Generation: 1})
			assert.Nil(t, m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestCompile_RuleDefaults(t *testing.T) {
	m := compileDB(t, `
rulesets:
  - name: daemons
    programs: [named, bind]
    rules:
      - id: r1
        patterns: ["zone loaded"]
        context:
          key: "$HOST"
          timeout: 30s
          inherit: "true"
        actions:
          - trigger: timeout
            message:
              message: "zone reloaded"
`)
	r, ok := m.RuleByID("r1")
	require.True(t, ok)
	assert.Equal(t, core.DefaultClass, r.Class)
	assert.Equal(t, "daemons", r.Ruleset)
	assert.Equal(t, "named", r.Program)
	assert.Equal(t, core.InheritLastMessage, r.Actions[0].Inheritance)
	assert.Equal(t, []int{0}, r.CloseActions())
	assert.Empty(t, r.MatchActions())

	for _, prog := range []string{"named", "bind"} {
		res, ok := m.Match(prog, "zone loaded")
		require.True(t, ok, prog)
		assert.Same(t, r, res.Rule)
	}
}

func TestMatcher_Dump(t *testing.T) {
	m := compileDB(t, sshdDB)

	var buf bytes.Buffer
	m.Dump(&buf, "")
	out := buf.String()
	assert.Contains(t, out, "program sshd")
	assert.Contains(t, out, "program *")
	assert.Contains(t, out, "@ANYSTRING:method@")
	assert.Contains(t, out, "-> disk-full")

	buf.Reset()
	m.Dump(&buf, "ss")
	assert.Contains(t, buf.String(), "program sshd")
	assert.NotContains(t, buf.String(), "program *")

	info := m.Info()
	assert.Equal(t, 5, info.Version)
	assert.Equal(t, 5, info.Rules)
	assert.Equal(t, 1, info.Programs)
}
