package detect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patterndb/core"
)

func synthesisRule(t *testing.T, action string) *core.Rule {
	t.Helper()
	m := compileDB(t, `
rulesets:
  - rules:
      - id: login
        class: auth
        patterns: ["login @STRING:result@ for @STRING:user@"]
        context:
          key: "$user"
          scope: host
          timeout: 1m
        actions:
`+action)
	r, ok := m.RuleByID("login")
	require.True(t, ok)
	return r
}

func member(sec int, host, user, result string) *core.Record {
	r := core.NewMessage(at(sec), "login", "login "+result+" for "+user)
	r.Set(core.FieldHost, host)
	r.Set("user", user)
	r.Set("result", result)
	r.Set(core.FieldLevel, "notice")
	r.AddTag("auth")
	return r
}

func TestSynthesize_LastMessageKeepsFields(t *testing.T) {
	rule := synthesisRule(t, `
          - inherit: last-message
            message:
              message: "user $user"
              values:
                result: "summary"
              tags: [synthetic]
`)
	c := &Context{}
	c.Append(member(0, "web1", "bob", "failed"), 0)
	last := member(5, "web1", "bob", "ok")
	last.Set("session", "s-1")
	c.Append(last, 0)
	key := ContextKey{Scope: core.ScopeHost, Host: "web1", Key: "bob"}

	out, diags := Synthesize(c, &key, &rule.Actions[0], rule, "", at(60))
	assert.Empty(t, diags)

	for name, value := range last.Fields {
		switch name {
		case core.FieldMessage, "result", core.FieldClass, core.FieldRuleID:
			continue
		}
		assert.Equal(t, value, out.Value(name), name)
	}
	assert.Equal(t, "user bob", out.Message())
	assert.Equal(t, "summary", out.Value("result"))
	assert.Equal(t, "auth", out.Value(core.FieldClass))
	assert.Equal(t, "login", out.Value(core.FieldRuleID))
	assert.True(t, out.HasTag("auth"))
	assert.True(t, out.HasTag("synthetic"))
	assert.Equal(t, core.OriginInternal, out.Origin)
	assert.Equal(t, at(60), out.Timestamp)
	assert.NotEqual(t, last.ID, out.ID)
}

func TestSynthesize_ContextKeepsCommonFields(t *testing.T) {
	rule := synthesisRule(t, `
          - inject: pass-through
            message:
              message: "${result}@1 then ${result}"
`)
	c := &Context{}
	c.Append(member(0, "web1", "bob", "failed"), 0)
	c.Append(member(1, "web1", "bob", "ok"), 0)
	key := ContextKey{Scope: core.ScopeHost, Host: "web1", Key: "bob"}

	out, diags := Synthesize(c, &key, &rule.Actions[0], rule, "err", at(2))
	assert.Empty(t, diags)
	assert.Equal(t, "bob", out.Value("user"))
	assert.Equal(t, "web1", out.Value(core.FieldHost))
	assert.False(t, out.Has("result"), "members disagree on result")
	assert.Equal(t, "failed then ok", out.Message())
	assert.Equal(t, "err", out.Value(core.FieldLevel), "class level overrides the members")
	assert.Equal(t, core.OriginPassThrough, out.Origin)
	assert.False(t, out.HasTag("auth"), "tags are not inherited from the context")
}

func TestSynthesize_NoneStartsEmpty(t *testing.T) {
	rule := synthesisRule(t, `
          - inherit: none
            message:
              program: patterndb
              message: "$missing for $user"
`)
	c := &Context{}
	c.Append(member(0, "web1", "bob", "failed"), 0)
	key := ContextKey{Scope: core.ScopeHost, Host: "web1", Key: "bob"}

	out, diags := Synthesize(c, &key, &rule.Actions[0], rule, "", at(1))
	require.Len(t, diags, 1)
	var unresolved *core.UnresolvedError
	require.True(t, errors.As(diags[0], &unresolved))
	assert.Equal(t, []string{"missing"}, unresolved.Names)

	assert.Equal(t, " for bob", out.Message(), "missing references render empty")
	assert.Equal(t, "patterndb", out.Program())
	assert.Equal(t, "web1", out.Value(core.FieldHost), "scope fields come from the context identity")
	assert.False(t, out.Has("user"))
	assert.Equal(t, "notice", out.Value(core.FieldLevel))
}

func TestCommonFields(t *testing.T) {
	a := core.NewRecord(epoch)
	a.Set("x", "1")
	a.Set("y", "2")
	b := core.NewRecord(epoch)
	b.Set("x", "1")
	b.Set("y", "3")

	assert.Equal(t, map[string]string{"x": "1"}, commonFields([]*core.Record{a, b}))
	assert.Nil(t, commonFields(nil))
}
