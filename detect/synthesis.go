package detect

import (
	"time"

	"patterndb/core"
)

// Synthesize builds the record an action emits for a context. It never fails:
// unresolved template references render empty and come back as diagnostics.
//
// Fields are applied in this order, later steps overriding earlier ones:
// inherited fields, the scope fields of the context identity, classification
// fields, the program and message templates, the value templates.
func Synthesize(ctx core.EvalContext, key *ContextKey, action *core.Action, rule *core.Rule, level string, now time.Time) (*core.Record, []error) {
	out := core.NewRecord(now)
	out.Origin = action.Inject.Origin()
	newest := ctx.Newest()

	switch action.Inheritance {
	case core.InheritLastMessage:
		if newest != nil {
			for k, v := range newest.Fields {
				out.Fields[k] = v
			}
			for _, t := range newest.Tags {
				out.AddTag(t)
			}
		}
	case core.InheritContext:
		for k, v := range commonFields(ctx.Messages()) {
			out.Fields[k] = v
		}
	}

	if key != nil {
		setIfNotEmpty(out, core.FieldHost, key.Host)
		setIfNotEmpty(out, core.FieldProgram, key.Program)
		setIfNotEmpty(out, core.FieldPID, key.PID)
	}

	out.Set(core.FieldClass, rule.Class)
	out.Set(core.FieldRuleID, rule.ID)
	if level != "" {
		out.Set(core.FieldLevel, level)
	} else if newest != nil {
		if lvl, ok := newest.Get(core.FieldLevel); ok {
			out.Set(core.FieldLevel, lvl)
		}
	}

	var diags []error
	render := func(name string, tmpl core.Template) {
		if tmpl == nil {
			return
		}
		v, err := tmpl.Render(ctx)
		if err != nil {
			diags = append(diags, err)
		}
		out.Set(name, v)
	}

	msg := &action.Message
	render(core.FieldProgram, msg.ProgramTemplate)
	render(core.FieldMessage, msg.MessageTemplate)
	for _, vt := range msg.ValueTemplates {
		render(vt.Name, vt.Template)
	}
	for _, t := range msg.Tags {
		out.AddTag(t)
	}
	return out, diags
}

// commonFields returns the name/value pairs every member agrees on.
func commonFields(members []*core.Record) map[string]string {
	if len(members) == 0 {
		return nil
	}
	common := make(map[string]string, len(members[0].Fields))
	for k, v := range members[0].Fields {
		common[k] = v
	}
	for _, m := range members[1:] {
		for k, v := range common {
			if mv, ok := m.Get(k); !ok || mv != v {
				delete(common, k)
			}
		}
	}
	return common
}

func setIfNotEmpty(r *core.Record, name, value string) {
	if value != "" {
		r.Set(name, value)
	}
}
