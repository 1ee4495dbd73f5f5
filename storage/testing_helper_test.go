package storage

import (
	"time"

	"patterndb/core"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func original(sec int, msg string) *core.Record {
	return core.NewMessage(epoch.Add(time.Duration(sec)*time.Second), "sshd", msg)
}

func synthetic(sec int, ruleID, msg string, origin core.Origin) *core.Record {
	r := core.NewMessage(epoch.Add(time.Duration(sec)*time.Second), "patterndb", msg)
	r.Origin = origin
	r.Set(core.FieldRuleID, ruleID)
	r.Set(core.FieldClass, "violation")
	r.Set(core.FieldContextID, "ctx-"+ruleID)
	r.AddTag("correlated")
	return r
}
