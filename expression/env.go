package expression

import "patterndb/core"

// Names reserved in the evaluation environment. Record fields with these names
// stay reachable through fields["..."].
const (
	envFields        = "fields"
	envMessages      = "messages"
	envTags          = "tags"
	envContextLength = "context_length"
)

// newEnv exposes the newest record's fields as top level variables, next to
// the whole member list and the context length.
func newEnv(ctx core.EvalContext) map[string]interface{} {
	newest := ctx.Newest()
	members := ctx.Messages()

	env := make(map[string]interface{}, 8)
	if newest != nil {
		for k, v := range newest.Fields {
			if isIdentifier(k) {
				env[k] = v
			}
		}
		env[envFields] = newest.Fields
		env[envTags] = newest.Tags
	} else {
		env[envFields] = map[string]string{}
		env[envTags] = []string{}
	}

	msgs := make([]map[string]string, 0, len(members))
	for _, m := range members {
		msgs = append(msgs, m.Fields)
	}
	env[envMessages] = msgs
	env[envContextLength] = ctx.Len()
	return env
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	switch s {
	case envFields, envMessages, envTags, envContextLength:
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
