package docstore

import "strings"

// Clone deep-copies fields, including nested maps and lists.
func Clone(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return map[string]any(Clone(t))
	case map[string]any:
		return map[string]any(Clone(t))
	case map[string]bool:
		m := make(map[string]any, len(t))
		for k, b := range t {
			m[k] = b
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// Resolve returns a copy of v with every ServerTimestamp sentinel replaced by
// now.
func Resolve(v any, now any) any {
	if IsServerTimestamp(v) {
		return now
	}
	switch t := v.(type) {
	case Fields:
		return map[string]any(ResolveFields(t, now))
	case map[string]any:
		return map[string]any(ResolveFields(t, now))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Resolve(e, now)
		}
		return out
	default:
		return cloneValue(v)
	}
}

// ResolveFields applies Resolve to every value of f.
func ResolveFields(f Fields, now any) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = Resolve(v, now)
	}
	return out
}

// ApplyMerge writes fields into doc following the Merge contract: plain keys
// replace the field, dotted keys set one nested map key, creating or
// replacing intermediate maps as needed. doc is modified in place.
func ApplyMerge(doc Fields, fields Fields) {
	for k, v := range fields {
		if !strings.Contains(k, ".") {
			doc[k] = v
			continue
		}
		parts := SplitFieldPath(k)
		cur := map[string]any(doc)
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
}
