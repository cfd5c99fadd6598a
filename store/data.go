package store

import (
	"encoding/json"
	"math"
)

// incrementKey marks a field transform that adds to the stored number.
const incrementKey = "$inc"

// Data is a JSON-compatible document body.
type Data map[string]any

// Increment returns a field value that adds n to the existing number on write.
func Increment(n int64) Data {
	return Data{incrementKey: n}
}

func incrementBy(value any) (int64, bool) {
	m, ok := asMap(value)
	if !ok || len(m) != 1 {
		return 0, false
	}
	raw, ok := m[incrementKey]
	if !ok {
		return 0, false
	}
	return AsInt64(raw)
}

// Merge deep-merges src into a copy of dst. Nested maps merge key by key,
// other values replace, and Increment values add to the existing number.
func Merge(dst, src Data) Data {
	out := Clone(dst)
	if out == nil {
		out = Data{}
	}
	for key, value := range src {
		if n, ok := incrementBy(value); ok {
			current, _ := AsInt64(out[key])
			out[key] = current + n
			continue
		}
		if next, ok := asMap(value); ok {
			existing, _ := asMap(out[key])
			out[key] = map[string]any(Merge(existing, next))
			continue
		}
		out[key] = cloneValue(value)
	}
	return out
}

// Resolve applies field transforms in src against an empty document.
func Resolve(src Data) Data {
	return Merge(nil, src)
}

// Clone deep-copies d.
func Clone(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for key, value := range d {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Data:
		return map[string]any(Clone(v))
	case map[string]any:
		return map[string]any(Clone(v))
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}

func asMap(value any) (Data, bool) {
	switch v := value.(type) {
	case Data:
		return v, true
	case map[string]any:
		return Data(v), true
	case map[string]bool:
		out := make(Data, len(v))
		for key, b := range v {
			out[key] = b
		}
		return out, true
	case map[string]int:
		out := make(Data, len(v))
		for key, n := range v {
			out[key] = n
		}
		return out, true
	default:
		return nil, false
	}
}

// AsInt64 converts JSON and Go numeric values to int64.
func AsInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// String returns the string field key, or "".
func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Int64 returns the numeric field key, or 0.
func (d Data) Int64(key string) int64 {
	n, _ := AsInt64(d[key])
	return n
}

// Map returns the nested object field key, or nil.
func (d Data) Map(key string) Data {
	m, _ := asMap(d[key])
	return m
}

// BoolMap returns the nested object field key with boolean values.
func (d Data) BoolMap(key string) map[string]bool {
	m, ok := asMap(d[key])
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}

// IntMap returns the nested object field key with numeric values.
func (d Data) IntMap(key string) map[string]int {
	m, ok := asMap(d[key])
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		if n, ok := AsInt64(v); ok {
			out[k] = int(n)
		}
	}
	return out
}

// Strings returns the array field key as strings.
func (d Data) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
