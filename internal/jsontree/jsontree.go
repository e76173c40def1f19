// Package jsontree reads JSON whose shape we do not control. The upstream
// payloads shift between releases, so values are walked structurally with
// defaulting getters instead of being forced through schema structs.
package jsontree

import "encoding/json"

// Value wraps one node of a decoded JSON document. The zero Value is
// "absent": every getter on it returns its default.
type Value struct {
	v  any
	ok bool
}

func Parse(b []byte) (Value, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return Value{}, err
	}
	return Value{v: v, ok: true}, nil
}

func Wrap(v any) Value { return Value{v: v, ok: true} }

// Exists reports whether the node is present and non-null.
func (v Value) Exists() bool { return v.ok && v.v != nil }

// Get walks nested object keys, returning absent as soon as any hop fails.
func (v Value) Get(keys ...string) Value {
	cur := v
	for _, k := range keys {
		m, ok := cur.v.(map[string]any)
		if !ok {
			return Value{}
		}
		nv, ok := m[k]
		if !ok {
			return Value{}
		}
		cur = Value{v: nv, ok: true}
	}
	return cur
}

// Arr returns the node's elements, or nil when it is not an array.
func (v Value) Arr() []Value {
	a, ok := v.v.([]any)
	if !ok {
		return nil
	}
	out := make([]Value, len(a))
	for i, e := range a {
		out[i] = Value{v: e, ok: true}
	}
	return out
}

// Str returns the string value, or "" for anything else.
func (v Value) Str() string {
	s, _ := v.v.(string)
	return s
}

// StrOr returns the string value, or def for anything else.
func (v Value) StrOr(def string) string {
	if s, ok := v.v.(string); ok {
		return s
	}
	return def
}

// Int returns the numeric value truncated to int, or 0.
func (v Value) Int() int {
	f, _ := v.v.(float64)
	return int(f)
}

// Float returns the numeric value, or 0.
func (v Value) Float() float64 {
	f, _ := v.v.(float64)
	return f
}

// Bool returns the boolean value, or false.
func (v Value) Bool() bool {
	b, _ := v.v.(bool)
	return b
}
