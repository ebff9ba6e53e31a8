// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package paramvalue provides a dynamic, JSON-serializable value used to
// carry parameter records from the config sources through the expander,
// the bucket partitioner, and the work file, to the worker process's
// stdin, without resorting to reflection.
package paramvalue

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the concrete shape a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a tagged variant over the handful of shapes a parameter
// record can take: null, bool, number, string, list, or map. It is the
// only type that crosses the expander/bucket/work-file boundary, so
// callers never need to type-switch on interface{}.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null is the canonical null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func List(items ...Value) Value { return Value{kind: KindList, list: items} }

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) Map() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// MapKeys returns the map's keys sorted alphabetically, or nil if this
// Value is not a map.
func (v Value) MapKeys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithField returns a copy of the map value with key set to val. Panics
// if v is not a map; callers build records field-by-field from a known
// map value.
func (v Value) WithField(key string, val Value) Value {
	if v.kind != KindMap {
		panic("paramvalue: WithField on non-map value")
	}
	out := make(map[string]Value, len(v.m)+1)
	for k, existing := range v.m {
		out[k] = existing
	}
	out[key] = val
	return Value{kind: KindMap, m: out}
}

// Field looks up a key in a map value. Returns Null and false if v is
// not a map or the key is absent.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null, false
	}
	val, ok := v.m[key]
	return val, ok
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("paramvalue: unknown kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromInterface(raw)
	return nil
}

// FromInterface converts a generic decoded JSON/YAML value (as produced
// by encoding/json or gopkg.in/yaml.v3 with `yaml.Node.Decode(&any)`)
// into a Value tree.
func FromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case string:
		return String(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromInterface(item)
		}
		return List(items...)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromInterface(item)
		}
		return Map(m)
	case map[interface{}]interface{}:
		// yaml.v3 decodes generic maps with interface{} keys.
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[fmt.Sprintf("%v", k)] = FromInterface(item)
		}
		return Map(m)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// ToInterface converts a Value back into plain Go data for callers that
// want to inspect or re-encode it without the tagged-variant API (e.g.
// the scheduler adapter's work-file writer).
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToInterface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.ToInterface()
		}
		return out
	default:
		return nil
	}
}
