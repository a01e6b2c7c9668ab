// Package bundle implements Bundle, a string-keyed map of scalar values, with
// value semantics and a JSON wire form.
//
// The JSON backend is lossy on purpose: [Bundle.UnmarshalJSON] stores every
// value as its string form, and the typed getters coerce strings back into
// numbers. Callers must not rely on the stored type surviving a round trip.
package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the stored type of a value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt32
	KindInt64
	KindFloat32
	KindString
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// ErrInvalidJSON is returned by Unmarshal when the input is not a flat JSON object.
var ErrInvalidJSON = errors.New("bundle: expected a flat JSON object")

type value struct {
	s    string
	n    int64
	f    float32
	kind Kind
}

// Bundle is a mutable mapping from string keys to int32, int64, float32 or
// string values. Copies made via Clone are independent.
//
// The zero value is ready to use. A nil *Bundle behaves as an empty bundle
// for every read method. Bundle is not safe for concurrent mutation.
type Bundle struct {
	m map[string]value
}

// New returns an empty bundle.
func New() *Bundle {
	return &Bundle{}
}

func (x *Bundle) put(key string, v value) {
	if x.m == nil {
		x.m = make(map[string]value)
	}
	x.m[key] = v
}

func (x *Bundle) get(key string) (value, bool) {
	if x == nil {
		return value{}, false
	}
	v, ok := x.m[key]
	return v, ok
}

// PutInt32 stores an int32.
func (x *Bundle) PutInt32(key string, v int32) { x.put(key, value{kind: KindInt32, n: int64(v)}) }

// PutInt64 stores an int64.
func (x *Bundle) PutInt64(key string, v int64) { x.put(key, value{kind: KindInt64, n: v}) }

// PutFloat32 stores a float32.
func (x *Bundle) PutFloat32(key string, v float32) { x.put(key, value{kind: KindFloat32, f: v}) }

// PutString stores a string.
func (x *Bundle) PutString(key string, v string) { x.put(key, value{kind: KindString, s: v}) }

// PutAll copies every entry of other into x, overwriting existing keys.
func (x *Bundle) PutAll(other *Bundle) {
	if other == nil {
		return
	}
	for k, v := range other.m {
		x.put(k, v)
	}
}

// Kind returns the stored kind for key, or KindInvalid if absent.
func (x *Bundle) Kind(key string) Kind {
	v, _ := x.get(key)
	return v.kind
}

// GetInt32 returns the value for key as an int32, or def if it is absent or
// cannot be represented. Strings are parsed.
func (x *Bundle) GetInt32(key string, def int32) int32 {
	n, ok := x.integer(key)
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return def
	}
	return int32(n)
}

// GetInt64 returns the value for key as an int64, or def.
func (x *Bundle) GetInt64(key string, def int64) int64 {
	n, ok := x.integer(key)
	if !ok {
		return def
	}
	return n
}

// GetFloat32 returns the value for key as a float32, or def.
func (x *Bundle) GetFloat32(key string, def float32) float32 {
	v, ok := x.get(key)
	if !ok {
		return def
	}
	switch v.kind {
	case KindFloat32:
		return v.f
	case KindInt32, KindInt64:
		return float32(v.n)
	case KindString:
		f, err := strconv.ParseFloat(v.s, 32)
		if err != nil {
			return def
		}
		return float32(f)
	}
	return def
}

func (x *Bundle) integer(key string) (int64, bool) {
	v, ok := x.get(key)
	if !ok {
		return 0, false
	}
	switch v.kind {
	case KindInt32, KindInt64:
		return v.n, true
	case KindFloat32:
		if v.f != float32(math.Trunc(float64(v.f))) {
			return 0, false
		}
		return int64(v.f), true
	case KindString:
		n, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// GetString returns the value for key in its string form, or def if absent.
// Numbers are formatted in decimal.
func (x *Bundle) GetString(key string, def string) string {
	v, ok := x.get(key)
	if !ok {
		return def
	}
	return v.String()
}

// GetCharSequence is GetString with an empty default.
func (x *Bundle) GetCharSequence(key string) string {
	return x.GetString(key, ``)
}

func (v value) String() string {
	switch v.kind {
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.n, 10)
	case KindFloat32:
		return strconv.FormatFloat(float64(v.f), 'g', -1, 32)
	default:
		return v.s
	}
}

// ContainsKey reports whether key is present.
func (x *Bundle) ContainsKey(key string) bool {
	_, ok := x.get(key)
	return ok
}

// Remove deletes key.
func (x *Bundle) Remove(key string) {
	if x != nil {
		delete(x.m, key)
	}
}

// Clear removes every key.
func (x *Bundle) Clear() {
	if x != nil {
		x.m = nil
	}
}

// Len returns the number of keys.
func (x *Bundle) Len() int {
	if x == nil {
		return 0
	}
	return len(x.m)
}

// Keys returns every key, sorted.
func (x *Bundle) Keys() []string {
	if x.Len() == 0 {
		return nil
	}
	keys := make([]string, 0, len(x.m))
	for k := range x.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy. Cloning nil returns nil.
func (x *Bundle) Clone() *Bundle {
	if x == nil {
		return nil
	}
	c := &Bundle{}
	if len(x.m) != 0 {
		c.m = make(map[string]value, len(x.m))
		for k, v := range x.m {
			c.m[k] = v
		}
	}
	return c
}

// Equal reports whether both bundles hold the same keys, kinds and values.
func (x *Bundle) Equal(other *Bundle) bool {
	if x.Len() != other.Len() {
		return false
	}
	for _, k := range x.Keys() {
		a, _ := x.get(k)
		b, ok := other.get(k)
		if !ok || a != b {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, for logging.
func (x *Bundle) String() string {
	b, err := x.MarshalJSON()
	if err != nil {
		return fmt.Sprintf(`bundle(%d keys)`, x.Len())
	}
	return string(b)
}

// MarshalJSON encodes the bundle as a JSON object, with keys in sorted order.
func (x *Bundle) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range x.Keys() {
		if i != 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v, _ := x.get(k)
		switch v.kind {
		case KindString:
			vb, err := json.Marshal(v.s)
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		case KindFloat32:
			if math.IsNaN(float64(v.f)) || math.IsInf(float64(v.f), 0) {
				return nil, fmt.Errorf(`bundle: key %q: unsupported float value %v`, k, v.f)
			}
			buf.WriteString(v.String())
		default:
			buf.WriteString(v.String())
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the contents of x with the decoded object. Every
// value is stored as a string.
func (x *Bundle) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Join(ErrInvalidJSON, err)
	}
	if raw == nil {
		return ErrInvalidJSON
	}
	m := make(map[string]value, len(raw))
	for k, r := range raw {
		var s string
		if len(r) != 0 && r[0] == '"' {
			if err := json.Unmarshal(r, &s); err != nil {
				return errors.Join(ErrInvalidJSON, err)
			}
		} else {
			var n json.Number
			if err := json.Unmarshal(r, &n); err != nil {
				return fmt.Errorf(`%w: key %q: %w`, ErrInvalidJSON, k, err)
			}
			s = n.String()
		}
		m[k] = value{kind: KindString, s: s}
	}
	x.m = m
	return nil
}

// Marshal is a convenience for MarshalJSON.
func Marshal(b *Bundle) ([]byte, error) {
	return b.MarshalJSON()
}

// Unmarshal decodes a bundle from its JSON form.
func Unmarshal(data []byte) (*Bundle, error) {
	b := New()
	if err := b.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return b, nil
}
