package report

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Record is one normalized row. Values are int64, float64, string or
// json.RawMessage depending on the field kind.
type Record map[string]any

// Clone returns a shallow copy. Blob values are copied too.
func (r Record) Clone() Record {
	out := maps.Clone(r)
	for k, v := range out {
		if raw, ok := v.(json.RawMessage); ok {
			out[k] = append(json.RawMessage(nil), raw...)
		}
	}
	return out
}

// Text returns the string form of a value, empty when absent.
func (r Record) Text(name string) string {
	switch v := r[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Org returns the organization identifier used for remote mapping.
func (r Record) Org(def Definition) string { return r.Text(def.OrgField) }

// HasKey reports whether every natural-key field is non-empty.
func (r Record) HasKey(def Definition) bool {
	for _, k := range def.Key {
		if r.Text(k) == "" {
			return false
		}
	}
	return true
}

// KeyValues returns the natural key values in definition order.
func (r Record) KeyValues(def Definition) []any {
	out := make([]any, len(def.Key))
	for i, k := range def.Key {
		out[i] = r[k]
	}
	return out
}

// KeyString is a readable form of the natural key for logs.
func (r Record) KeyString(def Definition) string {
	s := ""
	for i, k := range def.Key {
		if i > 0 {
			s += "/"
		}
		s += r.Text(k)
	}
	return s
}

// Number returns the numeric value of name as float64.
func (r Record) Number(name string) (float64, bool) {
	return AsNumber(r[name])
}

// AsNumber converts int64, float64 and numeric driver values to float64.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Normalize coerces a driver value into the record representation of kind.
func Normalize(kind FieldKind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case Int:
		if f, ok := AsNumber(v); ok {
			return int64(f)
		}
	case Decimal:
		if f, ok := AsNumber(v); ok {
			return f
		}
	case Blob:
		switch b := v.(type) {
		case []byte:
			return json.RawMessage(append([]byte(nil), b...))
		case string:
			return json.RawMessage(b)
		case json.RawMessage:
			return b
		}
	default:
		switch s := v.(type) {
		case []byte:
			return string(s)
		case string:
			return s
		}
	}
	return v
}
