package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Params is a typed view over a request payload. Payloads may come from Go
// callers, JSON decoding or YAML decoding, so numeric accessors accept any
// numeric representation.
type Params map[string]any

// Has reports whether key is present and non-nil.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns a string value or def.
func (p Params) String(key, def string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a float value or def.
func (p Params) Float(key string, def float64) float64 {
	if f, ok := toFloat(p[key]); ok {
		return f
	}
	return def
}

// Int returns an integer value or def. Fractions are truncated.
func (p Params) Int(key string, def int) int {
	if f, ok := toFloat(p[key]); ok {
		return int(f)
	}
	return def
}

// Bool returns a boolean value or def.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Strings returns a string list. A single string becomes a one-element list.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Map returns a nested mapping, or an empty one.
func (p Params) Map(key string) Params {
	return AsParams(p[key])
}

// MapList returns a list of nested mappings, skipping non-mapping entries.
func (p Params) MapList(key string) []Params {
	var out []Params
	switch v := p[key].(type) {
	case []map[string]any:
		for _, m := range v {
			out = append(out, Params(m))
		}
	case []any:
		for _, item := range v {
			if m, ok := asMap(item); ok {
				out = append(out, Params(m))
			}
		}
	}
	return out
}

// AsParams converts v to Params when it is a mapping.
func AsParams(v any) Params {
	if m, ok := asMap(v); ok {
		return Params(m)
	}
	return Params{}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Params:
		return m, true
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// ErrorPayload builds the conventional failure payload.
func ErrorPayload(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// PayloadError returns the "error" entry of a payload, if any. The key
// alone marks a failure, whatever its value.
func PayloadError(payload map[string]any) (string, bool) {
	v, ok := payload["error"]
	if !ok {
		return "", false
	}
	if v == nil {
		return "unknown error", true
	}
	return fmt.Sprint(v), true
}
