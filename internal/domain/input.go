package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Input is the typed key-value payload a task carries to its job.
// Values round-trip through JSON, so numbers come back as float64.
type Input map[string]any

func (in Input) Has(key string) bool {
	_, ok := in[key]
	return ok
}

func (in Input) String(key string) string {
	v, ok := in[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (in Input) Int(key string) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func (in Input) Float(key string) float64 {
	switch v := in[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func (in Input) Bool(key string) bool {
	b, _ := in[key].(bool)
	return b
}

// Duration accepts either a Go duration string or a number of milliseconds.
func (in Input) Duration(key string) time.Duration {
	switch v := in[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}

func (in Input) Strings(key string) []string {
	switch v := in[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// Decode unmarshals the value stored under key into dst.
func (in Input) Decode(key string, dst any) error {
	v, ok := in[key]
	if !ok {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// Set stores v under key after a JSON round trip so the map holds only
// JSON-native values.
func (in Input) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	in[key] = out
	return nil
}

// Clone returns a shallow copy.
func (in Input) Clone() Input {
	out := make(Input, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (in Input) Keys() []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
