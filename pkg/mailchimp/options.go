package mailchimp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Option is a single named request parameter. Value may itself be an
// Options (or a map[string]any) to express nested parameters such as
// merge_fields.
type Option struct {
	Key   string
	Value any
}

// Options is an ordered set of request parameters. It is encoded as a
// JSON object for create and update calls and flattened into a query
// string for reads, where the order of the parameters is preserved.
type Options []Option

// Get returns the value stored under key.
func (o Options) Get(key string) (any, bool) {
	for _, opt := range o {
		if opt.Key == key {
			return opt.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// With returns a copy of o where key holds value. An existing key keeps
// its position, a new key is appended.
func (o Options) With(key string, value any) Options {
	out := make(Options, 0, len(o)+1)
	replaced := false
	for _, opt := range o {
		if opt.Key == key {
			opt.Value = value
			replaced = true
		}
		out = append(out, opt)
	}
	if !replaced {
		out = append(out, Option{Key: key, Value: value})
	}
	return out
}

// Merge returns o overlaid with other; values from other win.
func (o Options) Merge(other Options) Options {
	out := append(Options(nil), o...)
	for _, opt := range other {
		out = out.With(opt.Key, opt.Value)
	}
	return out
}

// OptionsFromMap converts a plain map, nested maps included, into Options
// ordered by key.
func OptionsFromMap(m map[string]any) Options {
	out := make(Options, 0, len(m))
	for _, key := range sortedKeys(m) {
		value := m[key]
		if nested, ok := value.(map[string]any); ok {
			value = OptionsFromMap(nested)
		}
		out = append(out, Option{Key: key, Value: value})
	}
	return out
}

// MarshalJSON encodes the options as a JSON object in their stored order.
func (o Options) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, opt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(opt.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(opt.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal option %q: %w", opt.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// entries returns the nested parameters held by value, or false when value
// is a scalar. List elements are keyed by their index.
func entries(value any) (Options, bool) {
	if list, ok := listValues(value); ok {
		out := make(Options, 0, len(list))
		for i, elem := range list {
			out = append(out, Option{Key: strconv.Itoa(i), Value: elem})
		}
		return out, true
	}

	switch v := value.(type) {
	case Options:
		return v, true
	case map[string]any:
		return OptionsFromMap(v), true
	case map[string]string:
		out := make(Options, 0, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, Option{Key: k, Value: v[k]})
		}
		return out, true
	}
	return nil, false
}

// listValues returns the elements of a []string or []any.
func listValues(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = elem
		}
		return out, true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
