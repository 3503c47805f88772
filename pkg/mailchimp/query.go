package mailchimp

import (
	"fmt"
	"strings"
)

const (
	fieldsParam        = "fields"
	excludeFieldsParam = "exclude_fields"
)

// buildQuery flattens read options into a query string.
//
// Top-level scalars become key=value. A nested top-level value becomes a
// comma-joined selector list: second-level scalars contribute their key,
// second-level maps contribute "<key>.<value>" for each of their values.
// A top-level list is a selector list of its elements, and a second-level
// list behaves like a second-level map. Values are written as-is, without
// URL encoding.
func buildQuery(opts Options) (string, error) {
	if len(opts) == 0 {
		return "", nil
	}
	if opts.Has(fieldsParam) && opts.Has(excludeFieldsParam) {
		return "", &RequestError{
			Message: "fields and exclude_fields cannot be combined in one request",
		}
	}

	params := make([]string, 0, len(opts))
	for _, opt := range opts {
		value := formatValue(opt.Value)
		if list, ok := listValues(opt.Value); ok {
			value = strings.Join(selectors(listSelectors(list)), ",")
		} else if nested, ok := entries(opt.Value); ok {
			value = strings.Join(selectors(nested), ",")
		}
		params = append(params, opt.Key+"="+value)
	}
	return "?" + strings.Join(params, "&"), nil
}

func selectors(nested Options) []string {
	var out []string
	for _, opt := range nested {
		third, ok := entries(opt.Value)
		if !ok {
			out = append(out, opt.Key)
			continue
		}
		for _, leaf := range third {
			out = append(out, opt.Key+"."+formatValue(leaf.Value))
		}
	}
	return out
}

// listSelectors keys scalar elements by their own value so they are
// selected by name. Nested elements contribute their entries in place.
func listSelectors(list []any) Options {
	out := make(Options, 0, len(list))
	for _, elem := range list {
		if nested, ok := entries(elem); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, Option{Key: formatValue(elem), Value: true})
	}
	return out
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return fmt.Sprint(v)
}
