package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

var ipv4Re = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	return scalarString(fields[key])
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// FieldStrings flattens every scalar value of fields, including those nested in
// lists and maps, in key order.
func FieldStrings(fields map[string]any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case nil:
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			out = append(out, val...)
		default:
			if s := scalarString(val); s != "" {
				out = append(out, s)
			}
		}
	}
	walk(fields)
	return out
}

// ExtractIPv4s returns every distinct IPv4 literal in message and fields, in
// order of first appearance.
func ExtractIPv4s(message string, fields map[string]any) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(text string) {
		for _, ip := range ipv4Re.FindAllString(text, -1) {
			if _, ok := seen[ip]; ok {
				continue
			}
			seen[ip] = struct{}{}
			out = append(out, ip)
		}
	}
	add(message)
	for _, s := range FieldStrings(fields) {
		add(s)
	}
	return out
}

// FirstIPv4 returns the first IPv4 literal in text, or "".
func FirstIPv4(text string) string {
	return ipv4Re.FindString(text)
}
