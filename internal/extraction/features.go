// Package extraction derives structured features from a case's initial
// evidence and matches them against auto-resolve patterns. It makes no
// inference calls; the same input always yields the same output.
package extraction

import (
	"fmt"
	"sort"
	"strings"
)

// Uncategorized is used when the evidence names no category.
const Uncategorized = "uncategorized"

// indicatorKeys are the evidence fields collected into the indicator list.
var indicatorKeys = []string{"src_ip", "dst_ip", "ip", "domain", "url", "file_hash", "host", "user", "email"}

// Features is the normalized view of a case's evidence.
type Features struct {
	Category   string
	Indicators []string
	Fields     map[string]any
}

// Map renders the features for persistence on the case.
func (f Features) Map() map[string]any {
	out := make(map[string]any, len(f.Fields)+3)
	for k, v := range f.Fields {
		out[k] = v
	}
	out["category"] = f.Category
	out["indicators"] = f.Indicators
	out["indicator_count"] = len(f.Indicators)
	return out
}

// Extract normalizes raw evidence. Keys are lower-cased and trimmed, string
// values are trimmed, and indicator fields are collected into a sorted,
// de-duplicated list. When several raw keys normalize to the same key, a key
// already in normal form wins, otherwise the first in byte order.
func Extract(raw map[string]any) Features {
	f := Features{Category: Uncategorized, Fields: make(map[string]any, len(raw))}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if _, taken := f.Fields[key]; taken && k != key {
			continue
		}
		v := raw[k]
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		f.Fields[key] = v
	}

	for _, key := range []string{"category", "alert_type", "type"} {
		if s, ok := f.Fields[key].(string); ok && s != "" {
			f.Category = strings.ToLower(s)
			break
		}
	}

	seen := make(map[string]bool)
	add := func(v any) {
		s := strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
		if s != "" && !seen[s] {
			seen[s] = true
			f.Indicators = append(f.Indicators, s)
		}
	}
	for _, key := range indicatorKeys {
		switch v := f.Fields[key].(type) {
		case nil:
		case []any:
			for _, item := range v {
				add(item)
			}
		case []string:
			for _, item := range v {
				add(item)
			}
		default:
			add(v)
		}
	}
	if list, ok := f.Fields["indicators"].([]any); ok {
		for _, item := range list {
			add(item)
		}
	}
	sort.Strings(f.Indicators)
	if f.Indicators == nil {
		f.Indicators = []string{}
	}
	return f
}
