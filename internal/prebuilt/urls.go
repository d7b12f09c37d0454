package prebuilt

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

var urlPattern = regexp.MustCompile(`(?:https?://|www\.)[^\s<>"'()\[\]{}]+`)

// ExtractURLs returns the unique URLs in input in order of appearance.
// Maps and slices are flattened into one string first; trailing punctuation
// is dropped from each match.
func ExtractURLs(input any) []string {
	if input == nil {
		return []string{}
	}
	text := flatten(input)
	seen := map[string]bool{}
	urls := []string{}
	for _, m := range urlPattern.FindAllString(text, -1) {
		u := strings.TrimRight(m, ".,;:!?")
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(t))
		for _, k := range keys {
			parts = append(parts, fmt.Sprint(t[k]))
		}
		return strings.Join(parts, " ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(v)
	}
}

// Domains counts URLs per host, with scheme and a leading "www." removed.
func Domains(urls []string) map[string]any {
	out := map[string]any{}
	for _, u := range urls {
		host := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
		host, _, _ = strings.Cut(host, "/")
		host = strings.TrimPrefix(strings.ToLower(host), "www.")
		n, _ := out[host].(int)
		out[host] = n + 1
	}
	return out
}

// URLExtractorAgent is the native form of the url_extractor agent. It reads
// the payload from current_data with the same fallbacks as the Python agent
// and stores a result envelope under results["url_extractor"].
func URLExtractorAgent(_ context.Context, state map[string]any) (any, error) {
	const name = "url_extractor"
	results := ensureMap(state, "results")
	errs, _ := state["errors"].([]any)
	path, _ := state["execution_path"].([]any)

	start := time.Now()
	payload := payloadOf(state, results)
	urls := ExtractURLs(payload)
	data := map[string]any{
		"urls":    toAny(urls),
		"count":   len(urls),
		"domains": Domains(urls),
	}
	results[name] = map[string]any{
		"status": "success",
		"data":   data,
		"metadata": map[string]any{
			"agent":          name,
			"execution_time": time.Since(start).Seconds(),
			"tools_used":     []any{"extract_urls"},
		},
	}
	state["current_data"] = data

	if errs == nil {
		errs = []any{}
	}
	state["errors"] = errs
	if !slices.Contains(path, any(name)) {
		path = append(path, name)
	}
	state["execution_path"] = path
	return state, nil
}

func ensureMap(state map[string]any, key string) map[string]any {
	m, ok := state[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		state[key] = m
	}
	return m
}

func payloadOf(state, results map[string]any) any {
	switch cur := state["current_data"].(type) {
	case string:
		if cur != "" {
			return cur
		}
	case map[string]any:
		for _, k := range []string{"text", "content", "data", "user_request"} {
			if v, ok := cur[k]; ok && truthy(v) {
				return v
			}
		}
	default:
		if truthy(cur) {
			return cur
		}
	}
	for _, k := range []string{"text", "data", "request"} {
		if v, ok := state[k]; ok && truthy(v) {
			return v
		}
	}
	if files, ok := state["files"].([]any); ok && len(files) > 0 {
		if f, ok := files[0].(map[string]any); ok {
			return f["content"]
		}
		return files[0]
	}
	// Map order is lost on the wire; the lexically last key stands in for
	// the latest result.
	if len(results) > 0 {
		keys := make([]string, 0, len(results))
		for k := range results {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if env, ok := results[keys[len(keys)-1]].(map[string]any); ok {
			return env["data"]
		}
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}
