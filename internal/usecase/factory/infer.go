package factory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// InferDefaultReturn picks the value a tool returns on bad input from the
// wording of its output description.
func InferDefaultReturn(outputDescription string) any {
	d := strings.ToLower(outputDescription)
	switch {
	case containsAny(d, "list", "array"):
		return []any{}
	case containsAny(d, "dict", "object", "json"):
		return map[string]any{}
	case containsAny(d, "string", "text", "str"):
		return ""
	case containsAny(d, "number", "int", "float"):
		return 0
	case containsAny(d, "bool"):
		return false
	}
	return nil
}

// pyLiteral renders v as a Python literal.
func pyLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return strconv.Quote(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = pyLiteral(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + pyLiteral(t[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%q", fmt.Sprint(v))
}

var toolTagKeywords = []struct{ word, tag string }{
	{"extract", "extraction"},
	{"calculate", "calculation"},
	{"validate", "validation"},
	{"convert", "conversion"},
	{"parse", "parsing"},
	{"filter", "filtering"},
	{"transform", "transformation"},
	{"analyze", "analysis"},
	{"process", "processing"},
	{"format", "formatting"},
}

// ToolTags derives at most five tags from a tool description.
func ToolTags(description string) []string {
	d := strings.ToLower(description)
	tags := []string{}
	for _, kw := range toolTagKeywords {
		if strings.Contains(d, kw.word) {
			tags = append(tags, kw.tag)
		}
	}
	return capTags(tags)
}

var agentTagKeywords = []struct {
	word string
	tags []string
}{
	{"pdf", []string{"pdf-processing", "document"}},
	{"excel", []string{"excel", "spreadsheet"}},
	{"csv", []string{"csv", "data-processing"}},
	{"chart", []string{"visualization", "plotting"}},
	{"email", []string{"communication", "extraction"}},
	{"url", []string{"extraction", "web"}},
	{"statistic", []string{"statistics", "analysis"}},
	{"median", []string{"statistics", "calculation"}},
	{"mean", []string{"statistics", "calculation"}},
	{"summary", []string{"summarization", "analysis"}},
	{"sentiment", []string{"sentiment", "analysis"}},
}

// AgentTags derives at most five distinct tags from an agent description.
func AgentTags(description string) []string {
	d := strings.ToLower(description)
	seen := map[string]bool{}
	tags := []string{}
	for _, kw := range agentTagKeywords {
		if !strings.Contains(d, kw.word) {
			continue
		}
		for _, t := range kw.tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return capTags(tags)
}

func capTags(tags []string) []string {
	if len(tags) > 5 {
		return tags[:5]
	}
	return tags
}

// InferToolDescription describes a tool the planner only named, from the
// verb its name starts with and the agent that needs it.
func InferToolDescription(tool, agentDescription string) string {
	words := strings.ReplaceAll(tool, "_", " ")
	var what string
	switch verb, _, _ := strings.Cut(tool, "_"); verb {
	case "extract", "find", "parse":
		what = "Regex extraction: " + words + " from text or structured input"
	case "calculate", "compute", "count", "sum":
		what = "Numeric reduction: " + words + " over a list of numbers or numeric text"
	case "format", "convert", "transform":
		what = "Data shaping: " + words + " into a clean JSON-compatible structure"
	case "validate", "check", "verify":
		what = "Rule check: " + words + " returning a validation result"
	default:
		what = "Helper: " + words
	}
	if agentDescription != "" {
		what += ". Used by an agent that " + lowerFirst(agentDescription)
	}
	return what
}

func importsFor(text string) []string {
	t := strings.ToLower(text)
	var imports []string
	if containsAny(t, "regex", "pattern", "extract") {
		imports = append(imports, "import re")
	}
	if strings.Contains(t, "json") {
		imports = append(imports, "import json")
	}
	if containsAny(t, "date", "time") {
		imports = append(imports, "from datetime import datetime")
	}
	if containsAny(t, "math", "calculate", "statistic", "median", "mean") {
		imports = append(imports, "import math")
	}
	return imports
}

func logicHints(description string, hasExamples bool) []string {
	d := strings.ToLower(description)
	var hints []string
	switch {
	case strings.Contains(d, "extract"):
		hints = []string{"# extract the relevant items with pattern matching"}
	case containsAny(d, "calculate", "compute"):
		hints = []string{"# coerce inputs to numbers and compute safely"}
	case containsAny(d, "validate", "check"):
		hints = []string{"# check the input against the rules and report the outcome"}
	case containsAny(d, "convert", "transform", "format"):
		hints = []string{"# reshape the input into the requested format"}
	case containsAny(d, "filter", "select"):
		hints = []string{"# keep only the matching items"}
	default:
		hints = []string{"# process the input"}
	}
	if hasExamples {
		hints = append(hints, "# match the example input/output pairs")
	}
	return hints
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
