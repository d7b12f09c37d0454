package factory

import (
	"strings"

	"agentfabric/internal/adapter/pycheck"
)

// span locates a top-level function in source lines. body is the first
// statement after the signature and docstring; end is exclusive and skips
// trailing blank lines.
type span struct {
	def, body, end int
	indent         string
}

func findFunc(lines []string, name string) (span, bool) {
	var s span
	s.def = -1
	for i, l := range lines {
		if strings.HasPrefix(l, "def "+name+"(") || strings.HasPrefix(l, "def "+name+" (") {
			s.def = i
			break
		}
	}
	if s.def < 0 {
		return s, false
	}

	i := s.def
	for i < len(lines) && !strings.HasSuffix(stripComment(lines[i]), ":") {
		i++
	}
	s.body = i + 1
	s.indent = "    "

	for j := s.body; j < len(lines); j++ {
		t := strings.TrimSpace(lines[j])
		if t == "" {
			continue
		}
		s.indent = lines[j][:len(lines[j])-len(strings.TrimLeft(lines[j], " \t"))]
		if s.indent == "" {
			s.indent = "    "
		}
		if q := docQuote(t); q != "" {
			end := j
			if strings.Count(t, q) < 2 {
				for end = j + 1; end < len(lines) && !strings.Contains(lines[end], q); end++ {
				}
			}
			s.body = end + 1
		}
		break
	}

	s.end = len(lines)
	for j := s.body; j < len(lines); j++ {
		l := lines[j]
		if l != "" && l[0] != ' ' && l[0] != '\t' && !strings.HasPrefix(l, "#") {
			s.end = j
			break
		}
	}
	for s.end > s.body && strings.TrimSpace(lines[s.end-1]) == "" {
		s.end--
	}
	if s.body > len(lines) {
		s.body = len(lines)
	}
	return s, true
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimRight(line, " \t\r")
}

func docQuote(trimmed string) string {
	for _, q := range []string{`"""`, `'''`} {
		if strings.HasPrefix(trimmed, q) {
			return q
		}
	}
	return ""
}

func splice(lines []string, at int, insert ...string) []string {
	out := make([]string, 0, len(lines)+len(insert))
	out = append(out, lines[:at]...)
	out = append(out, insert...)
	return append(out, lines[at:]...)
}

// repairTool wraps the body of the tool in try/except and adds a None
// guard when the report asks for them. wrap forces the try/except even if
// one exists, for tools that raise before reaching it.
func repairTool(code string, report pycheck.Report, defaultLit string, wrap bool) (string, bool) {
	if report.Function == "" {
		return code, false
	}
	lines := strings.Split(strings.TrimRight(code, "\n"), "\n")
	s, ok := findFunc(lines, report.Function)
	if !ok || s.body >= s.end {
		return code, false
	}
	in := s.indent
	changed := false

	if wrap || report.Has(pycheck.IssueTry) {
		wrapped := []string{in + "try:"}
		for _, l := range lines[s.body:s.end] {
			if strings.TrimSpace(l) == "" {
				wrapped = append(wrapped, "")
				continue
			}
			wrapped = append(wrapped, in+l)
		}
		wrapped = append(wrapped, in+"except Exception:", in+in+"return "+defaultLit)
		tail := append([]string{}, lines[s.end:]...)
		lines = append(append(lines[:s.body:s.body], wrapped...), tail...)
		changed = true
	}

	if report.Has(pycheck.IssueNoneCheck) && len(report.Params) > 0 && !strings.HasPrefix(report.Params[0], "*") {
		p := report.Params[0]
		lines = splice(lines, s.body, in+"if "+p+" is None:", in+in+"return "+defaultLit)
		changed = true
	}
	return strings.Join(lines, "\n") + "\n", changed
}

// repairAgent injects missing state initialization and the trailing
// return state.
func repairAgent(code string, report pycheck.Report) (string, bool) {
	if report.Function == "" || (len(report.MissingInit) == 0 && !report.MissingReturn) {
		return code, false
	}
	lines := strings.Split(strings.TrimRight(code, "\n"), "\n")
	s, ok := findFunc(lines, report.Function)
	if !ok {
		return code, false
	}
	in := s.indent

	if report.MissingReturn {
		lines = splice(lines, s.end, in+"return state")
	}
	if len(report.MissingInit) > 0 {
		var init []string
		for _, key := range report.MissingInit {
			empty := "[]"
			if key == "results" {
				empty = "{}"
			}
			init = append(init, in+"if '"+key+"' not in state:", in+in+"state['"+key+"'] = "+empty)
		}
		lines = splice(lines, s.body, init...)
	}
	return strings.Join(lines, "\n") + "\n", true
}

// toolPreamble is the import block for a tool, with a stub fallback so the
// agent still loads when the tool module is absent.
func toolPreamble(module, name string) []string {
	return []string{
		"try:",
		"    from " + module + " import " + name,
		"except ImportError:",
		"    def " + name + "(input_data=None):",
		"        return None",
		"",
	}
}

// ensureToolImports prepends the preamble of every tool the code does not
// import yet.
func ensureToolImports(code string, tools []promptTool) string {
	var pre []string
	for _, t := range tools {
		if strings.Contains(code, "import "+t.Name) {
			continue
		}
		pre = append(pre, toolPreamble(t.Module, t.Name)...)
	}
	if len(pre) == 0 {
		return code
	}
	return strings.Join(pre, "\n") + "\n" + code
}
