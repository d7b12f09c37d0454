package pycheck

import (
	"regexp"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// StateKeys are the keys every agent initializes when absent.
var StateKeys = []string{"results", "errors", "execution_path"}

type agentPattern struct {
	name string
	re   *regexp.Regexp
}

// agentPatterns are the body patterns of the agent contract besides key
// initialization and the exception handler, which are checked separately.
var agentPatterns = []agentPattern{
	{"input extraction from current_data",
		regexp.MustCompile(`state\.get\(\s*['"]current_data['"]|=\s*state\[\s*['"]current_data['"]\s*\]`)},
	{"type dispatch on current_data",
		regexp.MustCompile(`isinstance\(\s*current`)},
	{"result envelope in state['results']",
		regexp.MustCompile(`state\[\s*['"]results['"]\s*\]\s*\[`)},
	{"current_data update",
		regexp.MustCompile(`state\[\s*['"]current_data['"]\s*\]\s*=[^=]`)},
	{"error recording in state['errors']",
		regexp.MustCompile(`state\[\s*['"]errors['"]\s*\]\.append\(|setdefault\(\s*['"]errors['"][^)]*\)\.append\(`)},
	{"execution_path append",
		regexp.MustCompile(`state\[\s*['"]execution_path['"]\s*\]\.append\(|setdefault\(\s*['"]execution_path['"][^)]*\)\.append\(`)},
}

// FallbackKeys are the state keys an agent reads, in order, when
// current_data holds nothing usable.
var FallbackKeys = []string{"text", "data", "request", "files"}

var keyLoop = regexp.MustCompile(`for\s+(\w+)\s+in\s+[\[(]([^\])]*)[\])]`)

// fallsBackTo reports whether body reads state[key], either directly or
// through a loop over a key list that contains it. A loop counts only when
// the state lookup comes before the next loop header.
func fallsBackTo(body, key string) bool {
	k := regexp.QuoteMeta(key)
	if regexp.MustCompile(`state(?:\.get\(|\[)\s*['"]` + k + `['"]`).MatchString(body) {
		return true
	}
	quoted := regexp.MustCompile(`['"]` + k + `['"]`)
	loops := keyLoop.FindAllStringSubmatchIndex(body, -1)
	for i, m := range loops {
		if !quoted.MatchString(body[m[4]:m[5]]) {
			continue
		}
		end := len(body)
		if i+1 < len(loops) {
			end = loops[i+1][0]
		}
		v := regexp.QuoteMeta(body[m[2]:m[3]])
		if regexp.MustCompile(`state(?:\.get\(|\[)\s*` + v + `\s*[,)\]]`).MatchString(body[m[1]:end]) {
			return true
		}
	}
	return false
}

func initPattern(key string) *regexp.Regexp {
	k := regexp.QuoteMeta(key)
	return regexp.MustCompile(`['"]` + k + `['"]\s+not\s+in\s+state|state\.setdefault\(\s*['"]` + k + `['"]`)
}

// AgentOptions tunes CheckAgent.
type AgentOptions struct {
	// AllowBareName accepts a function called <name> in place of
	// <name>_agent.
	AllowBareName bool
}

// EntryPoint is the canonical function name for agent name.
func EntryPoint(name string) string { return name + "_agent" }

// IsToolImport reports whether module is a registered tool module.
func IsToolImport(module string) bool {
	return strings.HasPrefix(module, "generated.tools.") || strings.HasPrefix(module, "prebuilt.tools.")
}

// CheckAgent validates an agent source against the agent contract.
func (c *Checker) CheckAgent(code, name string, lines LineRange, opts AgentOptions) Report {
	var r Report
	p, err := parse(code)
	if err != nil {
		r.add(IssueSyntax, "%v", err)
		return r
	}
	defer p.close()

	if err := p.syntaxError(); err != nil {
		r.add(IssueSyntax, "%v", err)
		r.LineCount = CountLines(code)
		return r
	}

	fn := p.entryFunction(name, opts.AllowBareName)
	if fn == nil {
		r.add(IssueStructure, "missing top-level function %s(state)", EntryPoint(name))
		r.LineCount = CountLines(code)
		return r
	}
	r.Function = p.funcName(fn)
	r.Params = p.funcParams(fn)
	if len(r.Params) == 0 || r.Params[0] != "state" {
		r.add(IssueParams, "%s must take state as its first parameter", r.Function)
	}

	p.checkCommon(c, &r, code, lines, "agent", IsToolImport)

	body := p.text(fn)
	for _, key := range StateKeys {
		if !initPattern(key).MatchString(body) {
			r.MissingInit = append(r.MissingInit, key)
			r.add(IssuePattern, "missing required pattern: initialize state['%s']", key)
		}
	}
	for _, pat := range agentPatterns {
		if !pat.re.MatchString(body) {
			r.add(IssuePattern, "missing required pattern: %s", pat.name)
		}
	}
	var noFallback []string
	for _, key := range FallbackKeys {
		if !fallsBackTo(body, key) {
			noFallback = append(noFallback, "state['"+key+"']")
		}
	}
	if len(noFallback) > 0 {
		r.add(IssuePattern, "missing required pattern: input fallback to %s", strings.Join(noFallback, ", "))
	}
	if !contains(fn, "except_clause") {
		r.add(IssueTry, "missing required pattern: exception handler")
	}
	if !p.endsWithReturnState(fn) {
		r.MissingReturn = true
		r.add(IssueReturn, "agent must end with return state")
	}
	if p.callsExit(fn) {
		r.add(IssueRaise, "agent must not exit the interpreter")
	}
	if contains(fn, "raise_statement") {
		r.add(IssueRaise, "agent must not raise exceptions")
	}
	return r
}

func (p *parsed) entryFunction(name string, allowBare bool) *sitter.Node {
	var bare *sitter.Node
	for _, fn := range p.topLevelFunctions() {
		switch p.funcName(fn) {
		case EntryPoint(name):
			return fn
		case name:
			bare = fn
		}
	}
	if allowBare {
		return bare
	}
	return nil
}

func (p *parsed) endsWithReturnState(fn *sitter.Node) bool {
	body := fn.ChildByFieldName("body")
	if body == nil {
		return false
	}
	for i := int(body.NamedChildCount()) - 1; i >= 0; i-- {
		n := body.NamedChild(uint(i))
		if n.Kind() == "comment" {
			continue
		}
		return n.Kind() == "return_statement" && strings.Join(strings.Fields(p.text(n)), " ") == "return state"
	}
	return false
}

func (p *parsed) callsExit(fn *sitter.Node) bool {
	found := false
	walk(fn, func(n *sitter.Node) bool {
		if found {
			return false
		}
		if callee := n.ChildByFieldName("function"); n.Kind() == "call" && callee != nil {
			switch p.text(callee) {
			case "sys.exit", "exit", "quit", "os._exit":
				found = true
				return false
			}
		}
		return true
	})
	return found
}
