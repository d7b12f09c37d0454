package pycheck

import (
	"regexp"
)

// CheckTool validates a tool source. The first top-level declaration must
// be a function named name taking at least one parameter; it must handle a
// None input, catch exceptions, return a value and never raise.
func (c *Checker) CheckTool(code, name string, lines LineRange) Report {
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

	fn := p.firstDeclaration()
	if fn == nil || fn.Kind() != "function_definition" {
		r.add(IssueStructure, "code must define a function")
		r.LineCount = CountLines(code)
		return r
	}

	r.Function = p.funcName(fn)
	r.Params = p.funcParams(fn)
	if r.Function != name {
		r.add(IssueName, "function name must be: %s", name)
	}
	if len(r.Params) == 0 {
		r.add(IssueParams, "function must accept at least one parameter")
	} else {
		re := regexp.MustCompile(`if\s+` + regexp.QuoteMeta(r.Params[0]) + `\s+is\s+None`)
		if !re.MatchString(p.text(fn)) {
			r.add(IssueNoneCheck, "function must handle None input")
		}
	}

	p.checkCommon(c, &r, code, lines, "tool", nil)

	if !contains(fn, "return_statement") {
		r.add(IssueReturn, "function must have return statement")
	}
	if !contains(fn, "try_statement") {
		r.add(IssueTry, "function must have try-except block for error handling")
	}
	if contains(fn, "raise_statement") || contains(fn, "assert_statement") {
		r.add(IssueRaise, "function must not raise exceptions")
	}
	return r
}
