// Package pycheck validates generated Python components against the
// structural contracts for tools and agents using a tree-sitter parse.
package pycheck

import (
	"errors"
	"fmt"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

// IssueCode classifies a validation finding.
type IssueCode string

const (
	IssueSyntax    IssueCode = "syntax"
	IssueStructure IssueCode = "structure"
	IssueName      IssueCode = "name"
	IssueParams    IssueCode = "params"
	IssueForbidden IssueCode = "forbidden"
	IssueImport    IssueCode = "import"
	IssueSize      IssueCode = "size"
	IssuePattern   IssueCode = "pattern"
	IssueNoneCheck IssueCode = "none_check"
	IssueTry       IssueCode = "try"
	IssueReturn    IssueCode = "return"
	IssueRaise     IssueCode = "raise"
)

// Issue is one validation finding.
type Issue struct {
	Code    IssueCode `json:"code"`
	Message string    `json:"message"`
}

// Report is the result of checking one component.
type Report struct {
	Function  string   `json:"function"`
	Params    []string `json:"params"`
	LineCount int      `json:"line_count"`
	Imports   []string `json:"imports"`
	Issues    []Issue  `json:"issues"`
	// MissingInit lists state keys the agent never initializes.
	MissingInit []string `json:"missing_init,omitempty"`
	// MissingReturn is set when the agent does not end with "return state".
	MissingReturn bool `json:"missing_return,omitempty"`
}

// Valid reports whether no issues were found.
func (r Report) Valid() bool { return len(r.Issues) == 0 }

// Has reports whether an issue with code was found.
func (r Report) Has(code IssueCode) bool {
	for _, is := range r.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// Messages returns the issue messages in order.
func (r Report) Messages() []string {
	out := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = is.Message
	}
	return out
}

func (r *Report) add(code IssueCode, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// LineRange bounds a component's trimmed line count.
type LineRange struct {
	Min int
	Max int
}

// forbiddenNames may not appear as bare names in generated code.
var forbiddenNames = map[string]bool{
	"open": true, "file": true, "requests": true, "urllib": true, "socket": true,
	"exec": true, "eval": true, "__import__": true, "compile": true,
	"globals": true, "locals": true,
}

// Checker validates Python sources. It is safe for concurrent use; each
// check uses its own parser.
type Checker struct {
	allowed map[string]bool
}

// New returns a Checker that accepts imports of the given modules.
func New(allowedImports []string) *Checker {
	c := &Checker{allowed: make(map[string]bool, len(allowedImports))}
	for _, m := range allowedImports {
		c.allowed[m] = true
	}
	return c
}

var python = sitter.NewLanguage(tree_sitter_python.Language())

type parsed struct {
	tree *sitter.Tree
	src  []byte
}

func parse(code string) (*parsed, error) {
	p := sitter.NewParser()
	defer p.Close()
	if err := p.SetLanguage(python); err != nil {
		return nil, fmt.Errorf("set language: %w", err)
	}
	src := []byte(code)
	tree := p.Parse(src, nil)
	if tree == nil {
		return nil, errors.New("parse returned no tree")
	}
	return &parsed{tree: tree, src: src}, nil
}

func (p *parsed) close() { p.tree.Close() }

func (p *parsed) text(n *sitter.Node) string { return n.Utf8Text(p.src) }

// Syntax reports the first syntax error in code, or nil.
func Syntax(code string) error {
	p, err := parse(code)
	if err != nil {
		return err
	}
	defer p.close()
	return p.syntaxError()
}

func (p *parsed) syntaxError() error {
	root := p.tree.RootNode()
	if !root.HasError() {
		return nil
	}
	var found *sitter.Node
	walk(root, func(n *sitter.Node) bool {
		if found != nil {
			return false
		}
		if n.IsError() || n.IsMissing() {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return errors.New("syntax error")
	}
	pos := found.StartPosition()
	return fmt.Errorf("syntax error at line %d column %d", pos.Row+1, pos.Column+1)
}

// walk visits n and its descendants depth-first. Returning false from fn
// skips the node's children.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		walk(n.Child(i), fn)
	}
}

// topLevelFunctions returns the module's top-level function definitions.
func (p *parsed) topLevelFunctions() []*sitter.Node {
	root := p.tree.RootNode()
	var out []*sitter.Node
	for i := uint(0); i < root.NamedChildCount(); i++ {
		n := root.NamedChild(i)
		if n.Kind() == "decorated_definition" {
			n = n.ChildByFieldName("definition")
		}
		if n != nil && n.Kind() == "function_definition" {
			out = append(out, n)
		}
	}
	return out
}

// firstDeclaration returns the first top-level statement that is not an
// import, a comment or a docstring.
func (p *parsed) firstDeclaration() *sitter.Node {
	root := p.tree.RootNode()
	for i := uint(0); i < root.NamedChildCount(); i++ {
		n := root.NamedChild(i)
		switch n.Kind() {
		case "comment", "import_statement", "import_from_statement", "future_import_statement":
			continue
		case "expression_statement":
			if n.NamedChildCount() == 1 && n.NamedChild(0).Kind() == "string" {
				continue
			}
		}
		if n.Kind() == "decorated_definition" {
			return n.ChildByFieldName("definition")
		}
		return n
	}
	return nil
}

func (p *parsed) funcName(fn *sitter.Node) string {
	if name := fn.ChildByFieldName("name"); name != nil {
		return p.text(name)
	}
	return ""
}

func (p *parsed) funcParams(fn *sitter.Node) []string {
	params := fn.ChildByFieldName("parameters")
	if params == nil {
		return nil
	}
	var out []string
	for i := uint(0); i < params.NamedChildCount(); i++ {
		n := params.NamedChild(i)
		switch n.Kind() {
		case "identifier":
			out = append(out, p.text(n))
		case "default_parameter", "typed_default_parameter":
			if name := n.ChildByFieldName("name"); name != nil {
				out = append(out, p.text(name))
			}
		case "typed_parameter":
			if n.NamedChildCount() > 0 {
				out = append(out, p.text(n.NamedChild(0)))
			}
		case "list_splat_pattern", "dictionary_splat_pattern":
			out = append(out, p.text(n))
		}
	}
	return out
}

// imports returns every imported module path in the source.
func (p *parsed) imports() []string {
	var out []string
	walk(p.tree.RootNode(), func(n *sitter.Node) bool {
		switch n.Kind() {
		case "import_statement":
			for i := uint(0); i < n.NamedChildCount(); i++ {
				c := n.NamedChild(i)
				if c.Kind() == "aliased_import" {
					c = c.ChildByFieldName("name")
				}
				if c != nil {
					out = append(out, p.text(c))
				}
			}
			return false
		case "import_from_statement":
			if m := n.ChildByFieldName("module_name"); m != nil {
				out = append(out, p.text(m))
			}
			return false
		}
		return true
	})
	return out
}

// forbiddenUses returns forbidden bare names referenced under n. Attribute
// members (the "compile" in re.compile) and keyword argument names are not
// bare names.
func (p *parsed) forbiddenUses(n *sitter.Node) []string {
	seen := map[string]bool{}
	var out []string
	var visit func(c *sitter.Node)
	visit = func(c *sitter.Node) {
		if c == nil {
			return
		}
		switch c.Kind() {
		case "import_statement", "import_from_statement":
			return
		case "attribute":
			visit(c.ChildByFieldName("object"))
			return
		case "keyword_argument":
			visit(c.ChildByFieldName("value"))
			return
		case "identifier":
			p.noteForbidden(c, seen, &out)
			return
		}
		for i := uint(0); i < c.ChildCount(); i++ {
			visit(c.Child(i))
		}
	}
	visit(n)
	return out
}

func (p *parsed) noteForbidden(n *sitter.Node, seen map[string]bool, out *[]string) {
	name := p.text(n)
	if forbiddenNames[name] && !seen[name] {
		seen[name] = true
		*out = append(*out, name)
	}
}

func contains(n *sitter.Node, kind string) bool {
	found := false
	walk(n, func(c *sitter.Node) bool {
		if found {
			return false
		}
		if c.Kind() == kind {
			found = true
			return false
		}
		return true
	})
	return found
}

func (c *Checker) importAllowed(module string, extra func(string) bool) bool {
	if c.allowed[module] {
		return true
	}
	root, _, _ := strings.Cut(module, ".")
	if c.allowed[root] {
		return true
	}
	return extra != nil && extra(module)
}

// CountLines counts lines of the trimmed source.
func CountLines(code string) int {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "\n") + 1
}

func (p *parsed) checkCommon(c *Checker, r *Report, code string, lines LineRange, kind string, extraImport func(string) bool) {
	r.LineCount = CountLines(code)
	if r.LineCount < lines.Min {
		r.add(IssueSize, "code too short: %d lines (min: %d)", r.LineCount, lines.Min)
	} else if r.LineCount > lines.Max {
		r.add(IssueSize, "code too long: %d lines (max: %d)", r.LineCount, lines.Max)
	}

	r.Imports = p.imports()
	for _, m := range r.Imports {
		if !c.importAllowed(m, extraImport) {
			r.add(IssueImport, "forbidden import: %s", m)
		}
	}
	for _, name := range p.forbiddenUses(p.tree.RootNode()) {
		r.add(IssueForbidden, "forbidden name in %s: %s", kind, name)
	}
}
