package pycheck

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/infra/config"
)

var (
	toolLines  = LineRange{Min: 15, Max: 100}
	agentLines = LineRange{Min: 50, Max: 300}
)

func readPrebuilt(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "prebuilt", "python", filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func newChecker() *Checker {
	return New(config.DefaultAllowedImports)
}

// padTool appends harmless comment lines inside the function so size checks
// pass without changing structure.
func padTool(body string, lines int) string {
	var b strings.Builder
	b.WriteString(body)
	for i := CountLines(body); i < lines; i++ {
		b.WriteString("\n    # pad")
	}
	return b.String()
}

const goodTool = `import re

def count_words(text):
    if text is None:
        return 0
    try:
        return len(re.findall(r"\w+", str(text)))
    except Exception:
        return 0`

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, CountLines("  \n\n"))
	assert.Equal(t, 1, CountLines("x = 1"))
	assert.Equal(t, 3, CountLines("\n\na\nb\nc\n\n"))
}

func TestSyntax(t *testing.T) {
	assert.NoError(t, Syntax("def f(x):\n    return x\n"))

	err := Syntax("def f(x)\n    return x\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line")
}

func TestCheckToolPrebuilt(t *testing.T) {
	r := newChecker().CheckTool(readPrebuilt(t, "tools/extract_urls.py"), "extract_urls", toolLines)
	assert.True(t, r.Valid(), "issues: %v", r.Messages())
	assert.Equal(t, "extract_urls", r.Function)
	assert.Equal(t, []string{"input_data"}, r.Params)
	assert.Contains(t, r.Imports, "re")
}

func TestCheckToolValid(t *testing.T) {
	r := newChecker().CheckTool(padTool(goodTool, 15), "count_words", toolLines)
	assert.True(t, r.Valid(), "issues: %v", r.Messages())
	assert.Equal(t, 15, r.LineCount)
}

func TestCheckToolSize(t *testing.T) {
	c := newChecker()

	r := c.CheckTool(padTool(goodTool, 14), "count_words", toolLines)
	assert.True(t, r.Has(IssueSize))
	assert.Contains(t, strings.Join(r.Messages(), "\n"), "too short: 14 lines")

	r = c.CheckTool(padTool(goodTool, 100), "count_words", toolLines)
	assert.False(t, r.Has(IssueSize))

	r = c.CheckTool(padTool(goodTool, 101), "count_words", toolLines)
	assert.True(t, r.Has(IssueSize))
}

func TestCheckToolStructure(t *testing.T) {
	c := newChecker()

	tests := []struct {
		name string
		code string
		want IssueCode
	}{
		{"wrong name", strings.Replace(goodTool, "def count_words", "def other", 1), IssueName},
		{"no params", strings.Replace(goodTool, "count_words(text)", "count_words()", 1), IssueParams},
		{"no none check", strings.Replace(goodTool, "if text is None:\n        return 0\n    ", "", 1), IssueNoneCheck},
		{"no try", "def count_words(text):\n    if text is None:\n        return 0\n    return 1", IssueTry},
		{"raises", strings.Replace(goodTool, "return 0\n    try:", "raise ValueError()\n    try:", 1), IssueRaise},
		{"asserts", strings.Replace(goodTool, "try:", "assert text\n    try:", 1), IssueRaise},
		{"class first", "class X:\n    pass\n", IssueStructure},
		{"syntax", "def count_words(text)\n    return text", IssueSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := c.CheckTool(padTool(tt.code, 15), "count_words", toolLines)
			assert.True(t, r.Has(tt.want), "want %s, got %v", tt.want, r.Messages())
		})
	}
}

func TestCheckToolNoReturn(t *testing.T) {
	code := "def noop(x):\n    if x is None:\n        pass\n    try:\n        x = 1\n    except Exception:\n        pass"
	r := newChecker().CheckTool(padTool(code, 15), "noop", toolLines)
	assert.True(t, r.Has(IssueReturn))
}

func TestCheckToolForbidden(t *testing.T) {
	c := newChecker()

	r := c.CheckTool(padTool("import os\n"+goodTool, 15), "count_words", toolLines)
	assert.True(t, r.Has(IssueImport))
	assert.Contains(t, r.Messages(), "forbidden import: os")

	r = c.CheckTool(padTool(strings.Replace(goodTool, "str(text)", "open(text).read()", 1), 15), "count_words", toolLines)
	assert.True(t, r.Has(IssueForbidden))

	r = c.CheckTool(padTool(strings.Replace(goodTool, "str(text)", "eval(text)", 1), 15), "count_words", toolLines)
	assert.True(t, r.Has(IssueForbidden))
}

func TestCheckToolAttributeAndKeywordNotForbidden(t *testing.T) {
	code := strings.Replace(goodTool, `re.findall(r"\w+", str(text))`, `re.compile(r"\w+").findall(str(text), 0)`, 1)
	code = strings.Replace(code, "return 0\n    try:", "return dict(file=0).get('file', 0)\n    try:", 1)
	r := newChecker().CheckTool(padTool(code, 15), "count_words", toolLines)
	assert.True(t, r.Valid(), "issues: %v", r.Messages())
}

func TestCheckToolAllowsSubmodule(t *testing.T) {
	r := newChecker().CheckTool(padTool("import collections.abc\n"+goodTool, 15), "count_words", toolLines)
	assert.False(t, r.Has(IssueImport))
}

func TestCheckAgentPrebuilt(t *testing.T) {
	r := newChecker().CheckAgent(readPrebuilt(t, "agents/url_extractor_agent.py"), "url_extractor", agentLines, AgentOptions{})
	assert.True(t, r.Valid(), "issues: %v", r.Messages())
	assert.Equal(t, "url_extractor_agent", r.Function)
	assert.Empty(t, r.MissingInit)
	assert.False(t, r.MissingReturn)
}

func TestCheckAgentMissingPieces(t *testing.T) {
	src := readPrebuilt(t, "agents/url_extractor_agent.py")
	c := newChecker()

	noInit := strings.Replace(src, "    if \"errors\" not in state:\n        state[\"errors\"] = []\n", "", 1)
	r := c.CheckAgent(noInit, "url_extractor", agentLines, AgentOptions{})
	assert.Equal(t, []string{"errors"}, r.MissingInit)

	noReturn := strings.TrimSuffix(strings.TrimSpace(src), "return state") + "pass"
	r = c.CheckAgent(noReturn, "url_extractor", agentLines, AgentOptions{})
	assert.True(t, r.MissingReturn)
	assert.True(t, r.Has(IssueReturn))

	exits := strings.Replace(src, "    start_time = datetime.now()\n", "    start_time = datetime.now()\n    exit(0)\n", 1)
	r = c.CheckAgent(exits, "url_extractor", agentLines, AgentOptions{})
	assert.True(t, r.Has(IssueRaise))

	badImport := "import subprocess\n" + src
	r = c.CheckAgent(badImport, "url_extractor", agentLines, AgentOptions{})
	assert.Contains(t, r.Messages(), "forbidden import: subprocess")
}

func TestCheckAgentInputFallbacks(t *testing.T) {
	src := readPrebuilt(t, "agents/url_extractor_agent.py")
	c := newChecker()

	noFiles := strings.NewReplacer(`state.get("files")`, `state.get("attachments")`,
		`state["files"]`, `state["attachments"]`).Replace(src)
	r := c.CheckAgent(noFiles, "url_extractor", agentLines, AgentOptions{})
	assert.Contains(t, r.Messages(), "missing required pattern: input fallback to state['files']")

	shortLoop := strings.Replace(src, `for key in ["text", "data", "request"]:`, `for key in ["text"]:`, 1)
	r = c.CheckAgent(shortLoop, "url_extractor", agentLines, AgentOptions{})
	assert.Contains(t, r.Messages(), "missing required pattern: input fallback to state['data'], state['request']")

	direct := strings.Replace(src,
		`            for key in ["text", "data", "request"]:
                if state.get(key):`,
		`            for key in ["text"]:
                if state.get(key) or state.get("data") or state['request']:`, 1)
	r = c.CheckAgent(direct, "url_extractor", agentLines, AgentOptions{})
	assert.True(t, r.Valid(), "issues: %v", r.Messages())

	noDispatch := strings.ReplaceAll(src, "isinstance(current, ", "type(current) in (")
	r = c.CheckAgent(noDispatch, "url_extractor", agentLines, AgentOptions{})
	assert.Contains(t, r.Messages(), "missing required pattern: type dispatch on current_data")
}

func TestFallsBackTo(t *testing.T) {
	assert.True(t, fallsBackTo(`x = state.get('text')`, "text"))
	assert.True(t, fallsBackTo(`x = state["files"][0]`, "files"))
	assert.True(t, fallsBackTo("for k in ('data', 'request'):\n    v = state.get(k, None)", "request"))
	assert.False(t, fallsBackTo(`for k in ["user_request"]:\n    v = state.get(k)`, "request"))
	assert.False(t, fallsBackTo(`for k in ["data"]:\n    v = current.get(k)`, "data"))
	assert.False(t, fallsBackTo("for k in ['data']:\n    v = current.get(k)\nfor k in ['x']:\n    w = state.get(k)", "data"))
}

func TestCheckAgentEntryPoint(t *testing.T) {
	src := readPrebuilt(t, "agents/url_extractor_agent.py")
	bare := strings.Replace(src, "def url_extractor_agent(state)", "def url_extractor(state)", 1)
	c := newChecker()

	r := c.CheckAgent(bare, "url_extractor", agentLines, AgentOptions{})
	assert.True(t, r.Has(IssueStructure))

	r = c.CheckAgent(bare, "url_extractor", agentLines, AgentOptions{AllowBareName: true})
	assert.False(t, r.Has(IssueStructure))
	assert.Equal(t, "url_extractor", r.Function)

	wrongParam := strings.Replace(src, "def url_extractor_agent(state)", "def url_extractor_agent(s)", 1)
	r = c.CheckAgent(wrongParam, "url_extractor", agentLines, AgentOptions{})
	assert.True(t, r.Has(IssueParams))
}

func TestIsToolImport(t *testing.T) {
	assert.True(t, IsToolImport("generated.tools.count_words"))
	assert.True(t, IsToolImport("prebuilt.tools.extract_urls"))
	assert.False(t, IsToolImport("generated.agents.x"))
	assert.Equal(t, "x_agent", EntryPoint("x"))
}
