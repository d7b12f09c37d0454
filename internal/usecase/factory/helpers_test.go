package factory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/adapter/pycheck"
	"agentfabric/internal/infra/config"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"python fence", "Sure:\n```python\ndef f(x):\n    return x\n```\nbye", "def f(x):\n    return x"},
		{"bare fence", "```\ndef f(x):\n    return x\n```", "def f(x):\n    return x"},
		{"first fence wins", "```py\na = 1\n```\n```python\nb = 2\n```", "a = 1"},
		{"unterminated fence", "```python\ndef f(x):\n    return x\n", "def f(x):\n    return x"},
		{"bare def", "Here it is\ndef f(x):\n    return x\n\nThat's all.", "def f(x):\n    return x\n\nThat's all."},
		{"stops at next def", "def f(x):\n    return x\ndef g(y):\n    return y", "def f(x):\n    return x"},
		{"nested def kept", "def f(x):\n    def inner():\n        return 1\n    return inner()", "def f(x):\n    def inner():\n        return 1\n    return inner()"},
		{"no code", "I can't do that.", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractCode(tc.reply))
		})
	}
}

func TestInferDefaultReturn(t *testing.T) {
	assert.Equal(t, []any{}, InferDefaultReturn("a list of emails"))
	assert.Equal(t, map[string]any{}, InferDefaultReturn("JSON object with counts"))
	assert.Equal(t, "", InferDefaultReturn("cleaned text"))
	assert.Equal(t, 0, InferDefaultReturn("the median as a number"))
	assert.Equal(t, false, InferDefaultReturn("bool flag"))
	assert.Nil(t, InferDefaultReturn("whatever"))
}

func TestPyLiteral(t *testing.T) {
	assert.Equal(t, "None", pyLiteral(nil))
	assert.Equal(t, "True", pyLiteral(true))
	assert.Equal(t, `"a\"b"`, pyLiteral(`a"b`))
	assert.Equal(t, "2.5", pyLiteral(2.5))
	assert.Equal(t, `[1, "x", None]`, pyLiteral([]any{1, "x", nil}))
	assert.Equal(t, `{"a": [], "b": False}`, pyLiteral(map[string]any{"b": false, "a": []any{}}))
}

func TestTags(t *testing.T) {
	assert.Equal(t, []string{"extraction", "validation"}, ToolTags("Extract and validate emails"))
	assert.Len(t, ToolTags("extract calculate validate convert parse filter"), 5)
	assert.Empty(t, ToolTags("do something"))

	assert.Equal(t, []string{"statistics", "analysis", "calculation"}, AgentTags("Compute median and mean statistics"))
	assert.Equal(t, []string{"communication", "extraction", "web"}, AgentTags("Find email addresses and url links"))
}

func TestInferToolDescription(t *testing.T) {
	assert.Equal(t, "Regex extraction: extract emails from text or structured input", InferToolDescription("extract_emails", ""))
	assert.Equal(t,
		"Numeric reduction: calculate median over a list of numbers or numeric text. Used by an agent that computes statistics",
		InferToolDescription("calculate_median", "Computes statistics"))
	assert.Equal(t, "Helper: tidy up", InferToolDescription("tidy_up", ""))
}

func TestFindFunc(t *testing.T) {
	code := `import re


def f(data):
    """Doc
    spanning lines.
    """
    x = 1
    return x


def g():
    pass`
	lines := strings.Split(code, "\n")
	s, ok := findFunc(lines, "f")
	require.True(t, ok)
	assert.Equal(t, 3, s.def)
	assert.Equal(t, 7, s.body)
	assert.Equal(t, 9, s.end)
	assert.Equal(t, "    ", s.indent)

	_, ok = findFunc(lines, "missing")
	assert.False(t, ok)
}

func TestRepairToolAddsGuardAndTry(t *testing.T) {
	checker := pycheck.New(config.DefaultAllowedImports)
	code := "def shout(text):\n    out = text.upper()\n    return out\n"
	report := checker.CheckTool(code, "shout", pycheck.LineRange{Min: 1, Max: 100})
	require.True(t, report.Has(pycheck.IssueTry))
	require.True(t, report.Has(pycheck.IssueNoneCheck))

	fixed, ok := repairTool(code, report, `""`, false)
	require.True(t, ok)
	assert.Equal(t, `def shout(text):
    if text is None:
        return ""
    try:
        out = text.upper()
        return out
    except Exception:
        return ""
`, fixed)
	assert.True(t, checker.CheckTool(fixed, "shout", pycheck.LineRange{Min: 1, Max: 100}).Valid())
}

func TestRepairToolNothingToDo(t *testing.T) {
	code := "x = 1\n"
	_, ok := repairTool(code, pycheck.Report{}, "None", false)
	assert.False(t, ok)
}

func TestRepairAgentInitAndReturn(t *testing.T) {
	code := "def demo_agent(state):\n    \"\"\"Demo.\"\"\"\n    state['current_data'] = 1\n"
	report := pycheck.Report{Function: "demo_agent", MissingInit: []string{"results", "errors"}, MissingReturn: true}

	fixed, ok := repairAgent(code, report)
	require.True(t, ok)
	assert.Equal(t, `def demo_agent(state):
    """Demo."""
    if 'results' not in state:
        state['results'] = {}
    if 'errors' not in state:
        state['errors'] = []
    state['current_data'] = 1
    return state
`, fixed)

	_, ok = repairAgent(code, pycheck.Report{Function: "demo_agent"})
	assert.False(t, ok)
}

func TestEnsureToolImports(t *testing.T) {
	tools := []promptTool{
		{Name: "extract_urls", Module: "prebuilt.tools.extract_urls"},
		{Name: "count_words", Module: "generated.tools.count_words"},
	}
	code := "from prebuilt.tools.extract_urls import extract_urls\n\ndef a_agent(state):\n    return state\n"
	out := ensureToolImports(code, tools)
	assert.True(t, strings.HasPrefix(out, "try:\n    from generated.tools.count_words import count_words\nexcept ImportError:"))
	assert.Equal(t, 1, strings.Count(out, "import extract_urls"))
	assert.Equal(t, code, ensureToolImports(code, tools[:1]))
}
