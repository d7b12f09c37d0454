package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/adapter/runner"
	"agentfabric/internal/domain"
	"agentfabric/internal/fabrictest"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/prebuilt"
	"agentfabric/internal/usecase/executor"
	"agentfabric/internal/usecase/factory"
	"agentfabric/internal/usecase/intelligence"
	"agentfabric/internal/usecase/orchestrator"
	"agentfabric/internal/usecase/planner"
	"agentfabric/internal/usecase/registry"
)

const medianTool = `import re


def calculate_median(input_data=None):
    """Median of the numbers found in the input."""
    if input_data is None:
        return 0
    try:
        if isinstance(input_data, dict):
            text = str(input_data.get("text", ""))
        elif isinstance(input_data, list):
            text = " ".join(str(v) for v in input_data)
        else:
            text = str(input_data)
        numbers = sorted(float(n) for n in re.findall(r"-?\d+(?:\.\d+)?", text))
        if not numbers:
            return 0
        mid = len(numbers) // 2
        result = numbers[mid] if len(numbers) % 2 else (numbers[mid - 1] + numbers[mid]) / 2
        return result
    except Exception:
        return 0
`

const scanTool = `import re


def scan_text(input_data=None):
    """Split the input into candidate tokens."""
    if input_data is None:
        return []
    try:
        if isinstance(input_data, dict):
            text = str(input_data.get("text", ""))
        elif isinstance(input_data, list):
            text = " ".join(str(v) for v in input_data)
        else:
            text = str(input_data)
        tokens = re.findall(r"\S+", text)
        result = [t.strip(".,;:") for t in tokens]
        return result
    except Exception:
        return []
`

// agentSource derives a valid agent from the prebuilt url extractor.
func agentSource(t *testing.T, name, tool string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "prebuilt", "python", "agents", "url_extractor_agent.py"))
	require.NoError(t, err)
	code := strings.ReplaceAll(string(data), "url_extractor", name)
	code = strings.ReplaceAll(code, "extract_urls", tool)
	return strings.ReplaceAll(code, "prebuilt.tools", "generated.tools")
}

func returning(data any) runner.AgentFunc {
	return func(context.Context, map[string]any) (any, error) {
		return map[string]any{"status": "success", "data": data, "metadata": map[string]any{}}, nil
	}
}

type fixture struct {
	coord  *registry.Coordinator
	llm    *fabrictest.ScriptedLLM
	native *runner.NativeRunner
	exec   *executor.Executor
	agents *factory.AgentFactory
	orch   *orchestrator.Orchestrator
}

func newFixture(t *testing.T, execCfg executor.Config, cfg orchestrator.Config) *fixture {
	t.Helper()
	f := &fixture{
		coord:  fabrictest.NewCoordinator(t),
		llm:    fabrictest.NewScriptedLLM(),
		native: runner.NewNativeRunner(),
	}
	fcfg := factory.Config{AllowedImports: config.DefaultAllowedImports}
	tools := factory.NewToolFactory(f.coord, f.llm, nil, nil, fcfg, logger.Discard())
	f.agents = factory.NewAgentFactory(f.coord, f.llm, tools, nil, fcfg, logger.Discard())
	p := planner.New(f.coord, f.llm, nil, planner.Config{}, nil)
	f.exec = executor.New(f.coord, f.native, nil, execCfg, logger.Discard())
	f.orch = orchestrator.New(p, f.exec, tools, f.agents, f.llm, cfg, logger.Discard())
	return f
}

func (f *fixture) registry(t *testing.T) *registry.Registry {
	return fabrictest.Registry(t, f.coord)
}

func TestProcessSingleAgentHappyPath(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{})
	_, err := prebuilt.Seed(context.Background(), f.registry(t), logger.Discard())
	require.NoError(t, err)
	prebuilt.Bind(f.native)
	f.llm.Add("plan", `{"workflow_type": "sequential", "reasoning": "urls", "agents_needed": ["url_extractor"],
		"missing_capabilities": {"agents": [], "tools": []}, "confidence": 0.9}`)
	f.llm.Add("synthesize", "Found 2 URLs: https://a.example and https://b.example.")

	res := f.orch.Process(context.Background(), orchestrator.Request{
		Text: "Extract all URLs from: 'visit https://a.example and https://b.example'",
	})

	require.Equal(t, "success", res.Status, res.Response)
	data, ok := res.Results["url_extractor"].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"https://a.example", "https://b.example"}, data["urls"])
	assert.Equal(t, []string{"url_extractor"}, res.Workflow.ExecutionPath)
	assert.Equal(t, []string{"url_extractor"}, res.Workflow.Steps)
	assert.Equal(t, "Found 2 URLs: https://a.example and https://b.example.", res.Response)
	assert.Equal(t, 1, res.Metadata.AgentsUsed)
	assert.Zero(t, res.Metadata.ComponentsCreated)
	assert.Equal(t, planner.ComplexitySimple, res.Metadata.Complexity)
	assert.Equal(t, 1, f.llm.Count("plan"))
	assert.Positive(t, res.ExecutionTime)
}

func TestProcessAutoCreatesToolThenAgent(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{AutoCreate: true})
	f.native.RegisterAgent("median_calculator", returning(30))
	f.llm.Add("plan", `{"workflow_type": "sequential", "agents_needed": ["median_calculator"],
		"missing_capabilities": {
		  "agents": [{"name": "median_calculator", "purpose": "Compute the median of numbers", "required_tools": ["calculate_median"]}],
		  "tools": [{"name": "calculate_median", "purpose": "Median of a list of numbers", "type": "pure_function"}]},
		"confidence": 0.8}`)
	f.llm.Add("generate_tool", fabrictest.Fence(medianTool))
	f.llm.Add("generate_agent", fabrictest.Fence(agentSource(t, "median_calculator", "calculate_median")))

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Compute the median of 10, 20, 30, 40, 50"})

	require.Equal(t, "success", res.Status, res.Response)
	assert.Equal(t, 2, res.Metadata.ComponentsCreated)
	assert.Equal(t, []string{"calculate_median", "median_calculator"}, res.Created)
	assert.Equal(t, 30, res.Results["median_calculator"].Data)

	var purposes []string
	for _, c := range f.llm.Calls() {
		if strings.HasPrefix(c.Purpose, "generate_") {
			purposes = append(purposes, c.Purpose)
		}
	}
	assert.Equal(t, []string{"generate_tool", "generate_agent"}, purposes)
	// no synthesis reply was scripted
	assert.Contains(t, res.Response, "I processed your request with the following results:")
	assert.Contains(t, res.Response, "- median_calculator: 30")
}

func TestProcessToolNamedOnlyByAgentGetsPurpose(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{AutoCreate: true})
	f.native.RegisterAgent("median_calculator", returning(30))
	f.llm.Add("plan", `{"workflow_type": "sequential", "agents_needed": ["median_calculator"],
		"missing_capabilities": {
		  "agents": [{"name": "median_calculator", "purpose": "Compute the median of numbers", "required_tools": ["calculate_median"]}],
		  "tools": []}}`)
	f.llm.Add("generate_tool", fabrictest.Fence(medianTool))
	f.llm.Add("generate_agent", fabrictest.Fence(agentSource(t, "median_calculator", "calculate_median")))

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Compute the median of 10, 20, 30"})
	require.Equal(t, "success", res.Status, res.Response)

	var prompt string
	for _, c := range f.llm.Calls() {
		if c.Purpose == "generate_tool" {
			for _, m := range c.Messages {
				prompt += m.Content
			}
		}
	}
	require.NotEmpty(t, prompt)
	assert.Contains(t, prompt, "Purpose: Numeric reduction: calculate median")
	assert.Contains(t, prompt, "Used by an agent that compute the median of numbers")

	tool, ok := f.registry(t).GetTool("calculate_median")
	require.True(t, ok)
	assert.NotEmpty(t, tool.Description)
}

func TestProcessSharedToolCreatedOnce(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{AutoCreate: true})
	f.native.RegisterAgent("email_finder", returning(map[string]any{"emails": []any{"a@b.io"}}))
	f.native.RegisterAgent("phone_finder", returning(map[string]any{"phones": []any{"555-1234"}}))
	f.llm.Add("plan", `{"workflow_type": "sequential", "agents_needed": ["email_finder", "phone_finder"],
		"missing_capabilities": {
		  "agents": [
		    {"name": "email_finder", "purpose": "Find email addresses", "required_tools": ["scan_text"]},
		    {"name": "phone_finder", "purpose": "Find phone numbers", "required_tools": ["scan_text"]}],
		  "tools": [{"name": "scan_text", "purpose": "Split text into tokens", "type": "pure_function"}]}}`)
	f.llm.Add("generate_tool", fabrictest.Fence(scanTool))
	f.llm.Add("generate_agent",
		fabrictest.Fence(agentSource(t, "email_finder", "scan_text")),
		fabrictest.Fence(agentSource(t, "phone_finder", "scan_text")))

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Find the emails and phone numbers in: a@b.io 555-1234"})

	require.Equal(t, "success", res.Status, res.Response)
	assert.Equal(t, []string{"scan_text", "email_finder", "phone_finder"}, res.Created)
	assert.Equal(t, 1, f.llm.Count("generate_tool"))
	assert.Equal(t, 2, f.llm.Count("generate_agent"))

	reg := f.registry(t)
	tool, ok := reg.GetTool("scan_text")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"email_finder", "phone_finder"}, tool.UsedByAgents)
	for _, name := range []string{"email_finder", "phone_finder"} {
		agent, ok := reg.GetAgent(name)
		require.True(t, ok, name)
		assert.Contains(t, agent.UsesTools, "scan_text")
	}
}

func TestProcessTimeoutRecoveredWithFallback(t *testing.T) {
	f := newFixture(t, executor.Config{AgentTimeout: 50 * time.Millisecond}, orchestrator.Config{})
	reg := f.registry(t)
	fabrictest.RegisterAgent(t, reg, "slow_reader", "Reads the report slowly")
	fabrictest.RegisterAgent(t, reg, "summarizer", "Summarizes figures")
	engine := intelligence.New(f.coord, f.agents, f.llm, nil, intelligence.Config{}, logger.Discard())
	f.exec.SetMonitor(engine)

	f.native.RegisterAgent("slow_reader", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return map[string]any{"status": "success", "data": "late"}, nil
		}
	})
	var mu sync.Mutex
	var seen any
	f.native.RegisterAgent("summarizer", func(_ context.Context, state map[string]any) (any, error) {
		mu.Lock()
		seen = state["current_data"]
		mu.Unlock()
		return map[string]any{"status": "success", "data": map[string]any{"summary": "nothing to report"}}, nil
	})
	f.llm.Add("plan", `{"workflow_type": "sequential", "agents_needed": ["slow_reader", "summarizer"]}`)
	f.llm.Add("adapt", `{"action": "skip_step_with_fallback", "reason": "reader timed out", "fallback_data": {}}`)

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Summarize the quarterly figures in the attached report"})

	assert.Equal(t, "partial", res.Status)
	require.NotEmpty(t, res.Adaptations)
	assert.Equal(t, intelligence.StrategyFallback, res.Adaptations[0].Strategy)
	assert.Equal(t, []string{"slow_reader", "summarizer"}, res.Workflow.ExecutionPath)
	assert.True(t, res.Results["summarizer"].IsSuccess())
	mu.Lock()
	assert.Equal(t, map[string]any{}, seen)
	mu.Unlock()
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.CodeTimeout, res.Errors[0].Type)
	assert.Equal(t, "slow_reader", res.Errors[0].Agent)
	assert.Contains(t, res.Response, "I completed all 2 steps")
	assert.Contains(t, res.Response, "errors occurred during processing")
}

func TestProcessAmbiguousRequest(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{AutoCreate: true})

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "analyze this"})

	assert.Equal(t, "success", res.Status)
	assert.Contains(t, res.Response, "Request is too brief to determine specific action")
	assert.Contains(t, res.Response, "Here are some ways you can help me:\n• Please upload the data file")
	assert.NotNil(t, res.Workflow.Steps)
	assert.Empty(t, res.Workflow.Steps)
	assert.Equal(t, orchestrator.ResponseClarification, res.Metadata.ResponseType)
	assert.Empty(t, f.llm.Calls())
}

func TestProcessParallelMerge(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{})
	reg := f.registry(t)
	fabrictest.RegisterAgent(t, reg, "link_lister", "Lists links")
	fabrictest.RegisterAgent(t, reg, "mail_lister", "Lists mail addresses")
	f.native.RegisterAgent("link_lister", returning(map[string]any{"urls": []any{"https://c.example"}}))
	f.native.RegisterAgent("mail_lister", returning(map[string]any{"emails": []any{"x@y.io"}}))
	f.llm.Add("plan", `{"workflow_type": "parallel", "agents_needed": ["link_lister", "mail_lister"]}`)

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "List the links and the mail addresses in: x@y.io https://c.example"})

	require.Equal(t, "success", res.Status, res.Response)
	assert.Equal(t, string(domain.WorkflowParallel), res.Workflow.Type)
	assert.ElementsMatch(t, []string{"link_lister", "mail_lister"}, res.Workflow.ExecutionPath)
	assert.Len(t, res.Workflow.ExecutionPath, 2)
	assert.Contains(t, res.Results, "link_lister")
	assert.Contains(t, res.Results, "mail_lister")
	assert.Equal(t, map[string]any{
		"link_lister": []any{"https://c.example"},
		"mail_lister": []any{"x@y.io"},
	}, res.Output)
}

func TestProcessMissingCapabilitiesWithoutAutoCreate(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{})
	_, err := prebuilt.Seed(context.Background(), f.registry(t), logger.Discard())
	require.NoError(t, err)
	f.llm.Add("plan", `{"agents_needed": ["url_extractor", "link_ranker"],
		"missing_capabilities": {"agents": [{"name": "link_ranker", "purpose": "Rank links"}], "tools": []}}`)

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Extract the links from my page text and rank them"})

	assert.Equal(t, orchestrator.StatusMissingCapabilities, res.Status)
	assert.Contains(t, res.Response, "Missing agents: link_ranker.")
	assert.Equal(t, "Enable auto_create to build missing components automatically", res.Suggestion)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.CodeMissingCapabilities, res.Errors[0].Type)
	assert.Zero(t, f.llm.Count("generate_agent"))
}

func TestProcessNoAgentsWithoutAutoCreate(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{AutoCreate: true})
	off := false
	f.llm.Add("plan", `{"agents_needed": ["sentiment_scorer"],
		"missing_capabilities": {"agents": [{"name": "sentiment_scorer", "purpose": "Score sentiment"}], "tools": []}}`)

	res := f.orch.Process(context.Background(), orchestrator.Request{
		Text:       "Score the sentiment of: what a lovely afternoon",
		AutoCreate: &off,
	})

	assert.Equal(t, orchestrator.StatusNoAgents, res.Status)
	assert.Equal(t, "I couldn't identify specific agents to handle this request. The following capabilities would need to be created: sentiment_scorer", res.Response)
	assert.Empty(t, res.Workflow.Steps)
}

func TestProcessCreationFailureDropsStep(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{AutoCreate: true})
	_, err := prebuilt.Seed(context.Background(), f.registry(t), logger.Discard())
	require.NoError(t, err)
	prebuilt.Bind(f.native)
	f.llm.Add("plan", `{"agents_needed": ["url_extractor", "link_ranker"],
		"missing_capabilities": {"agents": [{"name": "link_ranker", "purpose": "Rank links"}], "tools": []}}`)
	f.llm.Add("generate_agent", "I cannot write that agent.")

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Extract the links from https://d.example and rank them"})

	assert.Equal(t, "partial", res.Status)
	assert.Equal(t, []string{"url_extractor"}, res.Workflow.Steps)
	assert.Equal(t, []string{"url_extractor"}, res.Workflow.ExecutionPath)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "link_ranker", res.Errors[0].Agent)
	assert.Zero(t, res.Metadata.ComponentsCreated)
}

func TestProcessPlanningError(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{})
	f.llm.Add("plan", "not json at all")

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "Translate the following sentence into French please"})

	assert.Equal(t, "error", res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.CodePlanning, res.Errors[0].Type)
	assert.Contains(t, res.Response, "I couldn't plan a workflow")
}

func TestProcessComplexRequestFallsBackToWorkflowPlanning(t *testing.T) {
	f := newFixture(t, executor.Config{}, orchestrator.Config{})
	_, err := prebuilt.Seed(context.Background(), f.registry(t), logger.Discard())
	require.NoError(t, err)
	prebuilt.Bind(f.native)
	// the two-stage planner gets nothing usable
	f.llm.Add("decompose", "extract the urls then count them")
	f.llm.Add("structure", `{"operations_identified": []}`)
	f.llm.Add("plan", `{"agents_needed": ["url_extractor"]}`)

	res := f.orch.Process(context.Background(), orchestrator.Request{Text: "First extract the URLs from https://e.example then count them"})

	require.Equal(t, "success", res.Status, res.Response)
	assert.Equal(t, planner.ComplexityPipeline, res.Metadata.Complexity)
	assert.Equal(t, 1, f.llm.Count("structure"))
	assert.Equal(t, 1, f.llm.Count("plan"))
}

func TestClarify(t *testing.T) {
	tests := []struct {
		name    string
		request string
		files   int
		issues  int
	}{
		{"brief", "analyze this", 0, 1},
		{"brief with file", "analyze this", 1, 0},
		{"data without file", "Please analyze the customer feedback data and tell me the trends", 0, 1},
		{"data without file and brief", "process data", 0, 2},
		{"marked", "This is an ambiguous request about many different things at once", 0, 1},
		{"clear", "Extract all URLs from: visit https://a.example today", 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := orchestrator.Clarify(tc.request, tc.files)
			assert.Len(t, c.Issues, tc.issues)
			assert.Equal(t, tc.issues > 0, c.Needed())
		})
	}
}

func TestBasicSummary(t *testing.T) {
	state := domain.NewWorkflowState("r", "wf", domain.WorkflowSequential, nil)
	assert.Equal(t, "I was unable to process your request successfully.", orchestrator.BasicSummary(state, nil, 1))

	state.Record("extract", "extract", domain.Success(map[string]any{"urls": []any{"a", "b"}, "count": 2}, nil))
	state.AppendPath("extract")
	got := orchestrator.BasicSummary(state, []domain.StateError{{Error: "x"}}, 1)
	assert.Equal(t, "I processed your request with the following results:\n- count: 2\n- urls: 2 items\n\nNote: 1 errors occurred during processing.", got)
}

func TestFormatResultsTruncatesData(t *testing.T) {
	state := domain.NewWorkflowState("r", "wf", domain.WorkflowSequential, nil)
	state.Record("big", "big", domain.Success(strings.Repeat("x", 2000), map[string]any{"tools_used": []any{"t1"}}))
	state.Record("bad", "bad", domain.Failure("boom", nil))
	state.AppendPath("big")
	state.AppendPath("bad")

	out := orchestrator.FormatResults(state, 100)
	assert.Contains(t, out, "Agent: big\nStatus: success\n")
	assert.Contains(t, out, "Tools used: t1")
	assert.Contains(t, out, "Agent: bad\nStatus: error\nError: boom")
	assert.Contains(t, out, "Agents executed: big, bad")
	assert.Less(t, len(out), 600)
}
