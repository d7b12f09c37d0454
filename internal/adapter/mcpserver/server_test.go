package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/fabrictest"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/orchestrator"
)

type recordingProcessor struct {
	got orchestrator.Request
}

func (p *recordingProcessor) Process(_ context.Context, req orchestrator.Request) *orchestrator.Result {
	p.got = req
	return &orchestrator.Result{Status: "success", WorkflowID: "wf-1", Response: "done"}
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, r)
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content")
	return ""
}

func TestProcessTool(t *testing.T) {
	proc := &recordingProcessor{}
	tool := &ProcessTool{proc: proc, logger: logger.Discard()}
	assert.Equal(t, "fabric_process", tool.Definition().Name)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"request":     "Count the words in notes.txt",
		"files":       []any{"notes.txt"},
		"auto_create": false,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out orchestrator.Result
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, "wf-1", out.WorkflowID)

	assert.Equal(t, "Count the words in notes.txt", proc.got.Text)
	assert.Equal(t, []string{"notes.txt"}, proc.got.Paths)
	require.NotNil(t, proc.got.AutoCreate)
	assert.False(t, *proc.got.AutoCreate)
}

func TestProcessToolRequiresRequest(t *testing.T) {
	tool := &ProcessTool{proc: &recordingProcessor{}, logger: logger.Discard()}
	res, err := tool.Handle(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListAndHealthTools(t *testing.T) {
	coord := fabrictest.NewCoordinator(t)
	reg := fabrictest.Registry(t, coord)
	fabrictest.RegisterTool(t, reg, "word_count", "Count words in text")
	fabrictest.RegisterAgent(t, reg, "text_analyzer", "Analyzes text statistics", "word_count")

	list := &ListTool{catalog: coord}
	res, err := list.Handle(context.Background(), makeReq(map[string]any{"kind": "tools"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "word_count")

	res, err = list.Handle(context.Background(), makeReq(map[string]any{"query": "statistics"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "text_analyzer")

	res, err = list.Handle(context.Background(), makeReq(map[string]any{"kind": "widgets"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	health := &HealthTool{catalog: coord}
	res, err = health.Handle(context.Background(), makeReq(nil))
	require.NoError(t, err)
	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &h))
	assert.Equal(t, float64(2), h["total_components"])
	assert.Contains(t, h, "health_score")
}

func TestNewRegistersTools(t *testing.T) {
	s := New(&recordingProcessor{}, fabrictest.NewCoordinator(t), "test", logger.Discard())
	require.NotNil(t, s)
	tools := s.ListTools()
	for _, name := range []string{"fabric_process", "fabric_list", "fabric_health"} {
		assert.Contains(t, tools, name)
	}
}
