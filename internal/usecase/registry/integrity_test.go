package registry

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
)

func TestDependencyGraph(t *testing.T) {
	_, r := newTestRegistry(t)
	ctx := context.Background()
	registerTool(t, r, "used")
	registerTool(t, r, "unused")
	require.True(t, r.RegisterAgent(ctx, domain.AgentSpec{
		Name: "producer", Code: pyCode("producer_agent", 60), UsesTools: []string{"used", "ghost"},
		OutputSchema: map[string]any{"numbers": "list"},
	}).OK())
	require.True(t, r.RegisterAgent(ctx, domain.AgentSpec{
		Name: "consumer", Code: pyCode("consumer_agent", 60),
		InputSchema: map[string]any{"numbers": "list"},
	}).OK())
	require.True(t, r.RegisterAgent(ctx, domain.AgentSpec{
		Name: "sink", Code: pyCode("sink_agent", 60),
		InputSchema: map[string]any{"data": "any"},
	}).OK())

	g := r.DependencyGraph()
	assert.Equal(t, []string{"used", "ghost"}, g.AgentsToTools["producer"])
	assert.Equal(t, []string{"producer"}, g.ToolsToAgents["used"])
	assert.Equal(t, []string{"ghost"}, g.MissingDependencies["producer"])
	assert.Equal(t, []string{"unused"}, g.UnusedTools)
	assert.Equal(t, []string{"consumer", "sink"}, g.AgentChains["producer"])
}

func TestGetAgentDependencies(t *testing.T) {
	_, r := newTestRegistry(t)
	registerTool(t, r, "present")
	registerAgent(t, r, "a", "present", "absent")

	deps, ok := r.GetAgentDependencies("a")
	require.True(t, ok)
	assert.Equal(t, []string{"present", "absent"}, deps.Tools)
	assert.Equal(t, []string{"absent"}, deps.MissingTools)

	_, ok = r.GetAgentDependencies("nope")
	assert.False(t, ok)

	assert.False(t, r.CanDeleteTool("present"))
	registerTool(t, r, "lonely")
	assert.True(t, r.CanDeleteTool("lonely"))
}

func TestSearch(t *testing.T) {
	_, r := newTestRegistry(t)
	ctx := context.Background()
	require.True(t, r.RegisterTool(ctx, domain.ToolSpec{Name: "extract_urls", Description: "Find links", Code: pyCode("extract_urls", 20)}).OK())
	require.True(t, r.RegisterTool(ctx, domain.ToolSpec{Name: "sum_values", Description: "Add numbers", Code: pyCode("sum_values", 20)}).OK())

	assert.Len(t, r.SearchTools("URL"), 1)
	assert.Len(t, r.SearchTools("numbers"), 1)
	assert.Empty(t, r.SearchTools("xyz"))

	registerAgent(t, r, "summarizer")
	assert.Len(t, r.SearchAgents("summ"), 1)
}

func TestValidateAll(t *testing.T) {
	_, r := newTestRegistry(t)
	registerTool(t, r, "good")
	registerTool(t, r, "gone")
	registerAgent(t, r, "ok", "good")
	registerAgent(t, r, "needs_missing", "nowhere")

	tool, _ := r.GetTool("gone")
	require.NoError(t, os.Remove(r.Path(tool.Location)))

	v := r.ValidateAll()
	assert.Equal(t, []string{"ok"}, v.ValidAgents)
	assert.Equal(t, []string{"needs_missing"}, v.InvalidAgents)
	assert.Equal(t, []string{"good"}, v.ValidTools)
	assert.Equal(t, []string{"gone"}, v.InvalidTools)
	assert.Len(t, v.MissingFiles, 1)
	assert.Len(t, v.DependencyIssues, 1)
}

func TestHealthCheck(t *testing.T) {
	_, r := newTestRegistry(t)

	empty := r.HealthCheck()
	assert.Equal(t, 0.0, empty.Score)
	assert.Equal(t, HealthUnhealthy, empty.Status)

	registerTool(t, r, "t1")
	registerAgent(t, r, "a1", "t1")
	h := r.HealthCheck()
	assert.Equal(t, 100.0, h.Score)
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Equal(t, 2, h.TotalComponents)

	registerAgent(t, r, "a2", "missing")
	h = r.HealthCheck()
	assert.Equal(t, 75.0, h.Score)
	assert.Equal(t, HealthDegraded, h.Status)
	assert.Equal(t, 1, h.Issues["dependency_issues"])
}

func TestStatisticsAndAnalytics(t *testing.T) {
	_, r := newTestRegistry(t)
	registerTool(t, r, "t1")
	registerTool(t, r, "t2")
	registerAgent(t, r, "busy", "t1")
	registerAgent(t, r, "idle", "t1")
	require.NoError(t, r.UpdateAgentMetrics("busy", 2))
	require.NoError(t, r.UpdateAgentMetrics("busy", 4))

	st := r.Statistics()
	assert.Equal(t, 2, st.TotalAgents)
	assert.Equal(t, 2, st.TotalTools)
	assert.Equal(t, 2, st.TotalExecutions)
	assert.Equal(t, "busy", st.MostUsedAgent)
	assert.Equal(t, 2, st.ToolReuseCount)
	assert.Equal(t, 60.0, st.AvgAgentLines)

	u := r.UsageAnalytics()
	require.NotEmpty(t, u.MostUsedAgents)
	assert.Equal(t, "busy", u.MostUsedAgents[0].Name)
	assert.Equal(t, "t1", u.MostReusedTools[0].Name)
	assert.Equal(t, []string{"t2"}, u.UnusedTools)
	assert.Equal(t, 1.5, u.AverageExecutionTime)
	assert.Equal(t, 1.0, u.AvgToolsPerAgent)
}

func TestExportMarkdown(t *testing.T) {
	_, r := newTestRegistry(t)
	registerTool(t, r, "t1")
	registerAgent(t, r, "a1", "t1")

	md := r.ExportMarkdown()
	assert.Contains(t, md, "# Agent Fabric Registry Report")
	assert.Contains(t, md, "### a1")
	assert.Contains(t, md, "- **Used By**: a1")
	assert.Contains(t, md, "HEALTHY")
}

func TestValidateAll_SizeViolation(t *testing.T) {
	c, r := newTestRegistry(t)
	registerTool(t, r, "t1")

	// Tighten limits after registration.
	c.opts.Limits.MaxToolLines = 10
	v := r.ValidateAll()
	assert.Equal(t, []string{"t1"}, v.InvalidTools)
	assert.Equal(t, []string{"Tool: t1"}, v.SizeViolations)
}
