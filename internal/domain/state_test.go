package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflowStateInitializesEveryKey(t *testing.T) {
	s := NewWorkflowState("count words", "wf1", "", nil)
	wire := s.ToWire()

	for _, key := range []string{
		"request", "workflow_id", "workflow_type", "current_data", "files", "context",
		"execution_path", "current_agent", "pending_agents", "completed_agents",
		"results", "step_results", "errors", "warnings", "started_at", "completed_at",
		"execution_metrics", "retry_counts", "should_continue", "next_agent",
		"parallel_group", "adaptations",
	} {
		assert.Contains(t, wire, key)
	}
	assert.Equal(t, "sequential", wire["workflow_type"])
	assert.NotNil(t, wire["execution_path"])
	assert.Empty(t, wire["execution_path"])
}

func TestRecordKeepsResultsAndCompletedInSync(t *testing.T) {
	s := NewWorkflowState("r", "wf", WorkflowSequential, nil)
	s.PendingAgents = []string{"a", "b"}

	s.Record("a", "step_a", Success(1, map[string]any{"execution_time": 0.25}))
	s.Record("a", "step_a", Success(2, nil))

	assert.Equal(t, []string{"a"}, s.ExecutionPath)
	assert.Equal(t, []string{"a"}, s.CompletedAgents)
	assert.Equal(t, []string{"b"}, s.PendingAgents)
	assert.Equal(t, 2, s.Results["a"].Data)
	assert.Equal(t, 0.25, s.ExecutionMetrics["a"])
	_, ok := s.StepResults["step_a"]
	assert.True(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewWorkflowState("r", "wf", WorkflowParallel, nil)
	s.CurrentData = map[string]any{"items": []any{1.0, 2.0}}
	s.Record("a", "", Success("x", nil))

	c := s.Clone()
	c.CurrentData.(map[string]any)["items"].([]any)[0] = 99.0
	c.Record("b", "", Success("y", nil))
	c.Context["k"] = "v"

	assert.Equal(t, 1.0, s.CurrentData.(map[string]any)["items"].([]any)[0])
	assert.Equal(t, []string{"a"}, s.ExecutionPath)
	assert.NotContains(t, s.Results, "b")
	assert.NotContains(t, s.Context, "k")
}

func TestEnvelopeFromMap(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want EnvelopeStatus
	}{
		{"explicit success", map[string]any{"status": "success", "data": 1.0}, EnvelopeSuccess},
		{"missing status with data", map[string]any{"data": nil}, EnvelopeSuccess},
		{"missing status without data", map[string]any{"value": 3.0}, EnvelopeError},
		{"explicit error", map[string]any{"status": "error", "metadata": map[string]any{"error": "bad"}}, EnvelopeError},
		{"unknown status", map[string]any{"status": "partial", "data": 1.0}, EnvelopeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EnvelopeFromMap(tt.in).Status)
		})
	}

	env := EnvelopeFromMap(map[string]any{"status": "error", "metadata": map[string]any{"error": "bad"}})
	assert.Equal(t, "bad", env.ErrorMessage())
}

func TestFailureMirrorsMessage(t *testing.T) {
	env := Failure("timeout", nil)
	require.True(t, env.IsError())
	assert.Equal(t, "timeout", env.Metadata["error"])

	m := env.WithMeta("agent", "a").ToMap()
	assert.Equal(t, "error", m["status"])
	assert.Equal(t, "timeout", m["error"])
	assert.NotContains(t, env.Metadata, "agent")
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("calculate_median"))
	assert.True(t, ValidName("a1"))
	assert.False(t, ValidName("Calculate"))
	assert.False(t, ValidName("1abc"))
	assert.False(t, ValidName("has-dash"))
	assert.False(t, ValidName(""))
}
