package executor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/adapter/runner"
	"agentfabric/internal/domain"
	"agentfabric/internal/fabrictest"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/eventbus"
	"agentfabric/internal/usecase/executor"
)

type fixture struct {
	exec   *executor.Executor
	native *runner.NativeRunner
}

func newFixture(t *testing.T, cfg executor.Config, agents ...string) *fixture {
	t.Helper()
	coord := fabrictest.NewCoordinator(t)
	reg := fabrictest.Registry(t, coord)
	for _, a := range agents {
		fabrictest.RegisterAgent(t, reg, a, "test agent "+a)
	}
	native := runner.NewNativeRunner()
	return &fixture{
		exec:   executor.New(coord, native, nil, cfg, logger.Discard()),
		native: native,
	}
}

func returning(data any) runner.AgentFunc {
	return func(context.Context, map[string]any) (any, error) {
		return map[string]any{"status": "success", "data": data, "metadata": map[string]any{}}, nil
	}
}

func linearPlan(agents ...string) *domain.PipelinePlan {
	plan := &domain.PipelinePlan{PipelineID: "pipeline_test", TotalSteps: len(agents), ExecutionStrategy: domain.WorkflowSequential}
	for i, a := range agents {
		plan.Steps = append(plan.Steps, domain.StepPlan{StepIndex: i, Name: "step_" + a, AgentAssigned: a})
		from := i - 1
		plan.DataFlow = append(plan.DataFlow, domain.DataFlowEdge{From: from, To: i, PayloadType: "any"})
	}
	return plan
}

func TestExecuteSequentialThreadsPayload(t *testing.T) {
	f := newFixture(t, executor.Config{}, "extract", "count")
	f.native.RegisterAgent("extract", returning(map[string]any{"extracted_data": []any{"a", "b"}}))
	var seen any
	f.native.RegisterAgent("count", func(_ context.Context, state map[string]any) (any, error) {
		seen = state["current_data"]
		items, _ := state["current_data"].([]any)
		return map[string]any{"status": "success", "data": map[string]any{"count": len(items)}}, nil
	})

	out := f.exec.Execute(context.Background(), linearPlan("extract", "count"), "extract then count", nil)

	assert.Equal(t, executor.StatusSuccess, out.Status)
	assert.Equal(t, []any{"a", "b"}, seen)
	assert.Equal(t, []string{"extract", "count"}, out.State.ExecutionPath)
	assert.Equal(t, []string{"extract", "count"}, out.State.CompletedAgents)
	assert.Empty(t, out.State.PendingAgents)
	assert.Equal(t, 2, out.State.CurrentData)
	assert.NotNil(t, out.State.CompletedAt)
	assert.Len(t, f.exec.ExecutionHistory(), 1)
}

func TestExecuteIsDeterministic(t *testing.T) {
	f := newFixture(t, executor.Config{}, "upper", "wrap")
	f.native.RegisterAgent("upper", returning("HELLO"))
	f.native.RegisterAgent("wrap", func(_ context.Context, state map[string]any) (any, error) {
		return map[string]any{"status": "success", "data": []any{state["current_data"]}}, nil
	})

	plan := linearPlan("upper", "wrap")
	a := f.exec.Execute(context.Background(), plan, "r", nil)
	b := f.exec.Execute(context.Background(), plan, "r", nil)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.State.CurrentData, b.State.CurrentData)
	assert.Equal(t, a.State.ExecutionPath, b.State.ExecutionPath)
}

func TestExecuteStopsOnError(t *testing.T) {
	f := newFixture(t, executor.Config{}, "first", "broken", "never")
	f.native.RegisterAgent("first", returning("ok"))
	f.native.RegisterAgent("broken", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"status": "error", "error": "bad input"}, nil
	})
	var ran atomic.Bool
	f.native.RegisterAgent("never", func(context.Context, map[string]any) (any, error) {
		ran.Store(true)
		return nil, nil
	})

	out := f.exec.Execute(context.Background(), linearPlan("first", "broken", "never"), "r", nil)

	assert.Equal(t, executor.StatusPartial, out.Status)
	assert.False(t, ran.Load())
	assert.False(t, out.State.ShouldContinue)
	require.Len(t, out.State.Errors, 1)
	assert.Equal(t, "broken", out.State.Errors[0].Agent)
	assert.Equal(t, "bad input", out.State.Errors[0].Error)
	assert.Equal(t, []string{"never"}, out.State.PendingAgents)
}

func TestExecuteInvalidResultType(t *testing.T) {
	f := newFixture(t, executor.Config{}, "liar")
	f.native.RegisterAgent("liar", func(context.Context, map[string]any) (any, error) {
		return "just a string", nil
	})

	out := f.exec.Execute(context.Background(), linearPlan("liar"), "r", nil)

	assert.Equal(t, executor.StatusFailed, out.Status)
	env := out.State.Results["liar"]
	assert.True(t, env.IsError())
	assert.Equal(t, "Agent returned invalid result type: string", env.Error)
}

func TestExecuteAgentTimeout(t *testing.T) {
	f := newFixture(t, executor.Config{AgentTimeout: 50 * time.Millisecond}, "slow")
	release := make(chan struct{})
	defer close(release)
	f.native.RegisterAgent("slow", func(context.Context, map[string]any) (any, error) {
		<-release
		return nil, nil
	})

	start := time.Now()
	out := f.exec.Execute(context.Background(), linearPlan("slow"), "r", nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, executor.StatusTimeout, out.Status)
	env := out.State.Results["slow"]
	assert.Contains(t, env.Error, "Agent execution timeout")
	assert.Equal(t, "timeout", env.Metadata["error"])
}

func TestExecuteWorkflowTimeoutKeepsPartialResults(t *testing.T) {
	f := newFixture(t, executor.Config{AgentTimeout: time.Second, WorkflowTimeout: 100 * time.Millisecond}, "fast", "slow", "after")
	f.native.RegisterAgent("fast", returning("done"))
	f.native.RegisterAgent("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.native.RegisterAgent("after", returning("unreachable"))

	out := f.exec.Execute(context.Background(), linearPlan("fast", "slow", "after"), "r", nil)

	assert.Equal(t, executor.StatusTimeout, out.Status)
	assert.True(t, out.State.Results["fast"].IsSuccess())
	assert.NotContains(t, out.State.Results, "after")
	assert.NotEmpty(t, out.State.Warnings)
}

func TestExecuteMissingAgent(t *testing.T) {
	f := newFixture(t, executor.Config{}, "present")
	f.native.RegisterAgent("present", returning("x"))

	out := f.exec.Execute(context.Background(), linearPlan("present", "ghost"), "r", nil)

	assert.Equal(t, executor.StatusError, out.Status)
	require.Len(t, out.State.Errors, 1)
	assert.Equal(t, domain.CodeMissingCapabilities, out.State.Errors[0].Type)
	assert.Empty(t, out.State.Results)
}

func TestExecuteEmptyPlan(t *testing.T) {
	f := newFixture(t, executor.Config{})
	out := f.exec.Execute(context.Background(), &domain.PipelinePlan{}, "r", nil)
	assert.Equal(t, executor.StatusError, out.Status)
	assert.Equal(t, domain.CodePlanning, out.State.Errors[0].Type)
}

func TestExecuteParallelMergesInPlanOrder(t *testing.T) {
	f := newFixture(t, executor.Config{}, "urls", "emails", "report")
	f.native.RegisterAgent("urls", func(context.Context, map[string]any) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return map[string]any{"status": "success", "data": []any{"https://a.example"}}, nil
	})
	f.native.RegisterAgent("emails", returning([]any{"x@a.example"}))
	var joined any
	f.native.RegisterAgent("report", func(_ context.Context, state map[string]any) (any, error) {
		joined = state["current_data"]
		return map[string]any{"status": "success", "data": "ok"}, nil
	})

	plan := &domain.PipelinePlan{
		PipelineID:        "pipeline_par",
		TotalSteps:        3,
		ExecutionStrategy: domain.WorkflowHybrid,
		Steps: []domain.StepPlan{
			{StepIndex: 0, Name: "find_urls", AgentAssigned: "urls", ParallelGroup: 1},
			{StepIndex: 1, Name: "find_emails", AgentAssigned: "emails", ParallelGroup: 1},
			{StepIndex: 2, Name: "report", AgentAssigned: "report"},
		},
		DataFlow: []domain.DataFlowEdge{
			{From: -1, To: 0}, {From: -1, To: 1}, {From: 0, To: 2}, {From: 1, To: 2},
		},
	}

	out := f.exec.Execute(context.Background(), plan, "find urls and emails", nil)

	require.Equal(t, executor.StatusSuccess, out.Status)
	assert.Equal(t, map[string]any{
		"urls":   []any{"https://a.example"},
		"emails": []any{"x@a.example"},
	}, joined)
	assert.Equal(t, []string{"urls", "emails", "report"}, out.State.ExecutionPath)
}

func TestExecuteParallelMergeList(t *testing.T) {
	f := newFixture(t, executor.Config{}, "a", "b")
	f.native.RegisterAgent("a", returning("A"))
	f.native.RegisterAgent("b", returning("B"))
	plan := &domain.PipelinePlan{
		Merge: executor.MergeList,
		Steps: []domain.StepPlan{
			{StepIndex: 0, Name: "a", AgentAssigned: "a", ParallelGroup: 1},
			{StepIndex: 1, Name: "b", AgentAssigned: "b", ParallelGroup: 1},
		},
	}

	out := f.exec.Execute(context.Background(), plan, "r", nil)

	assert.Equal(t, executor.StatusSuccess, out.Status)
	assert.Equal(t, []any{"A", "B"}, out.State.CurrentData)
}

func TestExecuteConditionalSkip(t *testing.T) {
	f := newFixture(t, executor.Config{}, "scan", "fix", "notify")
	f.native.RegisterAgent("scan", returning([]any{}))
	f.native.RegisterAgent("fix", returning("fixed"))
	f.native.RegisterAgent("notify", returning("sent"))
	plan := linearPlan("scan", "fix", "notify")
	plan.Steps[1].Condition = &domain.StepCondition{AfterStep: "step_scan", When: "non_empty"}

	out := f.exec.Execute(context.Background(), plan, "r", nil)

	assert.Equal(t, executor.StatusSuccess, out.Status)
	assert.Equal(t, []string{"step_fix"}, out.Skipped)
	assert.NotContains(t, out.State.Results, "fix")
	assert.True(t, out.State.Results["notify"].IsSuccess())
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, executor.Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, "flaky")
	var calls atomic.Int32
	f.native.RegisterAgent("flaky", func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 2 {
			return nil, domain.ErrRateLimit
		}
		return map[string]any{"status": "success", "data": "ok"}, nil
	})

	out := f.exec.Execute(context.Background(), linearPlan("flaky"), "r", nil)

	env := out.State.Results["flaky"]
	require.True(t, env.IsSuccess())
	require.NotNil(t, env.RecoveryInfo)
	assert.True(t, env.RecoveryInfo.Recovered)
	// The first failure stays on record.
	assert.Equal(t, executor.StatusPartial, out.Status)
	assert.Len(t, out.State.Errors, 1)
}

func TestExecuteStepWithRecoveryGivesUp(t *testing.T) {
	f := newFixture(t, executor.Config{MaxRetries: 1, RetryBackoff: time.Millisecond}, "down")
	f.native.RegisterAgent("down", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("connection refused")
	})
	plan := linearPlan("down")
	state := domain.NewWorkflowState("r", plan.PipelineID, plan.ExecutionStrategy, nil)

	env := f.exec.ExecuteStepWithRecovery(context.Background(), state, plan, plan.Steps[0])

	assert.True(t, env.IsError())
	assert.Contains(t, env.Error, "Step failed after 2 attempts. Last error:")
	require.NotNil(t, env.RecoveryInfo)
	assert.False(t, env.RecoveryInfo.Recovered)
	assert.Equal(t, 1, state.RetryCounts["step_down"])
}

type stubMonitor struct{ calls int }

func (m *stubMonitor) AfterStep(_ context.Context, _ executor.StepRunner, _ *domain.WorkflowState, _ *domain.PipelinePlan, _ domain.StepPlan, env domain.Envelope) (domain.Envelope, bool) {
	m.calls++
	if env.IsError() {
		return domain.Success("fallback", map[string]any{"fallback": true}), true
	}
	return env, false
}

func TestExecuteMonitorReplacesFailure(t *testing.T) {
	f := newFixture(t, executor.Config{}, "broken", "next")
	f.native.RegisterAgent("broken", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	var seen any
	f.native.RegisterAgent("next", func(_ context.Context, state map[string]any) (any, error) {
		seen = state["current_data"]
		return map[string]any{"status": "success", "data": "done"}, nil
	})
	mon := &stubMonitor{}
	f.exec.SetMonitor(mon)

	out := f.exec.Execute(context.Background(), linearPlan("broken", "next"), "r", nil)

	assert.Equal(t, 2, mon.calls)
	assert.Equal(t, "fallback", seen)
	assert.Equal(t, executor.StatusPartial, out.Status)
	assert.True(t, out.State.Results["next"].IsSuccess())
}

func TestExecutePublishesEvents(t *testing.T) {
	coord := fabrictest.NewCoordinator(t)
	fabrictest.RegisterAgent(t, fabrictest.Registry(t, coord), "solo", "one agent")
	native := runner.NewNativeRunner()
	native.RegisterAgent("solo", returning("x"))
	bus := eventbus.New(logger.Discard())

	var mu sync.Mutex
	var types []domain.EventType
	done := make(chan struct{})
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		if e.Type == domain.EventWorkflowCompleted {
			close(done)
		}
	})

	exec := executor.New(coord, native, bus, executor.Config{}, logger.Discard())
	exec.Execute(context.Background(), linearPlan("solo"), "r", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workflow.completed not published")
	}
	bus.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, domain.EventWorkflowStarted)
	assert.Contains(t, types, domain.EventStepCompleted)
}

func TestNextPayload(t *testing.T) {
	tests := []struct {
		name string
		data any
		want any
	}{
		{"processed data wins", map[string]any{"processed_data": 1, "extracted_data": 2}, 1},
		{"extracted data", map[string]any{"extracted_data": 2, "other": 3}, 2},
		{"results", map[string]any{"results": []any{"r"}, "other": 3}, []any{"r"}},
		{"single key collapses", map[string]any{"urls": []any{"u"}}, []any{"u"}},
		{"multi key kept", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1, "b": 2}},
		{"scalar", "text", "text"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, executor.NextPayload(domain.Success(tc.data, nil)))
		})
	}
}

func TestNormalizeReturnedState(t *testing.T) {
	state := map[string]any{
		"request": "r",
		"results": map[string]any{
			"agent": map[string]any{"status": "success", "data": "from state"},
		},
	}
	env := executor.Normalize("agent", state)
	assert.True(t, env.IsSuccess())
	assert.Equal(t, "from state", env.Data)

	env = executor.Normalize("other", state)
	assert.True(t, env.IsError())
}

func TestPrepareAgentState(t *testing.T) {
	plan := linearPlan("a", "b")
	plan.Steps[1].InputRequirements = "a list of urls"
	state := domain.NewWorkflowState("r", plan.PipelineID, plan.ExecutionStrategy, nil)

	wire := executor.PrepareAgentState(state, plan, plan.Steps[1])

	assert.Equal(t, "b", wire["current_agent"])
	assert.Equal(t, "a list of urls", wire["input_requirements"])
	pc := wire["pipeline_context"].(map[string]any)
	assert.Equal(t, 1, pc["step_index"])
	assert.Equal(t, map[string][]string{"user_input": {"step_a"}, "step_a": {"step_b"}}, pc["data_flow"])
}
