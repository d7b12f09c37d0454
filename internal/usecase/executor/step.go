package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/tracer"
)

// RunStep runs the step's assigned agent once against state. The agent runs
// on its own goroutine and is abandoned when AgentTimeout elapses. RunStep
// does not record anything in state.
func (e *Executor) RunStep(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan) (env domain.Envelope) {
	name := step.AgentAssigned
	defer func() { env = stamp(env, name, step) }()

	if name == "" {
		return failure(domain.CodeNoAgents, "No agent assigned to step")
	}
	reg, err := e.catalogs.Registry(ctx)
	if err != nil {
		return failure(domain.CodeIO, "Registry unavailable: "+err.Error())
	}
	agent, ok := reg.GetAgent(name)
	if !ok || !agent.Active() {
		return failure(domain.CodeNotFound, fmt.Sprintf("Agent '%s' not found", name))
	}

	ctx, span := tracer.StartSpan(ctx, "executor.step")
	span.SetAttributes(tracer.StringAttr("agent", name), tracer.IntAttr("step_index", step.StepIndex))
	defer span.End()

	input := PrepareAgentState(state, plan, step)
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.AgentTimeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		out, err := e.runner.RunAgent(stepCtx, agent, input)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		switch {
		case r.err != nil && (errors.Is(r.err, domain.ErrTimeout) || errors.Is(r.err, context.DeadlineExceeded)):
			env = e.timeoutEnvelope()
		case r.err != nil:
			env = failure(domain.ErrorCodeOf(r.err), "Agent execution failed: "+r.err.Error())
		default:
			env = Normalize(name, r.out)
		}
		env = env.WithMeta("execution_time", elapsed.Seconds())
	case <-stepCtx.Done():
		if errors.Is(stepCtx.Err(), context.Canceled) {
			env = failure(domain.CodeExecution, "Agent execution cancelled")
		} else {
			env = e.timeoutEnvelope()
		}
		env = env.WithMeta("execution_time", time.Since(start).Seconds())
		e.logger.Warn("agent abandoned", "agent", name, "step", step.Name, "timeout", e.cfg.AgentTimeout)
	}

	if err := reg.UpdateAgentMetrics(name, env.ExecutionTime()); err != nil {
		e.logger.Debug("agent metrics not updated", "agent", name, "error", err)
	}
	if env.IsError() {
		span.SetAttributes(tracer.StringAttr("error", env.ErrorMessage()))
	} else {
		tracer.SetOK(span)
	}
	return env
}

func (e *Executor) timeoutEnvelope() domain.Envelope {
	return domain.Failure(
		fmt.Sprintf("Agent execution timeout (%s)", e.cfg.AgentTimeout),
		map[string]any{"error": "timeout", "error_type": string(domain.CodeTimeout)},
	)
}

func failure(code domain.ErrorCode, msg string) domain.Envelope {
	return domain.Failure(msg, map[string]any{"error_type": string(code)})
}

// stamp records who produced env.
func stamp(env domain.Envelope, agent string, step domain.StepPlan) domain.Envelope {
	now := time.Now()
	env = env.WithMeta("agent_name", agent)
	env = env.WithMeta("step_index", step.StepIndex)
	env = env.WithMeta("pipeline_step", true)
	env.AgentName = agent
	env.StepName = step.Name
	env.ExecutedAt = &now
	return env
}

// ErrorType returns the error code carried by env, or "" on success.
func ErrorType(env domain.Envelope) domain.ErrorCode {
	if env.IsSuccess() {
		return ""
	}
	if s, ok := env.Metadata["error_type"].(string); ok && s != "" {
		return domain.ErrorCode(s)
	}
	if s, ok := env.Metadata["error"].(string); ok && s == "timeout" {
		return domain.CodeTimeout
	}
	return domain.CodeExecution
}

// Transient reports whether a failed step may succeed when retried.
func Transient(env domain.Envelope) bool {
	switch ErrorType(env) {
	case domain.CodeTimeout, domain.CodeProviderError, domain.CodeRateLimit:
		return true
	}
	return false
}

// Normalize turns whatever an agent returned into an envelope. A returned
// state yields its results entry for agent; a bare mapping is read as an
// envelope; anything else is an error.
func Normalize(agent string, out any) domain.Envelope {
	m, ok := out.(map[string]any)
	if !ok {
		return failure(domain.CodeExecution, "Agent returned invalid result type: "+typeName(out))
	}
	if isState(m) {
		results, _ := m["results"].(map[string]any)
		r, ok := results[agent].(map[string]any)
		if !ok {
			return failure(domain.CodeExecution, fmt.Sprintf("Agent %s returned state without a result entry", agent))
		}
		return domain.EnvelopeFromMap(r)
	}
	env := domain.EnvelopeFromMap(m)
	if env.IsError() {
		if _, ok := env.Metadata["error_type"]; !ok {
			env = env.WithMeta("error_type", string(domain.CodeExecution))
		}
	}
	return env
}

func isState(m map[string]any) bool {
	if _, ok := m["results"].(map[string]any); !ok {
		return false
	}
	for _, k := range []string{"request", "workflow_id", "execution_path", "current_data"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// NextPayload extracts the data a following step consumes from env: its
// data, narrowed to processed_data, extracted_data or results when present,
// or to the only value of a single-key mapping.
func NextPayload(env domain.Envelope) any {
	m, ok := env.Data.(map[string]any)
	if !ok {
		return env.Data
	}
	for _, k := range []string{"processed_data", "extracted_data", "results"} {
		if v, ok := m[k]; ok {
			return v
		}
	}
	if len(m) == 1 {
		for _, v := range m {
			return v
		}
	}
	return env.Data
}

// PrepareAgentState renders state for an agent, adding the step's pipeline
// context and requirements.
func PrepareAgentState(state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan) map[string]any {
	wire := state.ToWire()
	wire["current_agent"] = step.AgentAssigned
	pc := map[string]any{
		"step_index": step.StepIndex,
		"step_name":  step.Name,
	}
	if plan != nil {
		pc["pipeline_id"] = plan.PipelineID
		pc["total_steps"] = plan.TotalSteps
		pc["data_flow"] = DataFlowGraph(plan)
	}
	wire["pipeline_context"] = pc
	if step.InputRequirements != "" {
		wire["input_requirements"] = step.InputRequirements
	}
	if step.OutputRequirements != "" {
		wire["output_requirements"] = step.OutputRequirements
	}
	return wire
}

// DataFlowGraph returns, for every step name, the names of the steps that
// consume its output. Edges from the request are listed under "user_input".
func DataFlowGraph(plan *domain.PipelinePlan) map[string][]string {
	g := make(map[string][]string, len(plan.Steps)+1)
	name := func(i int) (string, bool) {
		if i < 0 {
			return "user_input", true
		}
		if i >= len(plan.Steps) {
			return "", false
		}
		return plan.Steps[i].Name, true
	}
	for _, e := range plan.DataFlow {
		from, ok1 := name(e.From)
		to, ok2 := name(e.To)
		if ok1 && ok2 && e.To >= 0 {
			g[from] = append(g[from], to)
		}
	}
	return g
}
