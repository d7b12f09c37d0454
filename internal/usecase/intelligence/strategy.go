package intelligence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/executor"
	"agentfabric/internal/usecase/factory"
	"agentfabric/internal/usecase/llmjson"
)

// Adaptation actions.
const (
	StrategyReplace    = "create_replacement_agent"
	StrategyModify     = "modify_existing_agent"
	StrategyPreprocess = "retry_with_preprocessing"
	StrategyFallback   = "skip_step_with_fallback"
	StrategyManual     = "manual_intervention"
	// StrategyRetry is recorded when a plain retry recovered the step.
	StrategyRetry = "retry"
)

var defaultPreprocessTools = []string{"clean_data", "validate_data"}

// ReplacementSpec describes a replacement agent.
type ReplacementSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

// PreprocessingSpec lists the tools a preprocessor uses.
type PreprocessingSpec struct {
	Tools []string `json:"tools"`
}

// Strategy is an adaptation plan.
type Strategy struct {
	Action        string             `json:"action"`
	Reason        string             `json:"reason"`
	Replacement   *ReplacementSpec   `json:"replacement_spec,omitempty"`
	Modifications map[string]any     `json:"modifications,omitempty"`
	Preprocessing *PreprocessingSpec `json:"preprocessing_spec,omitempty"`
	FallbackData  any                `json:"fallback_data,omitempty"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

var strategySchema = llmjson.MustCompile(`{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"reason": {"type": "string"},
		"replacement_spec": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"description": {"type": "string"},
				"tools": {"type": "array", "items": {"type": "string"}}
			}
		},
		"modifications": {"type": "object"},
		"preprocessing_spec": {
			"type": "object",
			"properties": {
				"tools": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`)

func manual(reason string) Strategy {
	return Strategy{Action: StrategyManual, Reason: reason, GeneratedAt: time.Now()}
}

// ExecuteAdaptation carries out s for a failed step and returns the
// envelope that replaces the step's result along with the adaptation
// record. A failed adaptation returns the failure it ran into.
func (e *Engine) ExecuteAdaptation(ctx context.Context, run executor.StepRunner, s Strategy, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, failed domain.Envelope) (domain.Envelope, domain.Adaptation) {
	a := domain.Adaptation{
		Timestamp: time.Now(),
		Step:      step.Name,
		Agent:     step.AgentAssigned,
		Strategy:  s.Action,
		Details:   map[string]any{},
	}
	if s.Reason != "" {
		a.Details["reason"] = s.Reason
	}

	var env domain.Envelope
	switch s.Action {
	case StrategyReplace:
		env = e.replace(ctx, run, s, state, plan, step, failed, &a)
	case StrategyModify:
		env = e.modify(ctx, run, s, state, plan, step, &a)
	case StrategyPreprocess:
		env = e.preprocess(ctx, run, s, state, plan, step, &a)
	case StrategyFallback:
		env = fallback(s, step)
		a.Details["fallback_data"] = s.FallbackData
		a.Outcome = "step skipped with fallback data"
	case StrategyManual:
		env = escalate(failed, "Manual intervention required: "+orDefault(s.Reason, failed.ErrorMessage()))
		a.Outcome = "escalated"
	default:
		a.Strategy = StrategyManual
		env = escalate(failed, fmt.Sprintf("Unsupported adaptation action: %s", s.Action))
		a.Outcome = "unsupported action " + s.Action
	}

	a.Success = env.IsSuccess()
	if a.Outcome == "" {
		if a.Success {
			a.Outcome = "step recovered"
		} else {
			a.Outcome = env.ErrorMessage()
		}
	}
	return env, a
}

// replace builds an agent with the failed step's contract and a different
// implementation, then reruns the step with it.
func (e *Engine) replace(ctx context.Context, run executor.StepRunner, s Strategy, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, failed domain.Envelope, a *domain.Adaptation) domain.Envelope {
	spec := ReplacementSpec{}
	if s.Replacement != nil {
		spec = *s.Replacement
	}
	name := spec.Name
	if !domain.ValidName(name) {
		name = "replacement_" + sanitize(step.Name)
	}
	req := e.contract(ctx, step)
	req.Name = name
	req.Description = orDefault(spec.Description, "Replacement for "+step.Name+": "+step.Description)
	if len(spec.Tools) > 0 {
		req.RequiredTools = spec.Tools
	}
	req.Hints = fmt.Sprintf("The previous agent for this step (%s) failed with: %s. Use a different, more defensive implementation.",
		step.AgentAssigned, failed.ErrorMessage())
	a.Details["replacement_agent"] = name
	return e.buildAndRun(ctx, run, req, state, plan, step, a)
}

// modify builds <agent>_modified from the failing agent's contract plus the
// requested modifications, then reruns the step with it.
func (e *Engine) modify(ctx context.Context, run executor.StepRunner, s Strategy, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, a *domain.Adaptation) domain.Envelope {
	req := e.contract(ctx, step)
	req.Name = step.AgentAssigned + "_modified"
	req.Description = "Modified version of " + step.AgentAssigned + ": " + req.Description
	var hints []string
	for k, v := range s.Modifications {
		hints = append(hints, fmt.Sprintf("%s: %v", k, v))
	}
	slices.Sort(hints)
	req.Hints = "Handle malformed and empty input without raising."
	if len(hints) > 0 {
		req.Hints = "Apply these modifications: " + strings.Join(hints, "; ")
	}
	a.Details["modified_agent"] = req.Name
	a.Details["modifications"] = s.Modifications
	return e.buildAndRun(ctx, run, req, state, plan, step, a)
}

// preprocess builds preprocessor_<step>, runs it on the step's input and
// reruns the step on the cleaned payload.
func (e *Engine) preprocess(ctx context.Context, run executor.StepRunner, s Strategy, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, a *domain.Adaptation) domain.Envelope {
	tools := defaultPreprocessTools
	if s.Preprocessing != nil && len(s.Preprocessing.Tools) > 0 {
		tools = s.Preprocessing.Tools
	}
	name := "preprocessor_" + sanitize(step.Name)
	a.Details["preprocessing_agent"] = name
	res := e.ensure(ctx, factory.AgentRequest{
		Name:              name,
		Description:       "Preprocessor for " + step.Name + ": cleans and validates input before " + step.AgentAssigned,
		RequiredTools:     tools,
		AutoCreateTools:   true,
		InputDescription:  step.InputRequirements,
		OutputDescription: step.InputRequirements,
	})
	if !res.OK() {
		return creationFailure(name, res)
	}

	pre := step
	pre.AgentAssigned = name
	pre.Name = step.Name + "_preprocess"
	cleaned := run.RunStep(ctx, state, plan, pre)
	if cleaned.IsError() {
		return cleaned
	}
	snapshot := state.Clone()
	snapshot.CurrentData = executor.NextPayload(cleaned)
	return run.RunStep(ctx, snapshot, plan, step)
}

func (e *Engine) buildAndRun(ctx context.Context, run executor.StepRunner, req factory.AgentRequest, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, a *domain.Adaptation) domain.Envelope {
	res := e.ensure(ctx, req)
	a.Details["creation_status"] = res.Status
	if !res.OK() {
		return creationFailure(req.Name, res)
	}
	alt := step
	alt.AgentAssigned = req.Name
	return run.RunStep(ctx, state, plan, alt)
}

func (e *Engine) ensure(ctx context.Context, req factory.AgentRequest) factory.AgentResult {
	if e.agents == nil {
		return factory.AgentResult{Status: factory.StatusError, Name: req.Name, Message: "no agent factory configured"}
	}
	return e.agents.EnsureAgent(ctx, req)
}

// contract returns an agent request carrying the failing agent's schemas
// and tools.
func (e *Engine) contract(ctx context.Context, step domain.StepPlan) factory.AgentRequest {
	req := factory.AgentRequest{
		Description:       step.Description,
		InputDescription:  step.InputRequirements,
		OutputDescription: step.OutputRequirements,
		AutoCreateTools:   true,
		PipelineContext:   &domain.PipelineBinding{StepIndex: step.StepIndex},
	}
	if e.catalogs == nil {
		return req
	}
	reg, err := e.catalogs.Registry(ctx)
	if err != nil {
		return req
	}
	if agent, ok := reg.GetAgent(step.AgentAssigned); ok {
		req.Description = orDefault(agent.Description, req.Description)
		req.RequiredTools = agent.UsesTools
		req.InputSchema = agent.InputSchema
		req.OutputSchema = agent.OutputSchema
		req.Tags = agent.Tags
	}
	return req
}

func fallback(s Strategy, step domain.StepPlan) domain.Envelope {
	data := s.FallbackData
	if data == nil {
		data = map[string]any{}
	}
	return domain.Success(data, map[string]any{
		"fallback":      true,
		"original_step": step.Name,
		"reason":        "Adaptation strategy - step skipped with fallback",
	})
}

func escalate(failed domain.Envelope, msg string) domain.Envelope {
	meta := map[string]any{"error_type": string(domain.CodeRecoveryFailed)}
	if orig := failed.ErrorMessage(); orig != "" {
		meta["original_error"] = orig
	}
	env := domain.Failure(msg, meta)
	env.AgentName, env.StepName, env.ExecutedAt = failed.AgentName, failed.StepName, failed.ExecutedAt
	return env
}

func creationFailure(name string, res factory.AgentResult) domain.Envelope {
	return domain.Failure(
		fmt.Sprintf("Adaptation could not build %s: %s", name, res.Message),
		map[string]any{"error_type": string(domain.CodeRecoveryFailed), "creation_error": res.Message},
	)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" || !domain.ValidName(out) {
		return "step"
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
