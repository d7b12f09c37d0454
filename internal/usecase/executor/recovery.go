package executor

import (
	"context"
	"fmt"
	"time"

	"agentfabric/internal/domain"
)

// ExecuteStepWithRecovery runs step up to MaxRetries+1 times, pausing
// RetryBackoff between attempts. The returned envelope carries a recovery
// record. Nothing is written to state except retry counts.
func (e *Executor) ExecuteStepWithRecovery(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan) domain.Envelope {
	attempts := e.cfg.MaxRetries + 1
	var last domain.Envelope
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			state.RetryCounts[step.Name]++
			select {
			case <-ctx.Done():
				return recovered(last, false, attempt-1)
			case <-time.After(e.cfg.RetryBackoff):
			}
		}
		last = e.RunStep(ctx, state, plan, step)
		if last.IsSuccess() {
			if attempt > 1 {
				e.logger.Info("step recovered", "step", step.Name, "agent", step.AgentAssigned, "attempts", attempt)
			}
			return recovered(last, attempt > 1, attempt)
		}
		e.logger.Debug("step attempt failed", "step", step.Name, "attempt", attempt, "error", last.ErrorMessage())
	}

	env := domain.Failure(
		fmt.Sprintf("Step failed after %d attempts. Last error: %s", attempts, last.ErrorMessage()),
		map[string]any{"error_type": string(ErrorType(last))},
	)
	env.AgentName, env.StepName, env.ExecutedAt = last.AgentName, last.StepName, last.ExecutedAt
	for _, k := range []string{"agent_name", "step_index", "pipeline_step", "execution_time"} {
		if v, ok := last.Metadata[k]; ok {
			env = env.WithMeta(k, v)
		}
	}
	return recovered(env, false, attempts)
}

func recovered(env domain.Envelope, ok bool, attempts int) domain.Envelope {
	info := &domain.RecoveryInfo{Recovered: ok, Attempts: attempts}
	if !ok {
		info.LastError = env.ErrorMessage()
	}
	env.RecoveryInfo = info
	return env
}

// RetryFailedStep retries a step whose first run already failed. The
// recovery record counts that first run.
func (e *Executor) RetryFailedStep(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan) domain.Envelope {
	state.RetryCounts[step.Name]++
	env := e.ExecuteStepWithRecovery(ctx, state, plan, step)
	if info := env.RecoveryInfo; info != nil {
		info.Attempts++
		info.Recovered = env.IsSuccess()
	}
	return env
}
