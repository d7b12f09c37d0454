// Package executor runs pipeline plans: it threads the workflow state
// through every step, bounds each agent and the whole workflow in time and
// hands step outcomes to a monitor that may recover failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/planner"
	"agentfabric/internal/usecase/registry"
)

// Status is the outcome of a pipeline run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Merge rules for parallel groups.
const (
	MergeByAgent = "by_agent"
	MergeList    = "list"
	MergeLast    = "last"
)

// Catalogs provides the current registry.
type Catalogs interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// StepRunner runs single steps. Monitors use it to retry or replace a
// failed step.
type StepRunner interface {
	RunStep(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan) domain.Envelope
	RetryFailedStep(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan) domain.Envelope
}

// Monitor is consulted after every step. It returns the envelope to keep and
// whether it adapted the step.
type Monitor interface {
	AfterStep(ctx context.Context, run StepRunner, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, env domain.Envelope) (domain.Envelope, bool)
}

// Config bounds execution.
type Config struct {
	AgentTimeout    time.Duration
	WorkflowTimeout time.Duration
	MaxParallel     int
	MaxRetries      int
	RetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 10 * time.Second
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = 60 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}

// Outcome is the result of Execute.
type Outcome struct {
	Status   Status               `json:"status"`
	State    *domain.WorkflowState `json:"state"`
	Duration time.Duration        `json:"duration"`
	// Skipped lists steps whose condition did not hold.
	Skipped []string `json:"skipped,omitempty"`
}

// ExecutionRecord is one entry of the in-memory execution history.
type ExecutionRecord struct {
	PipelineID  string    `json:"pipeline_id"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Steps       int       `json:"steps"`
}

// Executor runs pipeline plans.
type Executor struct {
	catalogs Catalogs
	runner   domain.Runner
	bus      domain.EventBus
	cfg      Config
	logger   *slog.Logger

	monitor Monitor
	store   domain.HistoryStore

	mu      sync.Mutex
	history []ExecutionRecord
}

// New creates an Executor. bus may be nil.
func New(catalogs Catalogs, runner domain.Runner, bus domain.EventBus, cfg Config, log *slog.Logger) *Executor {
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{catalogs: catalogs, runner: runner, bus: bus, cfg: cfg.withDefaults(), logger: log}
}

// SetMonitor installs the step monitor.
func (e *Executor) SetMonitor(m Monitor) { e.monitor = m }

// SetHistoryStore persists every run to store.
func (e *Executor) SetHistoryStore(store domain.HistoryStore) { e.store = store }

// Config returns the effective limits.
func (e *Executor) Config() Config { return e.cfg }

// ExecutionHistory returns the runs executed so far.
func (e *Executor) ExecutionHistory() []ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// Execute runs plan for request. It never returns a Go error: problems are
// reported through the outcome's status and the state's errors.
func (e *Executor) Execute(ctx context.Context, plan *domain.PipelinePlan, request string, files []domain.FileRecord) *Outcome {
	start := time.Now()
	var id string
	var strategy domain.WorkflowType
	if plan != nil {
		id, strategy = plan.PipelineID, plan.ExecutionStrategy
	}
	if id == "" {
		id = planner.NewPipelineID()
	}
	state := domain.NewWorkflowState(request, id, strategy, files)

	ctx, span := tracer.StartSpan(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("pipeline_id", id))

	out := &Outcome{State: state}
	if err := e.preflight(ctx, plan, state); err != nil {
		out.Status = StatusError
		e.finish(ctx, plan, out, start)
		tracer.RecordError(span, err)
		return out
	}

	state.PendingAgents = plan.AgentNames()
	e.emit(ctx, domain.EventWorkflowStarted, id, map[string]any{"steps": len(plan.Steps), "strategy": plan.ExecutionStrategy})
	e.logger.Info("pipeline started", "pipeline_id", id, "steps", len(plan.Steps), "strategy", plan.ExecutionStrategy)

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WorkflowTimeout)
	defer cancel()

	initial := state.CurrentData
	timedOut := false
	for _, stage := range stages(plan) {
		if wctx.Err() != nil {
			timedOut = true
			break
		}
		var runnable []domain.StepPlan
		for _, step := range stage {
			if !conditionHolds(step.Condition, state) {
				out.Skipped = append(out.Skipped, step.Name)
				state.Warnings = append(state.Warnings, fmt.Sprintf("Step %s skipped: condition %s on %s not met",
					step.Name, step.Condition.When, step.Condition.AfterStep))
				state.PendingAgents = slices.DeleteFunc(state.PendingAgents, func(n string) bool { return n == step.AgentAssigned })
				continue
			}
			runnable = append(runnable, step)
		}
		if len(runnable) == 0 {
			continue
		}

		var ok bool
		if len(runnable) == 1 {
			ok = e.runSequential(wctx, state, plan, runnable[0], initial)
		} else {
			ok = e.runParallel(wctx, state, plan, runnable, initial)
		}
		if wctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
			timedOut = true
			break
		}
		if !ok {
			state.ShouldContinue = false
			break
		}
	}

	if timedOut {
		state.ShouldContinue = false
		state.Warnings = append(state.Warnings, fmt.Sprintf("Workflow timeout (%s): remaining steps not scheduled", e.cfg.WorkflowTimeout))
		state.AddError("", "", -1, domain.CodeTimeout, fmt.Sprintf("Workflow exceeded %s", e.cfg.WorkflowTimeout))
	}
	out.Status = deriveStatus(plan, state, out.Skipped, timedOut)
	e.finish(ctx, plan, out, start)
	span.SetAttributes(tracer.StringAttr("status", string(out.Status)))
	return out
}

// preflight rejects plans that cannot run at all.
func (e *Executor) preflight(ctx context.Context, plan *domain.PipelinePlan, state *domain.WorkflowState) error {
	if plan == nil || len(plan.Steps) == 0 {
		state.AddError("", "", -1, domain.CodePlanning, "Plan has no steps")
		return fmt.Errorf("%w: empty plan", domain.ErrPlanning)
	}
	reg, err := e.catalogs.Registry(ctx)
	if err != nil {
		state.AddError("", "", -1, domain.CodeIO, err.Error())
		return err
	}
	var missing []string
	for _, s := range plan.Steps {
		if s.AgentAssigned == "" || !reg.AgentExists(s.AgentAssigned) {
			missing = append(missing, s.AgentAssigned)
			state.AddError(s.AgentAssigned, s.Name, s.StepIndex, domain.CodeMissingCapabilities,
				fmt.Sprintf("Agent '%s' not found", s.AgentAssigned))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", domain.ErrMissingCapabilities, missing)
	}
	return nil
}

// runSequential runs one step on the shared state. It reports whether the
// pipeline may continue.
func (e *Executor) runSequential(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, initial any) bool {
	state.CurrentData = bindInput(state, plan, step, initial)
	state.CurrentAgent = step.AgentAssigned
	e.emit(ctx, domain.EventStepStarted, state.WorkflowID, map[string]any{"step": step.Name, "agent": step.AgentAssigned})

	env := e.RunStep(ctx, state, plan, step)
	if env.IsError() {
		env = e.recover(ctx, state, plan, step, env)
	} else if e.monitor != nil && ctx.Err() == nil {
		env, _ = e.monitor.AfterStep(ctx, e, state, plan, step, env)
	}
	e.commit(ctx, state, step, env)
	if env.IsSuccess() {
		state.CurrentData = NextPayload(env)
	}
	return env.IsSuccess()
}

// recover records the failure and lets the monitor, or failing that a
// bounded retry of transient errors, try to save the step.
func (e *Executor) recover(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, env domain.Envelope) domain.Envelope {
	state.AddError(step.AgentAssigned, step.Name, step.StepIndex, ErrorType(env), env.ErrorMessage())
	if ctx.Err() != nil {
		return env
	}
	if e.monitor != nil {
		if adapted, ok := e.monitor.AfterStep(ctx, e, state, plan, step, env); ok {
			return adapted
		}
		return env
	}
	if Transient(env) && e.cfg.MaxRetries > 0 {
		return e.RetryFailedStep(ctx, state, plan, step)
	}
	return env
}

func (e *Executor) commit(ctx context.Context, state *domain.WorkflowState, step domain.StepPlan, env domain.Envelope) {
	state.Record(step.AgentAssigned, step.Name, env)
	if env.IsSuccess() {
		e.emit(ctx, domain.EventStepCompleted, state.WorkflowID, map[string]any{
			"step": step.Name, "agent": step.AgentAssigned, "execution_time": env.ExecutionTime(),
		})
		return
	}
	e.emit(ctx, domain.EventStepFailed, state.WorkflowID, map[string]any{
		"step": step.Name, "agent": step.AgentAssigned, "error": env.ErrorMessage(),
	})
	e.logger.Warn("step failed", "step", step.Name, "agent", step.AgentAssigned, "error", env.ErrorMessage())
}

// runParallel runs a group of steps on snapshots of state taken at group
// entry, then merges their envelopes in plan order.
func (e *Executor) runParallel(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, group []domain.StepPlan, initial any) bool {
	state.CurrentData = bindInput(state, plan, group[0], initial)
	state.ParallelGroup = make([]string, len(group))
	for i, s := range group {
		state.ParallelGroup[i] = s.AgentAssigned
	}
	snapshot := state.Clone()
	envs := make([]domain.Envelope, len(group))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)
	for i, step := range group {
		e.emit(ctx, domain.EventStepStarted, state.WorkflowID, map[string]any{"step": step.Name, "agent": step.AgentAssigned, "parallel": true})
		g.Go(func() error {
			envs[i] = e.RunStep(gctx, snapshot.Clone(), plan, step)
			return nil
		})
	}
	_ = g.Wait()

	allOK := true
	for i, step := range group {
		env := envs[i]
		if env.IsError() {
			env = e.recover(ctx, state, plan, step, env)
		} else if e.monitor != nil && ctx.Err() == nil {
			env, _ = e.monitor.AfterStep(ctx, e, state, plan, step, env)
		}
		envs[i] = env
		e.commit(ctx, state, step, env)
		if env.IsError() {
			allOK = false
		}
	}
	state.ParallelGroup = []string{}
	state.CurrentData = merge(plan.Merge, group, envs)
	return allOK
}

// merge aggregates the successful outputs of a parallel group.
func merge(rule string, group []domain.StepPlan, envs []domain.Envelope) any {
	switch rule {
	case MergeList:
		out := []any{}
		for _, env := range envs {
			if env.IsSuccess() {
				out = append(out, NextPayload(env))
			}
		}
		return out
	case MergeLast:
		var last any
		for _, env := range envs {
			if env.IsSuccess() {
				last = NextPayload(env)
			}
		}
		return last
	default:
		out := map[string]any{}
		for i, env := range envs {
			if env.IsSuccess() {
				out[group[i].AgentAssigned] = NextPayload(env)
			}
		}
		return out
	}
}

// stages splits the plan into runnable units: a parallel group runs as one
// stage at the position of its first member, every other step alone.
func stages(plan *domain.PipelinePlan) [][]domain.StepPlan {
	var out [][]domain.StepPlan
	seen := map[int]bool{}
	for _, s := range plan.Steps {
		if s.ParallelGroup == 0 {
			out = append(out, []domain.StepPlan{s})
			continue
		}
		if seen[s.ParallelGroup] {
			continue
		}
		seen[s.ParallelGroup] = true
		var group []domain.StepPlan
		for _, m := range plan.Steps {
			if m.ParallelGroup == s.ParallelGroup {
				group = append(group, m)
			}
		}
		out = append(out, group)
	}
	return out
}

// bindInput returns the payload step consumes according to the data-flow
// edges into it. Without edges, or when a source produced nothing usable,
// the current payload carries over.
func bindInput(state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, initial any) any {
	var sources []domain.DataFlowEdge
	for _, e := range plan.DataFlow {
		if e.To == step.StepIndex {
			sources = append(sources, e)
		}
	}
	if len(sources) == 0 {
		return state.CurrentData
	}

	payload := func(from int) (string, any) {
		if from < 0 || from >= len(plan.Steps) {
			return "user_input", initial
		}
		src := plan.Steps[from]
		if env, ok := state.StepResults[src.Name]; ok && env.IsSuccess() {
			return src.AgentAssigned, NextPayload(env)
		}
		return src.AgentAssigned, state.CurrentData
	}
	if len(sources) == 1 {
		_, v := payload(sources[0].From)
		return v
	}
	joined := map[string]any{}
	for _, e := range sources {
		k, v := payload(e.From)
		joined[k] = v
	}
	return joined
}

// conditionHolds evaluates a step gate against the results so far. A gate
// on a step that has not run does not hold.
func conditionHolds(c *domain.StepCondition, state *domain.WorkflowState) bool {
	if c == nil {
		return true
	}
	env, ok := state.StepResults[c.AfterStep]
	if !ok {
		return false
	}
	switch c.When {
	case "error":
		return env.IsError()
	case "non_empty":
		return env.IsSuccess() && !isEmpty(NextPayload(env))
	default:
		return env.IsSuccess()
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// deriveStatus classifies a finished run. Skipped steps do not count as
// planned.
func deriveStatus(plan *domain.PipelinePlan, state *domain.WorkflowState, skipped []string, timedOut bool) Status {
	if timedOut {
		return StatusTimeout
	}
	successes, failures, unrecoveredTimeout := 0, 0, false
	for _, s := range plan.Steps {
		if slices.Contains(skipped, s.Name) {
			continue
		}
		env, ok := state.StepResults[s.Name]
		switch {
		case !ok:
			failures++
		case env.IsSuccess():
			successes++
		default:
			failures++
			if ErrorType(env) == domain.CodeTimeout {
				unrecoveredTimeout = true
			}
		}
	}
	switch {
	case unrecoveredTimeout:
		return StatusTimeout
	case failures == 0 && len(state.Errors) == 0:
		return StatusSuccess
	case successes > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func (e *Executor) finish(ctx context.Context, plan *domain.PipelinePlan, out *Outcome, start time.Time) {
	state := out.State
	state.Complete()
	state.CurrentAgent = ""
	out.Duration = time.Since(start)

	rec := ExecutionRecord{
		PipelineID:  state.WorkflowID,
		Status:      out.Status,
		StartedAt:   state.StartedAt,
		CompletedAt: *state.CompletedAt,
		Steps:       len(state.StepResults),
	}
	e.mu.Lock()
	e.history = append(e.history, rec)
	e.mu.Unlock()

	evt := domain.EventWorkflowCompleted
	if out.Status == StatusError || out.Status == StatusFailed || out.Status == StatusTimeout {
		evt = domain.EventWorkflowFailed
	}
	e.emit(ctx, evt, state.WorkflowID, map[string]any{"status": out.Status, "duration": out.Duration.Seconds()})
	e.logger.Info("pipeline finished", "pipeline_id", state.WorkflowID, "status", out.Status,
		"steps", len(state.StepResults), "errors", len(state.Errors), "duration", out.Duration)

	if e.store != nil {
		if err := e.store.SaveRun(context.WithoutCancel(ctx), runRecord(plan, out)); err != nil {
			e.logger.Warn("run not saved to history", "pipeline_id", state.WorkflowID, "error", err)
		}
	}
}

func runRecord(plan *domain.PipelinePlan, out *Outcome) domain.RunRecord {
	state := out.State
	rec := domain.RunRecord{
		PipelineID:  state.WorkflowID,
		Request:     state.Request,
		Strategy:    state.WorkflowType,
		Status:      string(out.Status),
		StartedAt:   state.StartedAt,
		CompletedAt: *state.CompletedAt,
		Duration:    out.Duration.Seconds(),
		Adaptations: state.Adaptations,
		Errors:      state.Errors,
	}
	if plan == nil {
		return rec
	}
	for _, s := range plan.Steps {
		env, ok := state.StepResults[s.Name]
		if !ok {
			continue
		}
		rec.Steps = append(rec.Steps, domain.StepRecord{
			StepIndex:     s.StepIndex,
			Name:          s.Name,
			Agent:         s.AgentAssigned,
			Status:        env.Status,
			Error:         env.Error,
			ExecutionTime: env.ExecutionTime(),
		})
	}
	return rec
}

func (e *Executor) emit(ctx context.Context, t domain.EventType, workflowID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(t, workflowID, payload))
}
