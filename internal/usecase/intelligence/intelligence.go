// Package intelligence watches pipeline steps as they finish and adapts
// the pipeline when one fails: it retries transient errors, and otherwise
// asks the planner model how to recover and carries that out.
package intelligence

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"text/template"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/executor"
	"agentfabric/internal/usecase/factory"
	"agentfabric/internal/usecase/llmjson"
	"agentfabric/internal/usecase/registry"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// Catalogs provides the current registry.
type Catalogs interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// AgentBuilder creates agents. *factory.AgentFactory satisfies it.
type AgentBuilder interface {
	EnsureAgent(ctx context.Context, req factory.AgentRequest) factory.AgentResult
}

// Config tunes monitoring.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// SlowStep flags steps slower than this as degraded.
	SlowStep time.Duration
	// RetryTransient retries timeouts and provider errors before planning
	// an adaptation.
	RetryTransient bool
}

func (c Config) withDefaults() Config {
	if c.SlowStep <= 0 {
		c.SlowStep = 30 * time.Second
	}
	return c
}

// MonitorEntry is one step observation.
type MonitorEntry struct {
	PipelineID    string    `json:"pipeline_id"`
	StepIndex     int       `json:"step_index"`
	StepName      string    `json:"step_name"`
	Agent         string    `json:"agent"`
	Status        string    `json:"status"`
	ExecutionTime float64   `json:"execution_time"`
	Timestamp     time.Time `json:"timestamp"`
}

// Engine monitors steps and executes adaptations. It implements
// executor.Monitor.
type Engine struct {
	catalogs Catalogs
	agents   AgentBuilder
	model    domain.LLMProvider
	bus      domain.EventBus
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	trace       []MonitorEntry
	adaptations []domain.Adaptation
}

var _ executor.Monitor = (*Engine)(nil)

// New creates an Engine. bus may be nil.
func New(catalogs Catalogs, agents AgentBuilder, model domain.LLMProvider, bus domain.EventBus, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{catalogs: catalogs, agents: agents, model: model, bus: bus, cfg: cfg.withDefaults(), logger: log}
}

// Monitor records the step and analyzes its envelope. When a high-severity
// issue is present the analysis carries the adaptation strategy to apply.
func (e *Engine) Monitor(ctx context.Context, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, env domain.Envelope) Analysis {
	e.mu.Lock()
	e.trace = append(e.trace, MonitorEntry{
		PipelineID:    state.WorkflowID,
		StepIndex:     step.StepIndex,
		StepName:      step.Name,
		Agent:         step.AgentAssigned,
		Status:        string(env.Status),
		ExecutionTime: env.ExecutionTime(),
		Timestamp:     time.Now(),
	})
	e.mu.Unlock()

	a := analyze(env, e.cfg.SlowStep)
	if a.AdaptationNeeded {
		s := e.planStrategy(ctx, a.Issues, state, plan, step, env)
		a.Strategy = &s
	}
	e.logger.Debug("step analyzed", "step", step.Name, "status", a.Status, "issues", len(a.Issues))
	return a
}

// AfterStep is called by the executor after every step. Successful steps
// pass through with their medium issues noted as warnings. Failed steps are
// retried when transient, then adapted.
func (e *Engine) AfterStep(ctx context.Context, run executor.StepRunner, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, env domain.Envelope) (domain.Envelope, bool) {
	if env.IsSuccess() {
		a := e.Monitor(ctx, state, plan, step, env)
		for _, issue := range a.Issues {
			if issue.Severity == domain.SeverityMedium {
				state.Warnings = append(state.Warnings, step.Name+": "+issue.Description)
			}
		}
		return env, false
	}

	if e.cfg.RetryTransient && executor.Transient(env) {
		retried := run.RetryFailedStep(ctx, state, plan, step)
		if retried.IsSuccess() {
			e.record(ctx, state, domain.Adaptation{
				Step:     step.Name,
				Agent:    step.AgentAssigned,
				Strategy: StrategyRetry,
				Issues:   DetectIssues(env, e.cfg.SlowStep),
				Success:  true,
				Outcome:  "transient failure recovered by retry",
			})
			return retried, true
		}
		env = retried
	}

	a := e.Monitor(ctx, state, plan, step, env)
	if a.Strategy == nil {
		return env, false
	}
	out, adaptation := e.ExecuteAdaptation(ctx, run, *a.Strategy, state, plan, step, env)
	adaptation.Issues = a.Issues
	e.record(ctx, state, adaptation)
	return out, true
}

func (e *Engine) record(ctx context.Context, state *domain.WorkflowState, a domain.Adaptation) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	state.Adaptations = append(state.Adaptations, a)
	e.mu.Lock()
	e.adaptations = append(e.adaptations, a)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(ctx, domain.NewEvent(domain.EventAdaptation, state.WorkflowID, a))
	}
	e.logger.Info("adaptation executed", "step", a.Step, "strategy", a.Strategy, "success", a.Success)
}

type adaptPrompt struct {
	Issues      string
	StepIndex   int
	TotalSteps  int
	StepName    string
	Description string
	Previous    string
	Result      string
}

// planStrategy asks the planner model for a recovery action. Any failure
// to get one yields manual intervention.
func (e *Engine) planStrategy(ctx context.Context, issues []domain.Issue, state *domain.WorkflowState, plan *domain.PipelinePlan, step domain.StepPlan, env domain.Envelope) Strategy {
	ctx, span := tracer.StartSpan(ctx, "intelligence.plan_adaptation")
	defer span.End()

	previous := map[string]string{}
	for name, r := range state.StepResults {
		previous[name] = string(r.Status)
	}
	data := adaptPrompt{
		Issues:      compactJSON(issues),
		StepIndex:   step.StepIndex,
		StepName:    step.Name,
		Description: step.Description,
		Previous:    compactJSON(previous),
		Result: compactJSON(map[string]any{
			"status": env.Status, "error": env.ErrorMessage(), "agent_name": step.AgentAssigned,
		}),
	}
	if plan != nil {
		data.TotalSteps = plan.TotalSteps
	}

	var sys, usr bytes.Buffer
	if err := prompts.ExecuteTemplate(&sys, "adapt_system", data); err != nil {
		return manual("Automated planning failed: " + err.Error())
	}
	if err := prompts.ExecuteTemplate(&usr, "adapt_user", data); err != nil {
		return manual("Automated planning failed: " + err.Error())
	}
	req := domain.NewPrompt(sys.String(), usr.String())
	req.Model, req.Temperature, req.MaxTokens, req.Purpose = e.cfg.Model, e.cfg.Temperature, e.cfg.MaxTokens, "adapt"

	var s Strategy
	if err := llmjson.Ask(ctx, e.model, req, strategySchema, domain.ErrPlanning, &s); err != nil {
		tracer.RecordError(span, err)
		e.logger.Warn("adaptation planning failed", "step", step.Name, "error", err)
		return manual("Automated planning failed: " + err.Error())
	}
	s.GeneratedAt = time.Now()
	return s
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// AdaptationHistory returns every adaptation executed so far.
func (e *Engine) AdaptationHistory() []domain.Adaptation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.adaptations)
}

// MonitoringData returns the step observations recorded so far.
func (e *Engine) MonitoringData() []MonitorEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.trace)
}

// ClearMonitoringData drops observations and adaptations older than
// olderThan and returns how many entries were removed.
func (e *Engine) ClearMonitoringData(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	before := len(e.trace) + len(e.adaptations)
	e.trace = slices.DeleteFunc(e.trace, func(m MonitorEntry) bool { return !m.Timestamp.After(cutoff) })
	e.adaptations = slices.DeleteFunc(e.adaptations, func(a domain.Adaptation) bool { return !a.Timestamp.After(cutoff) })
	return before - len(e.trace) - len(e.adaptations)
}

// Grades.
const (
	GradeExcellent  = "excellent"
	GradeGood       = "good"
	GradeAcceptable = "acceptable"
	GradePoor       = "poor"
)

// PerformanceReport aggregates a pipeline's monitoring trace.
type PerformanceReport struct {
	PipelineID      string  `json:"pipeline_id"`
	Status          string  `json:"status"`
	TotalTime       float64 `json:"total_execution_time"`
	TotalSteps      int     `json:"total_steps"`
	FailedSteps     int     `json:"failed_steps"`
	SuccessRate     float64 `json:"success_rate"`
	AverageStepTime float64 `json:"average_step_time"`
	Grade           string  `json:"performance_grade,omitempty"`
}

// AnalyzePipelinePerformance grades a pipeline from its monitoring trace.
func (e *Engine) AnalyzePipelinePerformance(pipelineID string) PerformanceReport {
	rep := PerformanceReport{PipelineID: pipelineID, Status: "no_data"}
	for _, m := range e.MonitoringData() {
		if m.PipelineID != pipelineID {
			continue
		}
		rep.TotalSteps++
		rep.TotalTime += m.ExecutionTime
		if m.Status == string(domain.EnvelopeError) {
			rep.FailedSteps++
		}
	}
	if rep.TotalSteps == 0 {
		return rep
	}
	rep.Status = "analyzed"
	rep.SuccessRate = float64(rep.TotalSteps-rep.FailedSteps) / float64(rep.TotalSteps)
	rep.AverageStepTime = rep.TotalTime / float64(rep.TotalSteps)
	rep.Grade = Grade(rep.SuccessRate, rep.AverageStepTime)
	return rep
}

// Grade classifies a success rate and an average step time in seconds.
func Grade(successRate, avgSeconds float64) string {
	switch {
	case successRate >= 0.9 && avgSeconds < 10:
		return GradeExcellent
	case successRate >= 0.8 && avgSeconds < 20:
		return GradeGood
	case successRate >= 0.6:
		return GradeAcceptable
	default:
		return GradePoor
	}
}
