// Package orchestrator is the public entry point of the fabric. A request is
// checked for ambiguity, planned, its missing components are created, the
// pipeline is executed and the results are synthesized into an answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/executor"
	"agentfabric/internal/usecase/factory"
	"agentfabric/internal/usecase/planner"
)

// Result statuses beyond the executor's.
const (
	StatusNoAgents            = string(domain.CodeNoAgents)
	StatusMissingCapabilities = string(domain.CodeMissingCapabilities)
)

// ResponseClarification marks a clarification reply.
const ResponseClarification = "clarification"

const missingSuggestion = "Enable auto_create to build missing components automatically"

// Planner produces pipeline plans. *planner.Planner satisfies it.
type Planner interface {
	Plan(ctx context.Context, request string, files []domain.FileRecord) (*domain.PipelinePlan, error)
	PlanWorkflow(ctx context.Context, request string, files []domain.FileRecord) (*domain.PipelinePlan, error)
}

// Executor runs plans. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, plan *domain.PipelinePlan, request string, files []domain.FileRecord) *executor.Outcome
}

// ToolBuilder creates tools. *factory.ToolFactory satisfies it.
type ToolBuilder interface {
	EnsureTool(ctx context.Context, req factory.ToolRequest) factory.ToolResult
}

// AgentBuilder creates agents. *factory.AgentFactory satisfies it.
type AgentBuilder interface {
	EnsureAgent(ctx context.Context, req factory.AgentRequest) factory.AgentResult
}

// Config tunes the orchestrator.
type Config struct {
	// AutoCreate builds missing agents and tools instead of refusing.
	AutoCreate  bool
	Model       string
	Temperature float64
	MaxTokens   int
	// ResultChars caps each agent's data in the synthesis prompt.
	ResultChars int
}

func (c Config) withDefaults() Config {
	if c.ResultChars <= 0 {
		c.ResultChars = 500
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// Request is one call to Process.
type Request struct {
	Text  string
	Files []domain.FileRecord
	// Paths are read with the file reader and appended to Files.
	Paths []string
	// AutoCreate overrides Config.AutoCreate when set.
	AutoCreate *bool
}

// Workflow describes what ran.
type Workflow struct {
	Type          string   `json:"type"`
	Steps         []string `json:"steps"`
	ExecutionPath []string `json:"execution_path"`
}

// Metadata summarizes a run.
type Metadata struct {
	AgentsUsed        int    `json:"agents_used"`
	ComponentsCreated int    `json:"components_created"`
	ErrorsEncountered int    `json:"errors_encountered"`
	ResponseType      string `json:"response_type,omitempty"`
	Complexity        string `json:"complexity,omitempty"`
}

// Result is the envelope returned to callers.
type Result struct {
	Status        string                     `json:"status"`
	WorkflowID    string                     `json:"workflow_id"`
	Response      string                     `json:"response"`
	ExecutionTime float64                    `json:"execution_time"`
	Workflow      Workflow                   `json:"workflow"`
	Results       map[string]domain.Envelope `json:"results"`
	Metadata      Metadata                   `json:"metadata"`
	Errors        []domain.StateError        `json:"errors,omitempty"`
	Suggestion    string                     `json:"suggestion,omitempty"`
	Adaptations   []domain.Adaptation        `json:"adaptations,omitempty"`
	// Output is the pipeline's final payload.
	Output any `json:"output,omitempty"`
	// Created names the components built for this request, tools first.
	Created []string `json:"components,omitempty"`
}

// Orchestrator wires planning, creation, execution and synthesis.
type Orchestrator struct {
	planner Planner
	exec    Executor
	tools   ToolBuilder
	agents  AgentBuilder
	model   domain.LLMProvider
	reader  domain.FileReader
	cfg     Config
	logger  *slog.Logger
}

// New creates an Orchestrator. tools, agents and model may be nil: without
// builders nothing is created, without a model the answer is a plain
// summary.
func New(p Planner, exec Executor, tools ToolBuilder, agents AgentBuilder, model domain.LLMProvider, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{planner: p, exec: exec, tools: tools, agents: agents, model: model, cfg: cfg.withDefaults(), logger: log}
}

// SetFileReader enables Request.Paths.
func (o *Orchestrator) SetFileReader(r domain.FileReader) { o.reader = r }

// Process handles one request end to end. It never returns a Go error:
// failures are reported in the result's status, response and errors.
func (o *Orchestrator) Process(ctx context.Context, req Request) (res *Result) {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "orchestrator.process")
	defer func() {
		res.ExecutionTime = time.Since(start).Seconds()
		span.SetAttributes(tracer.StringAttr("workflow_id", res.WorkflowID), tracer.StringAttr("status", res.Status))
		span.End()
	}()

	id := planner.NewPipelineID()
	files := o.readFiles(ctx, req)
	autoCreate := o.cfg.AutoCreate
	if req.AutoCreate != nil {
		autoCreate = *req.AutoCreate
	}

	if c := Clarify(req.Text, len(files)); c.Needed() {
		o.logger.Info("clarification requested", "workflow_id", id, "issues", len(c.Issues))
		return &Result{
			Status:     string(executor.StatusSuccess),
			WorkflowID: id,
			Response:   c.Message(),
			Workflow:   Workflow{Steps: []string{}, ExecutionPath: []string{}},
			Results:    map[string]domain.Envelope{},
			Metadata:   Metadata{ResponseType: ResponseClarification},
		}
	}

	complexity := planner.AnalyzeComplexity(req.Text, len(files))
	plan, err := o.plan(ctx, req.Text, files, complexity.Class)
	if err != nil {
		tracer.RecordError(span, err)
		o.logger.Warn("planning failed", "workflow_id", id, "error", err)
		return failure(id, domain.ErrorCodeOf(err), "I couldn't plan a workflow for this request: "+err.Error())
	}
	plan.PipelineID = id
	meta := Metadata{Complexity: complexity.Class}

	missing := o.missing(plan)
	if len(missing) > 0 && !autoCreate {
		return o.refuse(id, plan, missing, meta)
	}

	created, failed := o.createMissing(ctx, plan.CreationNeeded)
	res = &Result{WorkflowID: id, Metadata: meta, Created: created.names}
	res.Metadata.ComponentsCreated = len(created.names)
	res.Errors = created.errors
	if len(failed) > 0 {
		plan = withoutAgents(plan, failed)
		if len(plan.Steps) == 0 {
			res.Status = StatusNoAgents
			res.Response = "I couldn't identify specific agents to handle this request. None of the required agents could be created."
			res.Workflow = Workflow{Type: string(plan.ExecutionStrategy), Steps: []string{}, ExecutionPath: []string{}}
			res.Results = map[string]domain.Envelope{}
			res.Metadata.ErrorsEncountered = len(res.Errors)
			return res
		}
	}

	out := o.exec.Execute(ctx, plan, req.Text, files)
	state := out.State
	res.Status = string(out.Status)
	if len(failed) > 0 && out.Status == executor.StatusSuccess {
		res.Status = string(executor.StatusPartial)
	}
	res.Workflow = Workflow{Type: string(plan.ExecutionStrategy), Steps: plan.AgentNames(), ExecutionPath: state.ExecutionPath}
	res.Results = state.Results
	res.Errors = append(res.Errors, state.Errors...)
	res.Adaptations = state.Adaptations
	res.Output = state.CurrentData
	res.Metadata.AgentsUsed = len(state.ExecutionPath)
	res.Metadata.ErrorsEncountered = len(res.Errors)
	res.Response = o.synthesize(ctx, req.Text, plan, state, res.Errors)

	o.logger.Info("request processed", "workflow_id", id, "status", res.Status,
		"complexity", complexity.Class, "steps", len(plan.Steps), "created", res.Metadata.ComponentsCreated)
	return res
}

// plan routes simple requests to the single-shot planner and everything
// else to the two-stage planner, falling back to the single-shot planner
// when the pipeline cannot be planned.
func (o *Orchestrator) plan(ctx context.Context, request string, files []domain.FileRecord, class string) (*domain.PipelinePlan, error) {
	if class != planner.ComplexitySimple {
		plan, err := o.planner.Plan(ctx, request, files)
		if err == nil {
			return plan, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		o.logger.Warn("pipeline planning failed, using single-agent planning", "error", err)
	}
	return o.planner.PlanWorkflow(ctx, request, files)
}

func (o *Orchestrator) missing(plan *domain.PipelinePlan) []domain.CreationSpec {
	if len(plan.CreationNeeded) > 0 {
		return plan.CreationNeeded
	}
	var out []domain.CreationSpec
	for _, s := range plan.Steps {
		if s.NeedsCreation {
			out = append(out, s.CreationSpecs...)
		}
	}
	return out
}

// refuse reports components that would have to be created.
func (o *Orchestrator) refuse(id string, plan *domain.PipelinePlan, missing []domain.CreationSpec, meta Metadata) *Result {
	var agents, tools []string
	for _, s := range missing {
		if s.Kind == domain.KindTool {
			tools = append(tools, s.Name)
		} else {
			agents = append(agents, s.Name)
		}
	}

	res := &Result{
		WorkflowID: id,
		Workflow:   Workflow{Type: string(plan.ExecutionStrategy), Steps: []string{}, ExecutionPath: []string{}},
		Results:    map[string]domain.Envelope{},
		Metadata:   meta,
		Suggestion: missingSuggestion,
	}
	runnable := 0
	for _, s := range plan.Steps {
		if !s.NeedsCreation {
			runnable++
		}
	}
	if runnable == 0 {
		res.Status = StatusNoAgents
		res.Response = "I couldn't identify specific agents to handle this request. "
		if len(agents) > 0 {
			res.Response += "The following capabilities would need to be created: " + strings.Join(agents, ", ")
		} else {
			res.Response += "Please provide more specific instructions or data."
		}
	} else {
		res.Status = StatusMissingCapabilities
		res.Response = "Required components are not available."
		if len(agents) > 0 {
			res.Response += " Missing agents: " + strings.Join(agents, ", ") + "."
		}
		if len(tools) > 0 {
			res.Response += " Missing tools: " + strings.Join(tools, ", ") + "."
		}
	}
	for _, s := range missing {
		res.Errors = append(res.Errors, domain.StateError{
			Agent:     s.Name,
			StepIndex: -1,
			Error:     fmt.Sprintf("%s %s does not exist", s.Kind, s.Name),
			Type:      domain.CodeMissingCapabilities,
			Timestamp: time.Now(),
		})
	}
	res.Metadata.ErrorsEncountered = len(res.Errors)
	o.logger.Info("request refused", "workflow_id", id, "status", res.Status, "agents", agents, "tools", tools)
	return res
}

func (o *Orchestrator) readFiles(ctx context.Context, req Request) []domain.FileRecord {
	files := append([]domain.FileRecord(nil), req.Files...)
	for _, p := range req.Paths {
		if o.reader == nil {
			files = append(files, domain.FileRecord{Name: filepath.Base(p), Path: p, Error: "no file reader configured"})
			continue
		}
		rec, err := o.reader.Read(ctx, p)
		if err != nil {
			o.logger.Warn("file not read", "path", p, "error", err)
			files = append(files, domain.FileRecord{Name: filepath.Base(p), Path: p, Error: err.Error()})
			continue
		}
		files = append(files, *rec)
	}
	return files
}

func failure(id string, code domain.ErrorCode, msg string) *Result {
	return &Result{
		Status:     string(executor.StatusError),
		WorkflowID: id,
		Response:   msg,
		Workflow:   Workflow{Steps: []string{}, ExecutionPath: []string{}},
		Results:    map[string]domain.Envelope{},
		Metadata:   Metadata{ErrorsEncountered: 1},
		Errors:     []domain.StateError{{StepIndex: -1, Error: msg, Type: code, Timestamp: time.Now()}},
	}
}
