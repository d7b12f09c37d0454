// Package planner decomposes a request into a pipeline plan: which
// operations are needed, which agent serves each one, what must be created
// and how the steps are scheduled.
package planner

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/oklog/ulid/v2"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/llmjson"
	"agentfabric/internal/usecase/registry"
	"agentfabric/internal/usecase/resolver"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"join": strings.Join,
}).ParseFS(promptFS, "prompts/*.tmpl"))

var structureSchema = llmjson.MustCompile(`{
	"type": "object",
	"required": ["operations_identified"],
	"properties": {
		"operations_identified": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["operation_description"],
				"properties": {
					"name": {"type": "string"},
					"operation_description": {"type": "string", "minLength": 1},
					"input_needed": {"type": "string"},
					"output_produced": {"type": "string"},
					"processing_type": {"type": "string"},
					"depends_on": {"type": "array", "items": {"type": "integer"}},
					"condition": {
						"type": "object",
						"required": ["after_operation"],
						"properties": {
							"after_operation": {"type": "integer"},
							"when": {"type": "string"}
						}
					}
				}
			}
		},
		"workflow_complexity": {"type": "string"},
		"execution_approach": {"type": "string"}
	}
}`)

var matchSchema = llmjson.MustCompile(`{
	"type": "object",
	"required": ["assigned_agent"],
	"properties": {
		"assigned_agent": {"type": ["string", "null"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"suggested_agent_name": {"type": "string"},
		"required_description": {"type": "string"},
		"required_tools": {"type": "array", "items": {"type": "string"}},
		"new_tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"purpose": {"type": "string"},
					"type": {"type": "string"}
				}
			}
		}
	}
}`)

var workflowSchema = llmjson.MustCompile(`{
	"type": "object",
	"required": ["agents_needed"],
	"properties": {
		"workflow_id": {"type": "string"},
		"workflow_type": {"type": "string"},
		"reasoning": {"type": "string"},
		"agents_needed": {"type": "array", "items": {"type": "string"}},
		"missing_capabilities": {
			"type": "object",
			"properties": {
				"agents": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["name"],
						"properties": {
							"name": {"type": "string"},
							"purpose": {"type": "string"},
							"required_tools": {"type": "array", "items": {"type": "string"}}
						}
					}
				},
				"tools": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["name"],
						"properties": {
							"name": {"type": "string"},
							"purpose": {"type": "string"},
							"type": {"type": "string"}
						}
					}
				}
			}
		},
		"confidence": {"type": "number"}
	}
}`)

// Catalogs provides the current registry.
type Catalogs interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// Config tunes planning.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxSteps caps the operations of one plan.
	MaxSteps int
	// StepSeconds is the estimated time of one step.
	StepSeconds float64
	// MatchThreshold is the confidence an agent match needs.
	MatchThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.StepSeconds <= 0 {
		c.StepSeconds = 5
	}
	if c.MatchThreshold <= 0 {
		c.MatchThreshold = 0.6
	}
	return c
}

// Planner turns requests into pipeline plans.
type Planner struct {
	catalogs  Catalogs
	model     domain.LLMProvider
	formatter *CatalogFormatter
	cfg       Config
	logger    *slog.Logger
}

// New creates a Planner. formatter may be nil.
func New(catalogs Catalogs, model domain.LLMProvider, formatter *CatalogFormatter, cfg Config, log *slog.Logger) *Planner {
	if log == nil {
		log = logger.Discard()
	}
	if formatter == nil {
		formatter = NewCatalogFormatter(nil, 0)
	}
	return &Planner{catalogs: catalogs, model: model, formatter: formatter, cfg: cfg.withDefaults(), logger: log}
}

// Decomposition is the structured form of the free-text analysis.
type Decomposition struct {
	Operations []Operation `json:"operations_identified"`
	Complexity string      `json:"workflow_complexity"`
	Approach   string      `json:"execution_approach"`
}

// ToolNeed is a new tool the matcher asks for.
type ToolNeed struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	Type    string `json:"type"`
}

// Match is the matcher's verdict for one operation.
type Match struct {
	AssignedAgent       *string    `json:"assigned_agent"`
	Confidence          float64    `json:"confidence"`
	Reasoning           string     `json:"reasoning"`
	SuggestedAgent      string     `json:"suggested_agent_name"`
	RequiredDescription string     `json:"required_description"`
	RequiredTools       []string   `json:"required_tools"`
	NewTools            []ToolNeed `json:"new_tools"`
}

// Plan decomposes request in two stages, matches every operation to an
// agent and returns the scheduled plan. Operations without a fitting agent
// carry creation specs; the plan's CreationNeeded lists them tools first.
func (p *Planner) Plan(ctx context.Context, request string, files []domain.FileRecord) (plan *domain.PipelinePlan, err error) {
	ctx, span := tracer.StartSpan(ctx, "planner.plan")
	defer func() { tracer.End(span, err) }()

	reg, err := p.catalogs.Registry(ctx)
	if err != nil {
		return nil, err
	}

	analysis, err := p.decompose(ctx, request, files)
	if err != nil {
		return nil, err
	}
	dec, err := p.structure(ctx, request, analysis)
	if err != nil {
		return nil, err
	}
	ops := dec.Operations
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operations identified", domain.ErrPlanning)
	}
	if len(ops) > p.cfg.MaxSteps {
		p.logger.Warn("plan truncated", "operations", len(ops), "max_steps", p.cfg.MaxSteps)
		ops = ops[:p.cfg.MaxSteps]
	}

	listing := p.formatter.Format(
		reg.ListAgents(registry.AgentFilter{ActiveOnly: true}),
		reg.ListTools(registry.ToolFilter{}),
	)
	id := NewPipelineID()
	steps := make([]domain.StepPlan, len(ops))
	var specs []domain.CreationSpec
	used := map[string]bool{}

	for i, op := range ops {
		m, err := p.match(ctx, request, i, op, listing)
		if err != nil {
			return nil, err
		}
		step := domain.StepPlan{
			StepIndex:          i,
			Name:               stepName(op, i, used),
			Description:        op.Description,
			InputRequirements:  op.InputNeeded,
			OutputRequirements: op.OutputProduced,
			ProcessingType:     op.ProcessingType,
			EstimatedTime:      p.cfg.StepSeconds,
		}
		if agent, ok := p.accept(m, reg); ok {
			step.AgentAssigned = agent
		} else {
			step.CreationSpecs = creationSpecs(id, i, len(ops), op, m, reg)
			step.AgentAssigned = step.CreationSpecs[len(step.CreationSpecs)-1].Name
			step.NeedsCreation = !reg.AgentExists(step.AgentAssigned)
			if !step.NeedsCreation {
				step.CreationSpecs = nil
			}
			specs = append(specs, step.CreationSpecs...)
		}
		steps[i] = step
	}

	strategy, groups := SelectStrategy(ops)
	for i := range steps {
		steps[i].ParallelGroup = groups[i]
		steps[i].Condition = stepCondition(ops[i].Condition, i, steps)
	}
	ordered, err := resolver.OrderSpecs(specs, reg)
	if err != nil {
		return nil, err
	}

	plan = &domain.PipelinePlan{
		PipelineID:        id,
		TotalSteps:        len(steps),
		ExecutionStrategy: strategy,
		Steps:             steps,
		DataFlow:          BuildDataFlow(ops),
		CreationNeeded:    ordered,
		EstimatedTime:     p.cfg.StepSeconds * float64(len(steps)),
		Reasoning:         dec.Approach,
		Complexity:        dec.Complexity,
	}
	span.SetAttributes(
		tracer.StringAttr("pipeline_id", id),
		tracer.IntAttr("steps", len(steps)),
		tracer.StringAttr("strategy", string(strategy)),
		tracer.IntAttr("creation_needed", len(ordered)),
	)
	p.logger.Info("pipeline planned", "pipeline_id", id, "steps", len(steps), "strategy", strategy, "creation_needed", len(ordered))
	return plan, nil
}

type decomposePrompt struct {
	Request string
	Files   []domain.FileRecord
}

func (p *Planner) decompose(ctx context.Context, request string, files []domain.FileRecord) (string, error) {
	if p.model == nil {
		return "", fmt.Errorf("%w: no planner model", domain.ErrProviderNotFound)
	}
	req, err := p.prompt("decompose", "decompose", decomposePrompt{Request: request, Files: files})
	if err != nil {
		return "", err
	}
	resp, err := p.model.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty analysis", domain.ErrPlanning)
	}
	return text, nil
}

type structurePrompt struct {
	Request  string
	Analysis string
	MaxSteps int
}

func (p *Planner) structure(ctx context.Context, request, analysis string) (*Decomposition, error) {
	req, err := p.prompt("structure", "structure", structurePrompt{Request: request, Analysis: analysis, MaxSteps: p.cfg.MaxSteps})
	if err != nil {
		return nil, err
	}
	var dec Decomposition
	if err := llmjson.Ask(ctx, p.model, req, structureSchema, domain.ErrPlanning, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

type matchPrompt struct {
	Request   string
	Index     int
	Op        Operation
	Agents    string
	Tools     string
	Threshold float64
}

func (p *Planner) match(ctx context.Context, request string, i int, op Operation, listing Listing) (*Match, error) {
	req, err := p.prompt("match", "match", matchPrompt{
		Request:   request,
		Index:     i,
		Op:        op,
		Agents:    listing.Agents,
		Tools:     listing.Tools,
		Threshold: p.cfg.MatchThreshold,
	})
	if err != nil {
		return nil, err
	}
	var m Match
	if err := llmjson.Ask(ctx, p.model, req, matchSchema, domain.ErrPlanning, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// accept returns the matched agent when the verdict is confident and the
// agent is active.
func (p *Planner) accept(m *Match, reg *registry.Registry) (string, bool) {
	if m.AssignedAgent == nil {
		return "", false
	}
	name := strings.TrimSpace(*m.AssignedAgent)
	if name == "" || name == "null" {
		return "", false
	}
	if m.Confidence < p.cfg.MatchThreshold {
		p.logger.Debug("agent match below threshold", "agent", name, "confidence", m.Confidence)
		return "", false
	}
	if !reg.AgentExists(name) {
		p.logger.Warn("matcher named an unknown agent", "agent", name)
		return "", false
	}
	return name, true
}

func (p *Planner) prompt(name, purpose string, data any) (domain.ChatRequest, error) {
	var sys, usr bytes.Buffer
	if err := prompts.ExecuteTemplate(&sys, name+"_system", data); err != nil {
		return domain.ChatRequest{}, err
	}
	if err := prompts.ExecuteTemplate(&usr, name+"_user", data); err != nil {
		return domain.ChatRequest{}, err
	}
	req := domain.NewPrompt(sys.String(), usr.String())
	req.Model = p.cfg.Model
	req.Temperature = p.cfg.Temperature
	req.MaxTokens = p.cfg.MaxTokens
	req.Purpose = purpose
	return req, nil
}

// creationSpecs returns the specs an unmatched operation needs: its new
// tools followed by the agent itself.
func creationSpecs(pipelineID string, i, total int, op Operation, m *Match, reg *registry.Registry) []domain.CreationSpec {
	agent := m.SuggestedAgent
	if !domain.ValidName(agent) {
		agent = fmt.Sprintf("pipeline_agent_step_%d", i)
	}

	var specs []domain.CreationSpec
	var tools []string
	purposes := map[string]string{}
	for _, t := range m.NewTools {
		if !domain.ValidName(t.Name) || slices.Contains(tools, t.Name) {
			continue
		}
		tools = append(tools, t.Name)
		purposes[t.Name] = t.Purpose
		if reg.ToolExists(t.Name) {
			continue
		}
		specs = append(specs, domain.CreationSpec{
			Kind:        domain.KindTool,
			Name:        t.Name,
			Description: firstNonEmpty(t.Purpose, op.Description),
			ToolType:    t.Type,
			UsedBy:      []string{agent},
		})
	}
	for _, t := range m.RequiredTools {
		if !domain.ValidName(t) || slices.Contains(tools, t) {
			continue
		}
		tools = append(tools, t)
		if !reg.ToolExists(t) {
			purposes[t] = op.Description
			specs = append(specs, domain.CreationSpec{
				Kind:        domain.KindTool,
				Name:        t,
				Description: op.Description,
				UsedBy:      []string{agent},
			})
		}
	}

	role := "intermediate"
	switch {
	case total == 1:
		role = "single"
	case i == 0:
		role = "entry"
	case i == total-1:
		role = "exit"
	}
	spec := domain.CreationSpec{
		Kind:              domain.KindAgent,
		Name:              agent,
		Description:       firstNonEmpty(m.RequiredDescription, op.Description),
		RequiredTools:     tools,
		InputDescription:  op.InputNeeded,
		OutputDescription: op.OutputProduced,
		WorkflowSteps:     []string{op.Description},
		PipelineContext:   &domain.PipelineBinding{PipelineID: pipelineID, StepIndex: i, Role: role},
	}
	if len(purposes) > 0 {
		spec.ToolPurposes = purposes
	}
	return append(specs, spec)
}

// stepName returns a unique name for step i; results are keyed by it.
func stepName(op Operation, i int, used map[string]bool) string {
	name := op.Name
	if !domain.ValidName(name) {
		name = fmt.Sprintf("step_%d", i)
	}
	if used[name] {
		name = fmt.Sprintf("%s_%d", name, i)
	}
	used[name] = true
	return name
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// NewPipelineID returns a sortable pipeline identifier.
func NewPipelineID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "pipeline_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
