package planner

import (
	"context"
	"fmt"
	"slices"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/llmjson"
	"agentfabric/internal/usecase/registry"
	"agentfabric/internal/usecase/resolver"
)

// WorkflowPlan is the single-shot planner reply used for simple requests.
type WorkflowPlan struct {
	WorkflowID          string              `json:"workflow_id"`
	WorkflowType        domain.WorkflowType `json:"workflow_type"`
	Reasoning           string              `json:"reasoning"`
	AgentsNeeded        []string            `json:"agents_needed"`
	MissingCapabilities MissingCapabilities `json:"missing_capabilities"`
	Confidence          float64             `json:"confidence"`
}

// MissingCapabilities names the components a workflow plan lacks.
type MissingCapabilities struct {
	Agents []MissingAgent `json:"agents"`
	Tools  []MissingTool  `json:"tools"`
}

// MissingAgent is an agent the plan needs created.
type MissingAgent struct {
	Name          string   `json:"name"`
	Purpose       string   `json:"purpose"`
	RequiredTools []string `json:"required_tools"`
}

// MissingTool is a tool the plan needs created.
type MissingTool struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	Type    string `json:"type"`
}

type workflowPrompt struct {
	Request string
	Files   []domain.FileRecord
	Agents  string
	Tools   string
}

// PlanWorkflow asks the planner model for agents in one call and converts
// the reply into a pipeline plan. Malformed or empty replies are planning
// errors.
func (p *Planner) PlanWorkflow(ctx context.Context, request string, files []domain.FileRecord) (plan *domain.PipelinePlan, err error) {
	ctx, span := tracer.StartSpan(ctx, "planner.plan_workflow")
	defer func() { tracer.End(span, err) }()

	reg, err := p.catalogs.Registry(ctx)
	if err != nil {
		return nil, err
	}
	listing := p.formatter.Format(
		reg.ListAgents(registry.AgentFilter{ActiveOnly: true}),
		reg.ListTools(registry.ToolFilter{}),
	)
	req, err := p.prompt("workflow", "plan", workflowPrompt{
		Request: request,
		Files:   files,
		Agents:  listing.Agents,
		Tools:   listing.Tools,
	})
	if err != nil {
		return nil, err
	}
	var wp WorkflowPlan
	if err := llmjson.Ask(ctx, p.model, req, workflowSchema, domain.ErrPlanning, &wp); err != nil {
		return nil, err
	}

	plan, err = wp.ToPipeline(reg, p.cfg.StepSeconds)
	if err != nil {
		return nil, err
	}
	plan.Complexity = ComplexitySimple
	p.logger.Info("workflow planned", "pipeline_id", plan.PipelineID, "agents", plan.AgentNames(), "creation_needed", len(plan.CreationNeeded))
	return plan, nil
}

// ToPipeline converts the reply into a pipeline plan. Agents named in
// agents_needed run in that order; missing agents not listed there are
// appended. Only sequential and parallel types are kept.
func (w *WorkflowPlan) ToPipeline(reg *registry.Registry, stepSeconds float64) (*domain.PipelinePlan, error) {
	if stepSeconds <= 0 {
		stepSeconds = 5
	}
	missing := map[string]MissingAgent{}
	for _, a := range w.MissingCapabilities.Agents {
		if domain.ValidName(a.Name) {
			missing[a.Name] = a
		}
	}

	var agents []string
	for _, n := range w.AgentsNeeded {
		if domain.ValidName(n) && !slices.Contains(agents, n) {
			agents = append(agents, n)
		}
	}
	for _, a := range w.MissingCapabilities.Agents {
		if domain.ValidName(a.Name) && !slices.Contains(agents, a.Name) {
			agents = append(agents, a.Name)
		}
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: plan names no agents", domain.ErrPlanning)
	}

	strategy := domain.WorkflowSequential
	if w.WorkflowType == domain.WorkflowParallel && len(agents) > 1 {
		strategy = domain.WorkflowParallel
	}

	id := NewPipelineID()
	toolPurpose := map[string]MissingTool{}
	for _, t := range w.MissingCapabilities.Tools {
		if domain.ValidName(t.Name) {
			toolPurpose[t.Name] = t
		}
	}

	var specs []domain.CreationSpec
	steps := make([]domain.StepPlan, len(agents))
	for i, name := range agents {
		step := domain.StepPlan{
			StepIndex:     i,
			Name:          name,
			AgentAssigned: name,
			EstimatedTime: stepSeconds,
		}
		if strategy == domain.WorkflowParallel {
			step.ParallelGroup = 1
		}
		if m, ok := missing[name]; ok {
			step.Description = m.Purpose
		}
		if !reg.AgentExists(name) {
			m, ok := missing[name]
			if !ok {
				return nil, fmt.Errorf("%w: agent %s is neither registered nor described", domain.ErrPlanning, name)
			}
			step.NeedsCreation = true
			spec := domain.CreationSpec{
				Kind:            domain.KindAgent,
				Name:            name,
				Description:     m.Purpose,
				RequiredTools:   slices.DeleteFunc(slices.Clone(m.RequiredTools), func(t string) bool { return !domain.ValidName(t) }),
				WorkflowSteps:   []string{m.Purpose},
				PipelineContext: &domain.PipelineBinding{PipelineID: id, StepIndex: i, Role: "single"},
			}
			purposes := map[string]string{}
			for _, t := range spec.RequiredTools {
				if mt, ok := toolPurpose[t]; ok {
					purposes[t] = mt.Purpose
				}
			}
			if len(purposes) > 0 {
				spec.ToolPurposes = purposes
			}
			step.CreationSpecs = []domain.CreationSpec{spec}
			specs = append(specs, spec)
		}
		steps[i] = step
	}
	for _, t := range w.MissingCapabilities.Tools {
		if !domain.ValidName(t.Name) || reg.ToolExists(t.Name) {
			continue
		}
		spec := domain.CreationSpec{Kind: domain.KindTool, Name: t.Name, Description: t.Purpose, ToolType: t.Type}
		for _, s := range specs {
			if s.Kind == domain.KindAgent && slices.Contains(s.RequiredTools, t.Name) {
				spec.UsedBy = append(spec.UsedBy, s.Name)
			}
		}
		specs = append(specs, spec)
	}
	ordered, err := resolver.OrderSpecs(specs, reg)
	if err != nil {
		return nil, err
	}

	var flow []domain.DataFlowEdge
	for i := range steps {
		if i == 0 || strategy == domain.WorkflowParallel {
			flow = append(flow, domain.DataFlowEdge{From: UserInput, To: i, PayloadType: "user_input"})
			continue
		}
		flow = append(flow, domain.DataFlowEdge{From: i - 1, To: i, PayloadType: "any"})
	}

	return &domain.PipelinePlan{
		PipelineID:        id,
		TotalSteps:        len(steps),
		ExecutionStrategy: strategy,
		Steps:             steps,
		DataFlow:          flow,
		CreationNeeded:    ordered,
		EstimatedTime:     stepSeconds * float64(len(steps)),
		Reasoning:         w.Reasoning,
	}, nil
}
