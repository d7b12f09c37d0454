package orchestrator

import (
	"context"
	"fmt"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/factory"
)

type creation struct {
	names  []string
	errors []domain.StateError
}

func (c *creation) fail(spec domain.CreationSpec, code domain.ErrorCode, msg string) {
	if code == "" {
		code = domain.CodeValidation
	}
	c.errors = append(c.errors, domain.StateError{
		Agent:     spec.Name,
		StepIndex: -1,
		Error:     fmt.Sprintf("Could not create %s %s: %s", spec.Kind, spec.Name, msg),
		Type:      code,
		Timestamp: time.Now(),
	})
}

// createMissing builds specs in order, which lists tools before the agents
// that use them. It returns what was built and the agents that could not
// be. A failed tool does not fail its agents: the agent factory decides
// whether they can do without it.
func (o *Orchestrator) createMissing(ctx context.Context, specs []domain.CreationSpec) (creation, map[string]bool) {
	var c creation
	failed := map[string]bool{}
	purposes := toolPurposes(specs)
	for _, spec := range specs {
		switch spec.Kind {
		case domain.KindTool:
			if o.tools == nil {
				c.fail(spec, domain.CodeMissingCapabilities, "no tool factory configured")
				continue
			}
			if spec.Description == "" {
				spec.Description = purposes[spec.Name]
			}
			res := o.tools.EnsureTool(ctx, toolRequest(spec))
			switch {
			case res.Status == factory.StatusSuccess:
				c.names = append(c.names, spec.Name)
			case !res.OK():
				c.fail(spec, res.Error, res.Message)
			}
		default:
			if o.agents == nil {
				failed[spec.Name] = true
				c.fail(spec, domain.CodeMissingCapabilities, "no agent factory configured")
				continue
			}
			res := o.agents.EnsureAgent(ctx, agentRequest(spec))
			c.names = append(c.names, res.ToolsCreated...)
			switch {
			case res.Status == factory.StatusSuccess:
				c.names = append(c.names, spec.Name)
			case !res.OK():
				failed[spec.Name] = true
				c.fail(spec, res.Error, res.Message)
			}
		}
	}
	if len(specs) > 0 {
		o.logger.Info("components ensured", "requested", len(specs), "created", len(c.names), "failed", len(c.errors))
	}
	return c, failed
}

// toolPurposes says what each tool is for, as stated by the first agent spec
// that requires it, or inferred from that agent's description. Tools named
// only in an agent's required list carry no description of their own.
func toolPurposes(specs []domain.CreationSpec) map[string]string {
	out := map[string]string{}
	for _, s := range specs {
		if s.Kind != domain.KindAgent {
			continue
		}
		for _, t := range s.RequiredTools {
			if out[t] != "" {
				continue
			}
			out[t] = s.ToolPurposes[t]
			if out[t] == "" {
				out[t] = factory.InferToolDescription(t, s.Description)
			}
		}
	}
	return out
}

func toolRequest(spec domain.CreationSpec) factory.ToolRequest {
	return factory.ToolRequest{
		Name:              spec.Name,
		Description:       spec.Description,
		InputDescription:  spec.InputDescription,
		OutputDescription: spec.OutputDescription,
	}
}

func agentRequest(spec domain.CreationSpec) factory.AgentRequest {
	return factory.AgentRequest{
		Name:              spec.Name,
		Description:       spec.Description,
		RequiredTools:     spec.RequiredTools,
		ToolPurposes:      spec.ToolPurposes,
		InputDescription:  spec.InputDescription,
		OutputDescription: spec.OutputDescription,
		WorkflowSteps:     spec.WorkflowSteps,
		InputSchema:       spec.InputSchema,
		OutputSchema:      spec.OutputSchema,
		AutoCreateTools:   true,
		PipelineContext:   spec.PipelineContext,
	}
}

// withoutAgents drops the steps assigned to failed agents. Data flowing
// through a dropped step is rewired to that step's own sources.
func withoutAgents(plan *domain.PipelinePlan, failed map[string]bool) *domain.PipelinePlan {
	out := *plan
	out.Steps = nil
	index := map[int]int{}
	for _, s := range plan.Steps {
		if failed[s.AgentAssigned] {
			continue
		}
		index[s.StepIndex] = len(out.Steps)
		s.StepIndex = len(out.Steps)
		out.Steps = append(out.Steps, s)
	}

	var sources func(i int) []int
	sources = func(i int) []int {
		if _, kept := index[i]; kept || i < 0 {
			return []int{i}
		}
		var from []int
		for _, e := range plan.DataFlow {
			if e.To == i && e.From < i {
				from = append(from, sources(e.From)...)
			}
		}
		return from
	}

	out.DataFlow = nil
	seen := map[[2]int]bool{}
	for _, e := range plan.DataFlow {
		to, ok := index[e.To]
		if !ok {
			continue
		}
		for _, from := range sources(e.From) {
			if from >= 0 {
				from = index[from]
			}
			key := [2]int{from, to}
			if seen[key] {
				continue
			}
			seen[key] = true
			out.DataFlow = append(out.DataFlow, domain.DataFlowEdge{From: from, To: to, PayloadType: e.PayloadType})
		}
	}
	out.TotalSteps = len(out.Steps)
	return &out
}
