package domain

// ComponentKind distinguishes tools from agents in creation specs and graphs.
type ComponentKind string

const (
	KindTool  ComponentKind = "tool"
	KindAgent ComponentKind = "agent"
)

// CreationSpec describes a component that must be generated.
type CreationSpec struct {
	Kind              ComponentKind  `json:"kind"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	RequiredTools     []string       `json:"required_tools,omitempty"`
	UsedBy            []string       `json:"used_by,omitempty"`
	InputDescription  string         `json:"input_description,omitempty"`
	OutputDescription string         `json:"output_description,omitempty"`
	WorkflowSteps     []string       `json:"workflow_steps,omitempty"`
	ToolType          string         `json:"type,omitempty"`
	InputSchema       map[string]any `json:"input_schema,omitempty"`
	OutputSchema      map[string]any `json:"output_schema,omitempty"`
	// PipelineContext is set on agents planned for a specific step.
	PipelineContext *PipelineBinding `json:"pipeline_context,omitempty"`
	// ToolPurposes describes the new tools an agent spec asks for.
	ToolPurposes map[string]string `json:"tool_purposes,omitempty"`
}

// StepCondition gates a step on the outcome of an earlier one.
type StepCondition struct {
	AfterStep string `json:"after_step"`
	// When is "success", "error" or "non_empty".
	When string `json:"when"`
}

// StepPlan binds one operation to an agent.
type StepPlan struct {
	StepIndex          int            `json:"step_index"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	InputRequirements  string         `json:"input_requirements"`
	OutputRequirements string         `json:"output_requirements"`
	ProcessingType     string         `json:"processing_type,omitempty"`
	AgentAssigned      string         `json:"agent_assigned"`
	NeedsCreation      bool           `json:"needs_creation"`
	CreationSpecs      []CreationSpec `json:"creation_specs,omitempty"`
	EstimatedTime      float64        `json:"estimated_time"`
	ParallelGroup      int            `json:"parallel_group,omitempty"`
	Condition          *StepCondition `json:"condition,omitempty"`
}

// DataFlowEdge is one step-to-step edge of the data-flow graph.
type DataFlowEdge struct {
	From        int    `json:"from"`
	To          int    `json:"to"`
	PayloadType string `json:"payload_type"`
}

// PipelinePlan is the planner's output.
type PipelinePlan struct {
	PipelineID        string         `json:"pipeline_id"`
	TotalSteps        int            `json:"total_steps"`
	ExecutionStrategy WorkflowType   `json:"execution_strategy"`
	Steps             []StepPlan     `json:"steps"`
	DataFlow          []DataFlowEdge `json:"data_flow"`
	CreationNeeded    []CreationSpec `json:"creation_needed"`
	EstimatedTime     float64        `json:"estimated_time"`
	Reasoning         string         `json:"reasoning,omitempty"`
	Complexity        string         `json:"complexity,omitempty"`
	// Merge names how a parallel group's outputs become current_data:
	// "by_agent" (default), "list" or "last".
	Merge string `json:"merge,omitempty"`
}

// AgentNames returns the assigned agent of every step in plan order.
func (p *PipelinePlan) AgentNames() []string {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.AgentAssigned != "" {
			names = append(names, s.AgentAssigned)
		}
	}
	return names
}
