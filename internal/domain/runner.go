package domain

import "context"

// Runner executes registered component code. State and values cross the
// boundary in their JSON shape.
type Runner interface {
	// RunAgent calls the agent's entry point with state and returns whatever
	// the agent returned.
	RunAgent(ctx context.Context, agent AgentEntry, state map[string]any) (any, error)
	// RunTool calls the tool function with a single input value.
	RunTool(ctx context.Context, tool ToolEntry, input any) (any, error)
}

// SourceProber executes not-yet-registered tool source against probe inputs.
type SourceProber interface {
	ProbeTool(ctx context.Context, name, code string, inputs []any) ([]ProbeResult, error)
}

// ProbeResult is the outcome of calling a tool with one probe input.
type ProbeResult struct {
	Input  any    `json:"input"`
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}
