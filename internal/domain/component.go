package domain

import (
	"regexp"
	"time"
)

// ComponentStatus is the lifecycle state of a catalog entry.
type ComponentStatus string

const (
	StatusActive     ComponentStatus = "active"
	StatusDeprecated ComponentStatus = "deprecated"
	StatusBroken     ComponentStatus = "broken"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidName reports whether name is a lowercase snake_case identifier.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ToolEntry is a tools.json catalog record.
type ToolEntry struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Signature    string          `json:"signature"`
	Location     string          `json:"location"`
	Version      string          `json:"version,omitempty"`
	Status       ComponentStatus `json:"status"`
	IsPure       bool            `json:"is_pure_function"`
	UsedByAgents []string        `json:"used_by_agents"`
	CreatedAt    time.Time       `json:"created_at"`
	CreatedBy    string          `json:"created_by,omitempty"`
	Tags         []string        `json:"tags"`
	LineCount    int             `json:"line_count"`
	IsPrebuilt   bool            `json:"is_prebuilt"`
	// DeprecatedAt is set when optimization retires the tool.
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
}

// Active reports whether the tool may be used.
func (t ToolEntry) Active() bool { return t.Status == StatusActive }

// AgentEntry is an agents.json catalog record.
type AgentEntry struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	UsesTools        []string          `json:"uses_tools"`
	InputSchema      map[string]any    `json:"input_schema"`
	OutputSchema     map[string]any    `json:"output_schema"`
	Location         string            `json:"location"`
	Version          string            `json:"version,omitempty"`
	Status           ComponentStatus   `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	CreatedBy        string            `json:"created_by,omitempty"`
	ExecutionCount   int               `json:"execution_count"`
	AvgExecutionTime float64           `json:"avg_execution_time"`
	LastExecuted     *time.Time        `json:"last_executed"`
	Tags             []string          `json:"tags"`
	LineCount        int               `json:"line_count"`
	IsPrebuilt       bool              `json:"is_prebuilt"`
	PipelineContext  *PipelineBinding  `json:"pipeline_context,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Active reports whether the agent may be executed.
func (a AgentEntry) Active() bool { return a.Status == StatusActive }

// PipelineBinding records the pipeline role an agent was designed for.
type PipelineBinding struct {
	PipelineID string `json:"pipeline_id,omitempty"`
	StepIndex  int    `json:"step_index"`
	Role       string `json:"role,omitempty"`
}

// ToolSpec is the input to Registry.RegisterTool.
type ToolSpec struct {
	Name        string
	Description string
	Code        string
	// Module is a compiled WASI module that replaces Code.
	Module    []byte
	Signature string
	Tags      []string
	IsPure    bool
	Prebuilt  bool
}

// AgentSpec is the input to Registry.RegisterAgent.
type AgentSpec struct {
	Name            string
	Description     string
	Code            string
	Module          []byte // compiled WASI module, replaces Code
	UsesTools       []string
	InputSchema     map[string]any
	OutputSchema    map[string]any
	Tags            []string
	Prebuilt        bool
	PipelineContext *PipelineBinding
}

// RegistrationResult reports the outcome of a register call.
type RegistrationResult struct {
	Status    string    `json:"status"` // "success" or "error"
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	LineCount int       `json:"line_count"`
	Version   string    `json:"version,omitempty"`
	Error     ErrorCode `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// OK reports whether registration succeeded.
func (r RegistrationResult) OK() bool { return r.Status == "success" }
