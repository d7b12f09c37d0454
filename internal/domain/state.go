package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// WorkflowType is the execution strategy of a workflow.
type WorkflowType string

const (
	WorkflowSequential  WorkflowType = "sequential"
	WorkflowParallel    WorkflowType = "parallel"
	WorkflowConditional WorkflowType = "conditional"
	WorkflowHybrid      WorkflowType = "hybrid"
)

// StateError is one entry of WorkflowState.Errors.
type StateError struct {
	Agent     string    `json:"agent,omitempty"`
	Step      string    `json:"step,omitempty"`
	StepIndex int       `json:"step_index"`
	Error     string    `json:"error"`
	Type      ErrorCode `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Issue is a problem detected while monitoring a step.
type Issue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Severity levels for issues.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Adaptation records a runtime recovery decision.
type Adaptation struct {
	Timestamp time.Time      `json:"timestamp"`
	Step      string         `json:"step"`
	Agent     string         `json:"agent"`
	Strategy  string         `json:"strategy"`
	Issues    []Issue        `json:"issues"`
	Success   bool           `json:"success"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
}

// WorkflowState is the data bus threaded through a pipeline. Every
// collection is non-nil from construction onwards.
type WorkflowState struct {
	Request      string       `json:"request"`
	WorkflowID   string       `json:"workflow_id"`
	WorkflowType WorkflowType `json:"workflow_type"`

	CurrentData any            `json:"current_data"`
	Files       []FileRecord   `json:"files"`
	Context     map[string]any `json:"context"`

	ExecutionPath   []string `json:"execution_path"`
	CurrentAgent    string   `json:"current_agent"`
	PendingAgents   []string `json:"pending_agents"`
	CompletedAgents []string `json:"completed_agents"`

	Results     map[string]Envelope `json:"results"`
	StepResults map[string]Envelope `json:"step_results"`
	Errors      []StateError        `json:"errors"`
	Warnings    []string            `json:"warnings"`

	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at"`
	ExecutionMetrics map[string]float64 `json:"execution_metrics"`
	RetryCounts      map[string]int     `json:"retry_counts"`

	ShouldContinue bool     `json:"should_continue"`
	NextAgent      string   `json:"next_agent"`
	ParallelGroup  []string `json:"parallel_group"`

	Adaptations []Adaptation `json:"adaptations"`
}

// NewWorkflowState returns a state with every key initialized.
func NewWorkflowState(request, workflowID string, typ WorkflowType, files []FileRecord) *WorkflowState {
	if files == nil {
		files = []FileRecord{}
	}
	if typ == "" {
		typ = WorkflowSequential
	}
	return &WorkflowState{
		Request:          request,
		WorkflowID:       workflowID,
		WorkflowType:     typ,
		CurrentData:      map[string]any{"user_request": request, "files": files},
		Files:            files,
		Context:          map[string]any{},
		ExecutionPath:    []string{},
		PendingAgents:    []string{},
		CompletedAgents:  []string{},
		Results:          map[string]Envelope{},
		StepResults:      map[string]Envelope{},
		Errors:           []StateError{},
		Warnings:         []string{},
		StartedAt:        time.Now(),
		ExecutionMetrics: map[string]float64{},
		RetryCounts:      map[string]int{},
		ShouldContinue:   true,
		ParallelGroup:    []string{},
		Adaptations:      []Adaptation{},
	}
}

// AppendPath adds name to the execution path unless already present.
func (s *WorkflowState) AppendPath(name string) {
	if !slices.Contains(s.ExecutionPath, name) {
		s.ExecutionPath = append(s.ExecutionPath, name)
	}
}

// Record stores an agent's envelope and marks it completed. Results and
// CompletedAgents are only ever written together.
func (s *WorkflowState) Record(agent, step string, env Envelope) {
	s.Results[agent] = env
	if step != "" {
		s.StepResults[step] = env
	}
	if !slices.Contains(s.CompletedAgents, agent) {
		s.CompletedAgents = append(s.CompletedAgents, agent)
	}
	s.AppendPath(agent)
	s.PendingAgents = slices.DeleteFunc(s.PendingAgents, func(n string) bool { return n == agent })
	if t := env.ExecutionTime(); t > 0 {
		s.ExecutionMetrics[agent] = t
	}
}

// AddError appends an error entry.
func (s *WorkflowState) AddError(agent, step string, stepIndex int, code ErrorCode, msg string) {
	s.Errors = append(s.Errors, StateError{
		Agent:     agent,
		Step:      step,
		StepIndex: stepIndex,
		Error:     msg,
		Type:      code,
		Timestamp: time.Now(),
	})
}

// Complete stamps the completion time.
func (s *WorkflowState) Complete() {
	now := time.Now()
	s.CompletedAt = &now
}

// Clone returns a deep copy suitable for a parallel worker snapshot.
func (s *WorkflowState) Clone() *WorkflowState {
	c := *s
	c.CurrentData = CloneValue(s.CurrentData)
	c.Files = slices.Clone(s.Files)
	c.Context = cloneMap(s.Context)
	c.ExecutionPath = slices.Clone(s.ExecutionPath)
	c.PendingAgents = slices.Clone(s.PendingAgents)
	c.CompletedAgents = slices.Clone(s.CompletedAgents)
	c.Results = make(map[string]Envelope, len(s.Results))
	for k, v := range s.Results {
		c.Results[k] = v
	}
	c.StepResults = make(map[string]Envelope, len(s.StepResults))
	for k, v := range s.StepResults {
		c.StepResults[k] = v
	}
	c.Errors = slices.Clone(s.Errors)
	c.Warnings = slices.Clone(s.Warnings)
	c.ExecutionMetrics = make(map[string]float64, len(s.ExecutionMetrics))
	for k, v := range s.ExecutionMetrics {
		c.ExecutionMetrics[k] = v
	}
	c.RetryCounts = make(map[string]int, len(s.RetryCounts))
	for k, v := range s.RetryCounts {
		c.RetryCounts[k] = v
	}
	c.ParallelGroup = slices.Clone(s.ParallelGroup)
	c.Adaptations = slices.Clone(s.Adaptations)
	return &c
}

// ToWire renders the state as the JSON dictionary handed to agents.
func (s *WorkflowState) ToWire() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"request": s.Request, "current_data": nil}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"request": s.Request, "current_data": nil}
	}
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}
