package domain

import (
	"context"
	"time"
)

// StepRecord summarizes one executed step.
type StepRecord struct {
	StepIndex     int            `json:"step_index"`
	Name          string         `json:"name"`
	Agent         string         `json:"agent"`
	Status        EnvelopeStatus `json:"status"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
}

// RunRecord summarizes one pipeline execution.
type RunRecord struct {
	PipelineID  string       `json:"pipeline_id"`
	Request     string       `json:"request"`
	Strategy    WorkflowType `json:"strategy"`
	Status      string       `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Duration    float64      `json:"duration"`
	Steps       []StepRecord `json:"steps"`
	Adaptations []Adaptation `json:"adaptations,omitempty"`
	Errors      []StateError `json:"errors,omitempty"`
}

// HistoryStore persists pipeline executions.
type HistoryStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, pipelineID string) (*RunRecord, error)
	Close() error
}
