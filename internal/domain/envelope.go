package domain

import "time"

// EnvelopeStatus discriminates the envelope variants.
type EnvelopeStatus string

const (
	EnvelopeSuccess EnvelopeStatus = "success"
	EnvelopeError   EnvelopeStatus = "error"
)

// Envelope is the per-agent result stored in WorkflowState.Results. It is
// either Success{Data, Metadata} or Failure{Error, Metadata}.
type Envelope struct {
	Status       EnvelopeStatus `json:"status"`
	Data         any            `json:"data"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	AgentName    string         `json:"agent_name,omitempty"`
	StepName     string         `json:"step_name,omitempty"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
	RecoveryInfo *RecoveryInfo  `json:"recovery_info,omitempty"`
}

// RecoveryInfo describes a retried step.
type RecoveryInfo struct {
	Recovered bool   `json:"recovered"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Success builds a success envelope.
func Success(data any, metadata map[string]any) Envelope {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Envelope{Status: EnvelopeSuccess, Data: data, Metadata: metadata}
}

// Failure builds an error envelope. The message is mirrored into
// metadata.error so that generated agents reading either field agree.
func Failure(msg string, metadata map[string]any) Envelope {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["error"]; !ok {
		metadata["error"] = msg
	}
	return Envelope{Status: EnvelopeError, Error: msg, Metadata: metadata}
}

// IsSuccess reports whether the envelope is the success variant.
func (e Envelope) IsSuccess() bool { return e.Status == EnvelopeSuccess }

// IsError reports whether the envelope is the failure variant.
func (e Envelope) IsError() bool { return e.Status != EnvelopeSuccess }

// ErrorMessage returns the failure reason, falling back to metadata.error.
func (e Envelope) ErrorMessage() string {
	if e.Error != "" {
		return e.Error
	}
	if s, ok := e.Metadata["error"].(string); ok {
		return s
	}
	if e.IsError() {
		return "unknown error"
	}
	return ""
}

// WithMeta returns a copy of e with key set in its metadata.
func (e Envelope) WithMeta(key string, value any) Envelope {
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

// ExecutionTime returns metadata.execution_time in seconds, or 0.
func (e Envelope) ExecutionTime() float64 {
	switch v := e.Metadata["execution_time"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// EnvelopeFromMap decodes a loosely-typed result dictionary. A missing status
// is derived from the presence of data.
func EnvelopeFromMap(m map[string]any) Envelope {
	env := Envelope{Metadata: map[string]any{}}
	if meta, ok := m["metadata"].(map[string]any); ok {
		for k, v := range meta {
			env.Metadata[k] = v
		}
	}
	data, hasData := m["data"]
	env.Data = data

	switch s, _ := m["status"].(string); s {
	case string(EnvelopeSuccess):
		env.Status = EnvelopeSuccess
	case "":
		if hasData {
			env.Status = EnvelopeSuccess
		} else {
			env.Status = EnvelopeError
		}
	default:
		env.Status = EnvelopeError
	}

	if s, ok := m["error"].(string); ok {
		env.Error = s
	}
	if env.IsError() && env.Error == "" {
		env.Error = env.ErrorMessage()
	}
	if s, ok := m["agent_name"].(string); ok {
		env.AgentName = s
	}
	if s, ok := m["step_name"].(string); ok {
		env.StepName = s
	}
	return env
}

// ToMap renders the envelope in its wire shape.
func (e Envelope) ToMap() map[string]any {
	out := map[string]any{
		"status":   string(e.Status),
		"data":     e.Data,
		"metadata": e.Metadata,
	}
	if e.Error != "" {
		out["error"] = e.Error
	}
	if e.AgentName != "" {
		out["agent_name"] = e.AgentName
	}
	if e.StepName != "" {
		out["step_name"] = e.StepName
	}
	return out
}
