// Package factory generates tools and agents with the generator model,
// validates and smoke-tests the code, and registers it in the catalog.
// Both factories are idempotent: an active component is never regenerated.
package factory

import (
	"context"
	"encoding/json"
	"log/slog"

	"agentfabric/internal/adapter/pycheck"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/registry"
)

// Result statuses.
const (
	StatusExists     = "exists"
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusValidation = "validation_error"
)

// Catalogs hands out the current registry.
type Catalogs interface {
	Registry(ctx context.Context) (*registry.Registry, error)
	ForceReload()
}

// Config tunes both factories.
type Config struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	ToolLines      pycheck.LineRange
	AgentLines     pycheck.LineRange
	AllowedImports []string
	SmokeTest      bool
}

func (c Config) withDefaults() Config {
	if c.ToolLines == (pycheck.LineRange{}) {
		c.ToolLines = pycheck.LineRange{Min: 15, Max: 100}
	}
	if c.AgentLines == (pycheck.LineRange{}) {
		c.AgentLines = pycheck.LineRange{Min: 50, Max: 300}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// SmokeProbes are the inputs every generated tool must survive.
func SmokeProbes() []any {
	return []any{nil, "", "hello world 42", map[string]any{"text": "a 1"}, []any{1, 2, 3}}
}

func emit(ctx context.Context, bus domain.EventBus, t domain.EventType, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.NewEvent(t, "", payload))
}

// sizeOrValidation reports invalid_size when the only structural problem
// is the line count.
func sizeOrValidation(r pycheck.Report) domain.ErrorCode {
	for _, is := range r.Issues {
		if is.Code != pycheck.IssueSize {
			return domain.CodeValidation
		}
	}
	if r.Has(pycheck.IssueSize) {
		return domain.CodeInvalidSize
	}
	return domain.CodeValidation
}

// normalize gives v its JSON shape so Go literals compare equal to values
// decoded from a runner.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func discardIfNil(l *slog.Logger) *slog.Logger {
	if l == nil {
		return logger.Discard()
	}
	return l
}
