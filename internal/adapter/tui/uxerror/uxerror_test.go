package uxerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentfabric/internal/domain"
)

func TestHumanize(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		title string
	}{
		{"wrapped rate limit", fmt.Errorf("planner: %w", domain.ErrRateLimit), "Rate Limited"},
		{"domain auth error", domain.NewDomainError("openai.Chat", domain.ErrAuthInvalid, "401"), "Authentication Failed"},
		{"timeout", domain.NewDomainError("executor.step", domain.ErrTimeout, "10s"), "Request Timed Out"},
		{"no agents", domain.ErrNoAgents, "No Agents Available"},
		{"dial failure", errors.New("dial tcp 127.0.0.1:11434: connection refused"), "Connection Failed"},
		{"missing python", errors.New(`exec: "python3": executable file not found in $PATH`), "Python Not Found"},
		{"unknown", errors.New("something odd"), "Unexpected Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := Humanize(tt.err)
			assert.Equal(t, tt.title, fe.Title)
			assert.Equal(t, tt.err.Error(), fe.Raw)
		})
	}
}

func TestHumanizeNil(t *testing.T) {
	assert.Equal(t, "Unknown Error", Humanize(nil).Title)
}

func TestRenderIncludesHints(t *testing.T) {
	out := Humanize(domain.ErrRateLimit).Render()
	assert.Contains(t, out, "Rate Limited")
	assert.Contains(t, out, "Suggestions:")
	assert.Contains(t, out, "llm.rate_limit.requests_per_minute")
}
