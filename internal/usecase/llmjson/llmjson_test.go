package llmjson

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced json", "Plan:\n```json\n{\"a\": 1}\n```\nok", `{"a": 1}`},
		{"plain fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"prose around", `Sure, here: {"a": {"b": "}"}} hope it helps`, `{"a": {"b": "}"}}`},
		{"skips invalid candidate", `{not json} then {"a": 2}`, `{"a": 2}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Extract(tc.reply)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, got)
		})
	}

	_, err := Extract("no json here")
	assert.ErrorIs(t, err, ErrNoJSON)
}

var testSchema = MustCompile(`{
	"type": "object",
	"required": ["name"],
	"properties": {"name": {"type": "string"}}
}`)

func TestDecodeValidates(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, Decode(`{"name": "x"}`, testSchema, &out))
	assert.Equal(t, "x", out.Name)

	err := Decode(`{"title": "x"}`, testSchema, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

type replyProvider struct {
	reply string
	err   error
}

func (p replyProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Message: domain.Message{Content: p.reply}}, nil
}
func (replyProvider) Name() string { return "reply" }

func TestAsk(t *testing.T) {
	var out map[string]any
	err := Ask(context.Background(), replyProvider{reply: "garbage"}, domain.ChatRequest{Purpose: "plan"}, nil, domain.ErrPlanning, &out)
	assert.ErrorIs(t, err, domain.ErrPlanning)

	transport := errors.New("boom")
	err = Ask(context.Background(), replyProvider{err: transport}, domain.ChatRequest{}, nil, domain.ErrPlanning, &out)
	assert.ErrorIs(t, err, transport)
	assert.NotErrorIs(t, err, domain.ErrPlanning)

	err = Ask(context.Background(), nil, domain.ChatRequest{Purpose: "plan"}, nil, domain.ErrPlanning, &out)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
}
