package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
)

type mockProvider struct {
	name     string
	chatFunc func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return m.chatFunc(ctx, req)
}
func (m *mockProvider) Name() string { return m.name }

func replying(name, content string) *mockProvider {
	return &mockProvider{name: name, chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Message: domain.Message{Content: content}}, nil
	}}
}

func failing(name string, err error) *mockProvider {
	return &mockProvider{name: name, chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, err
	}}
}

func TestFailoverPrimarySuccess(t *testing.T) {
	fb := failing("backup", errors.New("should not be called"))
	f := NewFailoverProvider(replying("primary", "from primary"), []domain.LLMProvider{fb}, newTestLogger())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Message.Content)
}

func TestFailoverPrimaryFailFallbackSuccess(t *testing.T) {
	f := NewFailoverProvider(failing("primary", domain.ErrRateLimit),
		[]domain.LLMProvider{replying("backup", "from backup")}, newTestLogger())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Message.Content)
}

func TestFailoverProvider_AggregatesAllErrors(t *testing.T) {
	f := NewFailoverProvider(
		failing("primary", fmt.Errorf("%w: 500", domain.ErrProviderError)),
		[]domain.LLMProvider{
			failing("second", errors.New("connection refused")),
			failing("third", fmt.Errorf("%w: slow", domain.ErrRateLimit)),
		}, newTestLogger())

	_, err := f.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	for _, name := range []string{"primary", "second", "third"} {
		assert.Contains(t, err.Error(), name)
	}
	assert.ErrorIs(t, err, domain.ErrRateLimit, "last failure's category is kept")
}

func TestFailoverStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	primary := &mockProvider{name: "primary", chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		cancel()
		return nil, context.Canceled
	}}
	fb := &mockProvider{name: "backup", chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		called = true
		return nil, nil
	}}

	_, err := NewFailoverProvider(primary, []domain.LLMProvider{fb}, newTestLogger()).Chat(ctx, domain.ChatRequest{})
	require.Error(t, err)
	assert.False(t, called)
}

func TestFailoverName(t *testing.T) {
	f := NewFailoverProvider(replying("openai", ""), nil, newTestLogger())
	assert.Equal(t, "openai+failover", f.Name())
}
