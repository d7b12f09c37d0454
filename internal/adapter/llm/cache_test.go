package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
)

func countingProvider(calls *int) *mockProvider {
	return &mockProvider{name: "planner", chatFunc: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		*calls++
		return &domain.ChatResponse{Message: domain.Message{Content: req.Purpose}}, nil
	}}
}

func TestCachedProviderReusesDeterministicReplies(t *testing.T) {
	calls := 0
	p, err := NewCachedProvider(countingProvider(&calls), config.CacheConfig{MaxBytes: 1 << 20, TTL: time.Minute}, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	req := domain.NewPrompt("sys", "Count words")
	req.Purpose = "plan"

	first, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	p.Wait()

	second, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Message.Content, second.Message.Content)

	req.Purpose = "match"
	_, err = p.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "purpose is part of the key")
}

func TestCachedProviderSkipsNonZeroTemperature(t *testing.T) {
	calls := 0
	p, err := NewCachedProvider(countingProvider(&calls), config.CacheConfig{}, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	req := domain.NewPrompt("", "write a tool")
	req.Temperature = 0.2
	for i := 0; i < 2; i++ {
		_, err := p.Chat(context.Background(), req)
		require.NoError(t, err)
		p.Wait()
	}
	assert.Equal(t, 2, calls)
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	calls := 0
	inner := &mockProvider{name: "x", chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		calls++
		return nil, domain.ErrProviderError
	}}
	p, err := NewCachedProvider(inner, config.CacheConfig{}, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 2; i++ {
		_, err := p.Chat(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, domain.ErrProviderError)
		p.Wait()
	}
	assert.Equal(t, 2, calls)
}

func TestCacheKeyDependsOnMessages(t *testing.T) {
	a := cacheKey(domain.NewPrompt("s", "one"))
	b := cacheKey(domain.NewPrompt("s", "two"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, cacheKey(domain.NewPrompt("s", "one")))
}
