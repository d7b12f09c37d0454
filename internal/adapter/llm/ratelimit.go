package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
)

var _ domain.LLMProvider = (*RateLimitedProvider)(nil)

// RateLimitedProvider throttles calls to inner with a token bucket.
type RateLimitedProvider struct {
	inner   domain.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows RequestsPerMinute calls with bursts of Burst.
func NewRateLimitedProvider(inner domain.LLMProvider, cfg config.RateLimitConfig) *RateLimitedProvider {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rpm)/60.0, burst),
	}
}

// Chat waits for a token, then forwards the call. A context that ends
// while waiting yields ErrRateLimit.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrRateLimit, p.inner.Name(), err)
	}
	return p.inner.Chat(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }
