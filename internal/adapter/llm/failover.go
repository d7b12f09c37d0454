package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentfabric/internal/domain"
)

var _ domain.LLMProvider = (*FailoverProvider)(nil)

// FailoverProvider tries a primary provider, then each fallback in order.
type FailoverProvider struct {
	primary   domain.LLMProvider
	fallbacks []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{primary: primary, fallbacks: fallbacks, logger: logger}
}

// Chat tries the primary provider first, then each fallback on failure.
// A cancelled context stops the chain.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("primary LLM failed, trying fallbacks", "primary", f.primary.Name(), "error", err)

	errs := []string{fmt.Sprintf("%s: %v", f.primary.Name(), err)}
	last := err
	for _, fb := range f.fallbacks {
		if ctx.Err() != nil {
			break
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "provider", fb.Name())
			return resp, nil
		}
		f.logger.Warn("fallback LLM failed", "provider", fb.Name(), "error", err)
		errs = append(errs, fmt.Sprintf("%s: %v", fb.Name(), err))
		last = err
	}

	// Keep the last error's category so callers can still classify it.
	return nil, fmt.Errorf("all providers failed: [%s]: %w", strings.Join(errs, "; "), categoryOf(last))
}

// categoryOf returns the domain sentinel behind err, or ErrProviderError.
func categoryOf(err error) error {
	for _, sentinel := range []error{domain.ErrRateLimit, domain.ErrAuthInvalid, domain.ErrContextOverflow, domain.ErrTimeout} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return domain.ErrProviderError
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string { return f.primary.Name() + "+failover" }
