package llm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/crypto/blake2b"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
)

const (
	defaultCacheBytes = 32 << 20
	defaultCacheTTL   = 10 * time.Minute
)

var _ domain.LLMProvider = (*CachedProvider)(nil)

// CachedProvider memoises deterministic replies. Only calls made at
// temperature 0 are cached, so generation at higher temperatures always
// reaches the model.
type CachedProvider struct {
	inner  domain.LLMProvider
	cache  *ristretto.Cache[string, *domain.ChatResponse]
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProvider wraps inner with an in-process reply cache.
func NewCachedProvider(inner domain.LLMProvider, cfg config.CacheConfig, logger *slog.Logger) (*CachedProvider, error) {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultCacheBytes
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *domain.ChatResponse]{
		NumCounters: maxBytes / 100 * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: c, ttl: ttl, logger: logger}, nil
}

// Chat implements domain.LLMProvider.
func (p *CachedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Temperature != 0 {
		return p.inner.Chat(ctx, req)
	}
	key := cacheKey(req)
	if resp, ok := p.cache.Get(key); ok {
		p.logger.Debug("llm cache hit", "provider", p.inner.Name(), "purpose", req.Purpose)
		out := *resp
		return &out, nil
	}

	resp, err := p.inner.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	stored := *resp
	p.cache.SetWithTTL(key, &stored, int64(len(resp.Message.Content))+64, p.ttl)
	return resp, nil
}

// Wait blocks until pending cache writes are visible.
func (p *CachedProvider) Wait() { p.cache.Wait() }

// Close releases the cache.
func (p *CachedProvider) Close() { p.cache.Close() }

// Name implements domain.LLMProvider.
func (p *CachedProvider) Name() string { return p.inner.Name() }

func cacheKey(req domain.ChatRequest) string {
	h, _ := blake2b.New256(nil)
	enc := json.NewEncoder(h)
	_ = enc.Encode([]any{req.Purpose, req.Model, req.MaxTokens})
	for _, m := range req.Messages {
		_ = enc.Encode([2]string{m.Role, m.Content})
	}
	return hex.EncodeToString(h.Sum(nil))
}
