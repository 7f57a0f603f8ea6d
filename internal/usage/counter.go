// Package usage counts conversation tokens against the context window.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ChamsBouzaiene/codabra/internal/chat"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

const (
	defaultCacheSize = 100
	defaultCacheTTL  = 10 * time.Minute
)

// Counter is a best-effort, cached token counter. Failures are logged and
// reported as not-available, never as zero.
type Counter struct {
	store  *chat.Store
	source chat.ModelSource
	cache  *expirable.LRU[string, int]
	policy engine.RetryPolicy
	logger *slog.Logger
}

// CounterOption configures a Counter.
type CounterOption func(*counterConfig)

type counterConfig struct {
	size   int
	ttl    time.Duration
	policy engine.RetryPolicy
	logger *slog.Logger
}

// WithCache overrides the cache size and entry lifetime.
func WithCache(size int, ttl time.Duration) CounterOption {
	return func(c *counterConfig) {
		c.size = size
		c.ttl = ttl
	}
}

// WithRetryPolicy overrides the retry policy of token-count requests.
func WithRetryPolicy(p engine.RetryPolicy) CounterOption {
	return func(c *counterConfig) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CounterOption {
	return func(c *counterConfig) { c.logger = l }
}

// NewCounter creates a token counter over store.
func NewCounter(store *chat.Store, source chat.ModelSource, opts ...CounterOption) *Counter {
	cfg := counterConfig{
		size:   defaultCacheSize,
		ttl:    defaultCacheTTL,
		policy: engine.DefaultRetryConfig().TokenCountPolicy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Counter{
		store:  store,
		source: source,
		cache:  expirable.NewLRU[string, int](cfg.size, nil, cfg.ttl),
		policy: cfg.policy,
		logger: cfg.logger,
	}
}

// CountTokens returns the input tokens of chatID's conversation. It reports
// false when no client is configured, the chat is unknown, or counting
// failed after retries.
func (c *Counter) CountTokens(ctx context.Context, chatID string) (int, bool) {
	client := c.source.Client()
	if client == nil {
		c.logger.Debug("cannot count tokens: no model client configured")
		return 0, false
	}

	conv, ok := c.store.Persisted(chatID)
	if !ok {
		return 0, false
	}

	key := cacheKey(conv)
	// Peek keeps eviction in insertion order.
	if n, ok := c.cache.Peek(key); ok {
		return n, true
	}

	req := chat.BuildRequest(conv, c.source.Settings(), "")

	counter, ok := client.(engine.TokenCounter)
	if !ok {
		n := engine.EstimateMessagesTokens(req.Messages)
		c.cache.Add(key, n)
		return n, true
	}

	n, err := engine.RetryWithPolicy(ctx, c.policy, func(ctx context.Context) (int, error) {
		return counter.CountTokens(ctx, req)
	}, engine.RetryAll, func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("token count failed, retrying",
			"chat_id", chatID,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Error("token count failed", "chat_id", chatID, "error", err)
		}
		return 0, false
	}

	c.cache.Add(key, n)
	return n, true
}

// Purge drops every cached count.
func (c *Counter) Purge() {
	c.cache.Purge()
}

func cacheKey(conv *chat.Chat) string {
	return conv.ID + "-" + strconv.FormatInt(conv.UpdatedAt, 10)
}
