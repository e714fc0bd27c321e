package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"build-earn/domain"
)

const balanceCacheKey = "escrow:balance"

// BalanceReader reads the current claimable balance.
type BalanceReader interface {
	ClaimableBalance(ctx context.Context) (*domain.ClaimableBalance, error)
}

// BalanceCache wraps a BalanceReader with a short lived Redis copy. The cache
// is best effort: Redis failures fall back to the ledger.
type BalanceCache struct {
	base   BalanceReader
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// cachedBalance distinguishes a cached absence from a cache miss.
type cachedBalance struct {
	Present bool                     `json:"present"`
	Balance *domain.ClaimableBalance `json:"balance,omitempty"`
}

// NewBalanceCache creates a caching reader using client and ttl. A nil client
// or zero ttl disables caching.
func NewBalanceCache(base BalanceReader, client *redis.Client, ttl time.Duration, logger *log.Logger) *BalanceCache {
	if base == nil {
		panic("escrow.NewBalanceCache: base reader is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.New()
	}
	return &BalanceCache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *BalanceCache) ClaimableBalance(ctx context.Context) (*domain.ClaimableBalance, error) {
	if cached, ok := c.load(ctx); ok {
		return cached.Balance, nil
	}
	bal, err := c.base.ClaimableBalance(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, cachedBalance{Present: bal != nil, Balance: bal})
	return bal, nil
}

// Invalidate drops the cached copy after a submission changed ledger state.
func (c *BalanceCache) Invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, balanceCacheKey).Err(); err != nil {
		c.logger.WithError(err).Warn("escrow.cache.invalidate_failed")
	}
}

func (c *BalanceCache) load(ctx context.Context) (cachedBalance, bool) {
	if c.redis == nil || c.ttl == 0 {
		return cachedBalance{}, false
	}
	data, err := c.redis.Get(ctx, balanceCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).Debug("escrow.cache.read_failed")
		}
		return cachedBalance{}, false
	}
	var cached cachedBalance
	if err := sonic.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, balanceCacheKey).Err()
		return cachedBalance{}, false
	}
	if cached.Present && cached.Balance == nil {
		return cachedBalance{}, false
	}
	return cached, true
}

func (c *BalanceCache) store(ctx context.Context, v cachedBalance) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, balanceCacheKey, data, c.ttl).Err()
}
