package pricing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CachedOracle decorates an Oracle with a short-TTL Redis cache. Cache
// failures never fail a price lookup; they fall through to the inner oracle.
type CachedOracle struct {
	logger *zap.Logger
	inner  Oracle
	rdb    *redis.Client
	ttl    time.Duration
}

// NewCachedOracle wraps inner with a Redis quote cache.
func NewCachedOracle(logger *zap.Logger, inner Oracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	if ttl == 0 {
		ttl = 3 * time.Second
	}
	return &CachedOracle{logger: logger, inner: inner, rdb: rdb, ttl: ttl}
}

func (c *CachedOracle) GetPrice(ctx context.Context, coinName string) (decimal.Decimal, error) {
	key := "price:" + coinName

	if val, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if price, perr := decimal.NewFromString(val); perr == nil {
			return price, nil
		}
	} else if err != redis.Nil {
		c.logger.Debug("price cache read failed", zap.String("pair", coinName), zap.Error(err))
	}

	price, err := c.inner.GetPrice(ctx, coinName)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.rdb.Set(ctx, key, price.String(), c.ttl).Err(); err != nil {
		c.logger.Debug("price cache write failed", zap.String("pair", coinName), zap.Error(err))
	}
	return price, nil
}
