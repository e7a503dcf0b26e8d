package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kantong-id/kantong/pkg/observability"
)

// errStaleFill reports that the total was invalidated while it was loaded
var errStaleFill = errors.New("usage total invalidated during load")

// CachedCounter caches monthly totals in redis. Writes go to the wrapped
// counter and drop the cached total afterwards. Every invalidation bumps a
// generation key; a total loaded under an older generation is not cached.
// Any redis failure falls back to the wrapped counter.
type CachedCounter struct {
	next    *PostgresCounter
	redis   *redis.Client
	maxTTL  time.Duration
	metrics *observability.Metrics
	now     func() time.Time
}

// NewCachedCounter wraps next. Entries live until the end of their month
// or maxTTL, whichever comes first.
func NewCachedCounter(next *PostgresCounter, client *redis.Client, maxTTL time.Duration, metrics *observability.Metrics) *CachedCounter {
	return &CachedCounter{
		next:    next,
		redis:   client,
		maxTTL:  maxTTL,
		metrics: metrics,
		now:     time.Now,
	}
}

func cacheKey(householdID int64, feature string, at time.Time) string {
	return fmt.Sprintf("usage:%d:%s:%s", householdID, feature, at.UTC().Format("2006-01"))
}

func generationKey(key string) string {
	return key + ":gen"
}

// MonthlyUsage reads through the cache
func (c *CachedCounter) MonthlyUsage(ctx context.Context, householdID int64, feature string, at time.Time) (int64, error) {
	key := cacheKey(householdID, feature, at)
	logger := observability.FromContext(ctx)

	val, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		if n, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			c.metrics.ObserveCache("usage", true)
			return n, nil
		}
		c.redis.Del(ctx, key)
	case err != redis.Nil:
		logger.WithError(err).Warn("usage cache read failed")
	}
	c.metrics.ObserveCache("usage", false)

	// The generation is read before the total so that an invalidation
	// racing with the load is noticed
	gen, genErr := c.generation(ctx, key)

	total, err := c.next.MonthlyUsage(ctx, householdID, feature, at)
	if err != nil {
		return 0, err
	}

	ttl := c.ttl(at)
	switch {
	case genErr != nil:
		logger.WithError(genErr).Warn("usage cache read failed")
	case ttl > 0:
		err := c.fill(ctx, key, gen, total, ttl)
		if errors.Is(err, errStaleFill) {
			logger.WithField("key", key).Debug("usage total invalidated during load, not cached")
		} else if err != nil {
			logger.WithError(err).Warn("usage cache write failed")
		}
	}
	return total, nil
}

func (c *CachedCounter) generation(ctx context.Context, key string) (string, error) {
	gen, err := c.redis.Get(ctx, generationKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return gen, err
}

// fill caches total only while the generation is still gen
func (c *CachedCounter) fill(ctx context.Context, key, gen string, total int64, ttl time.Duration) error {
	genKey := generationKey(key)
	err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, total, ttl)
			return nil
		})
		return err
	}, genKey)
	if err == redis.TxFailedErr {
		return errStaleFill
	}
	return err
}

func (c *CachedCounter) ttl(at time.Time) time.Duration {
	_, end := MonthWindow(at)
	ttl := end.Sub(c.now())
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// Record appends usage and invalidates the cached total
func (c *CachedCounter) Record(ctx context.Context, householdID int64, feature string, qty int64) (*Log, error) {
	l, err := c.next.Record(ctx, householdID, feature, qty)
	if err != nil {
		return nil, err
	}
	c.Invalidate(ctx, householdID, feature)
	return l, nil
}

// Consume runs the atomic check-and-record and invalidates the cached
// total when something was written
func (c *CachedCounter) Consume(ctx context.Context, householdID int64, feature string, qty, limit int64) (int64, error) {
	total, err := c.next.Consume(ctx, householdID, feature, qty, limit)
	if err != nil {
		return total, err
	}
	c.Invalidate(ctx, householdID, feature)
	return total, nil
}

func (c *CachedCounter) ConsumeTx(ctx context.Context, tx *sql.Tx, householdID int64, feature string, qty, limit int64) (int64, error) {
	return c.next.ConsumeTx(ctx, tx, householdID, feature, qty, limit)
}

func (c *CachedCounter) ReleaseTx(ctx context.Context, tx *sql.Tx, householdID int64, feature string, qty int64, consumedAt time.Time) error {
	return c.next.ReleaseTx(ctx, tx, householdID, feature, qty, consumedAt)
}

// Invalidate drops the cached total of the current month and bumps its
// generation
func (c *CachedCounter) Invalidate(ctx context.Context, householdID int64, feature string) {
	now := c.now()
	key := cacheKey(householdID, feature, now)
	genKey := generationKey(key)
	_, end := MonthWindow(now)
	genTTL := end.Sub(now) + c.maxTTL + time.Hour

	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, genTTL)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("usage cache invalidation failed")
	}
}
