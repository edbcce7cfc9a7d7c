package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status of a notification id in the cache.
type Status string

const (
	// StatusUnseen means the id has never been processed.
	StatusUnseen Status = ""
	// StatusApplied means the ledger effect was committed.
	StatusApplied Status = "applied"
	// StatusUnparseable marks notifications given up on: the reference could
	// not be resolved and retrying would never change that.
	StatusUnparseable Status = "unparseable"
)

const keyPrefix = "reconcile:seen:"

// Cache is the primary exactly-once guard for the reconciliation loop. Ids
// are written only after a successful ledger commit (or a definitive parse
// failure); the unique external_ref index in the ledger backstops the cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Status reports how the id was handled before, or StatusUnseen.
func (c *Cache) Status(ctx context.Context, id string) (Status, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return StatusUnseen, nil
	}
	if err != nil {
		return StatusUnseen, err
	}
	return Status(val), nil
}

// MarkApplied records a committed ledger effect for the id.
func (c *Cache) MarkApplied(ctx context.Context, id string) error {
	return c.rdb.Set(ctx, keyPrefix+id, string(StatusApplied), c.ttl).Err()
}

// MarkUnparseable records a permanent give-up for the id.
func (c *Cache) MarkUnparseable(ctx context.Context, id string) error {
	return c.rdb.Set(ctx, keyPrefix+id, string(StatusUnparseable), c.ttl).Err()
}
