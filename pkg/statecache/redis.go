package statecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisCache shares derived states between processes. Each entity has a hash
// of as_of -> state and a generation counter bumped on invalidation.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a RedisCache using keys under prefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger.Named("state-cache")}
}

func (c *RedisCache) statesKey(id uuid.UUID) string {
	return c.prefix + "state:" + id.String()
}

func (c *RedisCache) genKey(id uuid.UUID) string {
	return c.prefix + "stategen:" + id.String()
}

func field(asOf time.Time) string {
	return strconv.FormatInt(asOf.UnixNano(), 10)
}

func (c *RedisCache) Get(ctx context.Context, entityID uuid.UUID, asOf time.Time) (*models.EntityState, bool, error) {
	data, err := c.client.HGet(ctx, c.statesKey(entityID), field(asOf)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state cache: %w", err)
	}

	var state models.EntityState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("Dropping undecodable cached state",
			zap.String("entity_id", entityID.String()),
			zap.Error(err))
		return nil, false, nil
	}
	return &state, true, nil
}

func (c *RedisCache) Generation(ctx context.Context, entityID uuid.UUID) (uint64, error) {
	gen, err := c.client.Get(ctx, c.genKey(entityID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read state generation: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) Set(ctx context.Context, generation uint64, state *models.EntityState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	genKey := c.genKey(state.EntityID)
	statesKey := c.statesKey(state.EntityID)

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, statesKey, field(state.AsOf), data)
			if c.ttl > 0 {
				pipe.Expire(ctx, statesKey, c.ttl)
			}
			return nil
		})
		return err
	}, genKey)

	if errors.Is(err, redis.TxFailedErr) {
		// Invalidated concurrently; the computed state is stale.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to write state cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, entityID uuid.UUID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(entityID))
		pipe.Del(ctx, c.statesKey(entityID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate state cache: %w", err)
	}
	return nil
}
