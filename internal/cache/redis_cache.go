package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func messageKey(id string) string { return fmt.Sprintf("msg:%s", id) }

func runKey(id string) string { return fmt.Sprintf("batch:%s", id) }

func (c *RedisCache) StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error {
	val := sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, messageKey(messageID), b, c.ttl).Err()
}

// StoreRun saves the snapshot under its run key and as the latest run, then
// publishes it on UpdatesChannel.
func (c *RedisCache) StoreRun(ctx context.Context, state model.RunState) error {
	if state.RunID == "" {
		return errors.New("store run: empty run id")
	}

	b, err := json.Marshal(state)
	if err != nil {
		return err
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, runKey(state.RunID), b, c.ttl)
	pipe.Set(ctx, currentRunKey, state.RunID, c.ttl)
	pipe.Publish(ctx, UpdatesChannel, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store run %s: %w", state.RunID, err)
	}
	return nil
}

func (c *RedisCache) LoadRun(ctx context.Context, runID string) (model.RunState, bool, error) {
	raw, err := c.rdb.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RunState{}, false, nil
	}
	if err != nil {
		return model.RunState{}, false, err
	}

	var state model.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.RunState{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return state, true, nil
}

func (c *RedisCache) LatestRun(ctx context.Context) (model.RunState, bool, error) {
	id, err := c.rdb.Get(ctx, currentRunKey).Result()
	if errors.Is(err, redis.Nil) {
		return model.RunState{}, false, nil
	}
	if err != nil {
		return model.RunState{}, false, err
	}
	return c.LoadRun(ctx, id)
}

// Observe mirrors every emitted run snapshot into Redis. Failures are logged
// and never interrupt the run.
func (c *RedisCache) Observe(ctx context.Context, state model.RunState) {
	if err := c.StoreRun(ctx, state); err != nil {
		slog.Warn("failed to cache run state", "run_id", state.RunID, "err", err)
	}
}
