package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// MessageCache keeps a copy of each conversation's message log. The database
// stays authoritative; a miss always falls back to it.
type MessageCache interface {
	// Append extends an already cached log. It does nothing on a cold key so a
	// partial log is never cached.
	Append(ctx context.Context, convID uuid.UUID, msgs ...models.Message) error
	Load(ctx context.Context, convID uuid.UUID) ([]models.Message, bool, error)
	Store(ctx context.Context, convID uuid.UUID, msgs []models.Message) error
	Invalidate(ctx context.Context, convID uuid.UUID) error
}

// NewMessageCache returns a redis backed cache, or a no-op one when rdb is nil.
func NewMessageCache(rdb *redis.Client, ttl time.Duration) MessageCache {
	if rdb == nil {
		return noopCache{}
	}
	return &redisMessageCache{rdb: rdb, ttl: ttl}
}

type redisMessageCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func messagesKey(convID uuid.UUID) string {
	return "conversation:" + convID.String() + ":messages"
}

func (c *redisMessageCache) Append(ctx context.Context, convID uuid.UUID, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values, err := encodeMessages(msgs)
	if err != nil {
		return err
	}

	key := messagesKey(convID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPushX(ctx, key, values...)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	return err
}

func (c *redisMessageCache) Load(ctx context.Context, convID uuid.UUID) ([]models.Message, bool, error) {
	raw, err := c.rdb.LRange(ctx, messagesKey(convID), 0, -1).Result()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, false, fmt.Errorf("decode cached message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, true, nil
}

func (c *redisMessageCache) Store(ctx context.Context, convID uuid.UUID, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values, err := encodeMessages(msgs)
	if err != nil {
		return err
	}

	key := messagesKey(convID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	return err
}

func (c *redisMessageCache) Invalidate(ctx context.Context, convID uuid.UUID) error {
	return c.rdb.Del(ctx, messagesKey(convID)).Err()
}

func encodeMessages(msgs []models.Message) ([]interface{}, error) {
	values := make([]interface{}, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		values[i] = b
	}
	return values, nil
}

type noopCache struct{}

func (noopCache) Append(context.Context, uuid.UUID, ...models.Message) error { return nil }
func (noopCache) Load(context.Context, uuid.UUID) ([]models.Message, bool, error) {
	return nil, false, nil
}
func (noopCache) Store(context.Context, uuid.UUID, []models.Message) error { return nil }
func (noopCache) Invalidate(context.Context, uuid.UUID) error             { return nil }
