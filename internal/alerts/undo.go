package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/aquawatch/internal/data"
)

// PurgeGrace is how long soft-deleted alerts survive before the purge sweep
// removes them. It is also the undo window.
const PurgeGrace = 5 * time.Minute

// DeleteBatch is one delete operation as the client saw it.
type DeleteBatch struct {
	BatchID   string        `json:"batchId"`
	Alerts    []*data.Alert `json:"alerts"`
	DeletedAt time.Time     `json:"deletedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// UndoStore keeps delete batches for the undo window.
type UndoStore interface {
	Save(ctx context.Context, b *DeleteBatch) error
	Load(ctx context.Context, batchID string) (*DeleteBatch, error)
	Drop(ctx context.Context, batchID string) error
}

type RedisUndoBuffer struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisUndoBuffer(client *redis.Client, ttl time.Duration) *RedisUndoBuffer {
	if ttl <= 0 {
		ttl = PurgeGrace
	}
	return &RedisUndoBuffer{client: client, ttl: ttl}
}

func undoKey(batchID string) string {
	return fmt.Sprintf("alerts:undo:%s", batchID)
}

func (u *RedisUndoBuffer) Save(ctx context.Context, b *DeleteBatch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return u.client.Set(ctx, undoKey(b.BatchID), payload, u.ttl).Err()
}

func (u *RedisUndoBuffer) Load(ctx context.Context, batchID string) (*DeleteBatch, error) {
	payload, err := u.client.Get(ctx, undoKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUndoExpired
	}
	if err != nil {
		return nil, err
	}
	var b DeleteBatch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode undo batch: %w", err)
	}
	return &b, nil
}

func (u *RedisUndoBuffer) Drop(ctx context.Context, batchID string) error {
	return u.client.Del(ctx, undoKey(batchID)).Err()
}
