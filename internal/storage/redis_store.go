package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/example/parking-valet/internal/models"
)

const maxWatchRetries = 5

// RedisStore keeps each flow in a hash flow:{requestId} with stage, document and updatedAt.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, now: time.Now}
}

func (r *RedisStore) Upsert(ctx context.Context, requestID string, stage models.Stage, fields models.FlowFields) (models.RequestFlow, error) {
	key := flowKey(requestID)
	var flow models.RequestFlow

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		flow = models.RequestFlow{RequestID: requestID}
		if doc, ok := vals["document"]; ok && doc != "" {
			if err := json.Unmarshal([]byte(doc), &flow.FlowFields); err != nil {
				return err
			}
		}
		flow.Merge(fields)
		flow.Stage = stage
		flow.UpdatedAt = r.now().UTC()
		doc, err := json.Marshal(flow.FlowFields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"stage":     string(stage),
				"document":  string(doc),
				"updatedAt": flow.UpdatedAt.Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return flow, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return models.RequestFlow{}, fmt.Errorf("%w: upsert %s: %v", ErrPersistence, requestID, err)
	}
	return models.RequestFlow{}, fmt.Errorf("%w: upsert %s: too much contention", ErrPersistence, requestID)
}

func (r *RedisStore) Get(ctx context.Context, requestID string) (models.RequestFlow, error) {
	vals, err := r.client.HGetAll(ctx, flowKey(requestID)).Result()
	if err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: get %s: %v", ErrPersistence, requestID, err)
	}
	if len(vals) == 0 {
		return models.RequestFlow{}, ErrNotFound
	}
	flow := models.RequestFlow{RequestID: requestID, Stage: models.Stage(vals["stage"])}
	if doc := vals["document"]; doc != "" {
		if err := json.Unmarshal([]byte(doc), &flow.FlowFields); err != nil {
			return models.RequestFlow{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, requestID, err)
		}
	}
	if ts := vals["updatedAt"]; ts != "" {
		if flow.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return models.RequestFlow{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, requestID, err)
		}
	}
	return flow, nil
}

func (r *RedisStore) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

func flowKey(id string) string { return "flow:" + id }
