package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend maps the Backend surface onto go-redis commands.
type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(url string) (*redisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

// ─── Strings ─────────────────────────────────────────────────

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &ErrNotFound{Key: key}
	}
	return v, err
}

func (r *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// ─── Hashes ──────────────────────────────────────────────────

func (r *redisBackend) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for f, v := range fields {
		args[f] = v
	}
	return r.client.HSet(ctx, key, args).Err()
}

func (r *redisBackend) HGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := r.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &ErrNotFound{Key: key, Field: field}
	}
	return v, err
}

func (r *redisBackend) HDel(ctx context.Context, key string, fields ...string) error {
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *redisBackend) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(res))
	for f, v := range res {
		out[f] = []byte(v)
	}
	return out, nil
}

func (r *redisBackend) HKeys(ctx context.Context, key string) ([]string, error) {
	return r.client.HKeys(ctx, key).Result()
}

func (r *redisBackend) HExists(ctx context.Context, key, field string) (bool, error) {
	return r.client.HExists(ctx, key, field).Result()
}

// ─── Sets ────────────────────────────────────────────────────

func (r *redisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *redisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

func (r *redisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// ─── Lists ───────────────────────────────────────────────────

func (r *redisBackend) LPush(ctx context.Context, key string, value []byte) error {
	return r.client.LPush(ctx, key, value).Err()
}

func (r *redisBackend) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	res, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(res))
	for i, v := range res {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *redisBackend) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, key, start, stop).Err()
}

// ─── Scan ────────────────────────────────────────────────────

func (r *redisBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// ─── Pub/sub ─────────────────────────────────────────────────

func (r *redisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *redisBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, nil
}

// ─── Lifecycle ───────────────────────────────────────────────

func (r *redisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisBackend) Close() error {
	return r.client.Close()
}

// applyRegistration queues the whole write set into one MULTI/EXEC
// pipeline so a registration is never half-visible to readers.
func (r *redisBackend) applyRegistration(ctx context.Context, op RegisterOp) error {
	pipe := r.client.TxPipeline()
	if len(op.Record) > 0 {
		args := make(map[string]interface{}, len(op.Record))
		for f, v := range op.Record {
			args[f] = v
		}
		pipe.Del(ctx, op.AgentKey)
		pipe.HSet(ctx, op.AgentKey, args)
	}
	if len(op.Metrics) > 0 {
		args := make(map[string]interface{}, len(op.Metrics))
		for f, v := range op.Metrics {
			args[f] = v
		}
		pipe.HSet(ctx, op.MetricsKey, args)
	}
	if op.EmbedKey != "" && len(op.Embedding) > 0 {
		pipe.Set(ctx, op.EmbedKey, op.Embedding, 0)
	}
	for _, idx := range op.Indexes {
		pipe.SAdd(ctx, idx.Key, idx.Member)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// restore replays a fallback snapshot after Redis comes back. Best
// effort: later writes win over whatever survived server-side.
func (r *redisBackend) restore(ctx context.Context, snap snapshot) error {
	pipe := r.client.Pipeline()
	for key, v := range snap.values {
		pipe.Set(ctx, key, v, 0)
	}
	for key, h := range snap.hashes {
		args := make(map[string]interface{}, len(h))
		for f, v := range h {
			args[f] = v
		}
		pipe.HSet(ctx, key, args)
	}
	for key, members := range snap.sets {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SAdd(ctx, key, args...)
	}
	for key, entries := range snap.lists {
		pipe.Del(ctx, key)
		for i := len(entries) - 1; i >= 0; i-- {
			pipe.LPush(ctx, key, entries[i])
		}
	}
	for key, deadline := range snap.expiry {
		pipe.ExpireAt(ctx, key, deadline)
	}
	_, err := pipe.Exec(ctx)
	return err
}
