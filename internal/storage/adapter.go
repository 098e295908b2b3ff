package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Options configures the adapter. An empty RedisURL selects memory-only
// operation, which is the normal mode for development and tests.
type Options struct {
	RedisURL     string
	PingInterval time.Duration
}

// Adapter fronts the active backend and owns failover. Server
// components hold an *Adapter; none touch a Backend directly. When the
// configured Redis becomes unreachable the adapter flips to the
// in-memory backend, marks itself degraded, and retries Redis in the
// background; on reconnect it replays a snapshot of the fallback data.
type Adapter struct {
	redis  *redisBackend // nil when no Redis is configured
	memory *memoryBackend

	mu           sync.RWMutex
	active       Backend
	degraded     bool
	reconnecting bool

	pingEvery time.Duration
	healthMu  sync.Mutex
	lastPing  time.Time
	lastErr   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the adapter and probes Redis once when configured. A
// malformed URL is a configuration error; a connection failure is not,
// it just starts life degraded.
func New(opts Options) (*Adapter, error) {
	a := &Adapter{
		memory:    newMemoryBackend(),
		pingEvery: opts.PingInterval,
	}
	if a.pingEvery <= 0 {
		a.pingEvery = 5 * time.Second
	}
	a.active = a.memory
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if opts.RedisURL == "" {
		log.Info().Msg("storage: no redis configured, using in-memory backend")
		return a, nil
	}

	rb, err := newRedisBackend(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	a.redis = rb

	pctx, cancel := context.WithTimeout(a.ctx, 3*time.Second)
	defer cancel()
	if err := rb.Ping(pctx); err != nil {
		log.Warn().Err(err).Msg("storage: redis unreachable at startup, degraded to in-memory")
		a.degraded = true
		a.startReconnect()
		return a, nil
	}
	a.active = rb
	log.Info().Msg("storage: redis connected")
	return a, nil
}

// Close stops the reconnect loop and releases both backends.
func (a *Adapter) Close() error {
	a.cancel()
	a.wg.Wait()
	if a.redis != nil {
		a.redis.Close()
	}
	return a.memory.Close()
}

func (a *Adapter) backend() Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// UsingFallback reports whether Redis is configured but the in-memory
// backend is serving.
func (a *Adapter) UsingFallback() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.degraded
}

// BackendName identifies the active backend for health payloads.
func (a *Adapter) BackendName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == a.redis && a.redis != nil {
		return "redis"
	}
	return "memory"
}

// shouldFailover filters the errors that mean the active Redis is gone.
// Missing keys and caller cancellation pass through untouched.
func (a *Adapter) shouldFailover(b Backend, err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return a.redis != nil && b == Backend(a.redis)
}

func (a *Adapter) failover(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redis == nil || a.active != Backend(a.redis) {
		return
	}
	a.active = a.memory
	a.degraded = true
	log.Error().Err(err).Msg("storage: redis failed, degraded to in-memory fallback")
	a.startReconnectLocked()
}

func (a *Adapter) startReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startReconnectLocked()
}

func (a *Adapter) startReconnectLocked() {
	if a.reconnecting {
		return
	}
	a.reconnecting = true
	a.wg.Add(1)
	go a.reconnectLoop()
}

// reconnectLoop pings Redis with exponential backoff until it answers,
// then replays the fallback snapshot and flips back.
func (a *Adapter) reconnectLoop() {
	defer a.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	ping := func() error {
		pctx, cancel := context.WithTimeout(a.ctx, 3*time.Second)
		defer cancel()
		return a.redis.Ping(pctx)
	}
	notify := func(err error, next time.Duration) {
		log.Debug().Err(err).Dur("retry_in", next).Msg("storage: redis still unreachable")
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, a.ctx), notify); err != nil {
		return // shut down before redis came back
	}

	a.mu.Lock()
	snap := a.memory.snapshot()
	a.active = a.redis
	a.degraded = false
	a.reconnecting = false
	a.mu.Unlock()

	rctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	if err := a.redis.restore(rctx, snap); err != nil {
		log.Warn().Err(err).Msg("storage: fallback snapshot replay failed")
		return
	}
	log.Info().
		Int("keys", len(snap.values)+len(snap.hashes)+len(snap.sets)+len(snap.lists)).
		Msg("storage: redis restored, fallback snapshot replayed")
}

// ─── Command surface ─────────────────────────────────────────
// Each wrapper retries exactly once against the fallback after a
// failover so the caller never sees the flip.

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	b := a.backend()
	v, err := b.Get(ctx, key)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.Get(ctx, key)
	}
	return v, err
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b := a.backend()
	err := b.Set(ctx, key, value, ttl)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.Set(ctx, key, value, ttl)
	}
	return err
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	b := a.backend()
	err := b.Delete(ctx, key)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.Delete(ctx, key)
	}
	return err
}

func (a *Adapter) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	b := a.backend()
	err := b.HSet(ctx, key, fields)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.HSet(ctx, key, fields)
	}
	return err
}

func (a *Adapter) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b := a.backend()
	v, err := b.HGet(ctx, key, field)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.HGet(ctx, key, field)
	}
	return v, err
}

func (a *Adapter) HDel(ctx context.Context, key string, fields ...string) error {
	b := a.backend()
	err := b.HDel(ctx, key, fields...)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.HDel(ctx, key, fields...)
	}
	return err
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	b := a.backend()
	v, err := b.HGetAll(ctx, key)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.HGetAll(ctx, key)
	}
	return v, err
}

func (a *Adapter) HKeys(ctx context.Context, key string) ([]string, error) {
	b := a.backend()
	v, err := b.HKeys(ctx, key)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.HKeys(ctx, key)
	}
	return v, err
}

func (a *Adapter) HExists(ctx context.Context, key, field string) (bool, error) {
	b := a.backend()
	v, err := b.HExists(ctx, key, field)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.HExists(ctx, key, field)
	}
	return v, err
}

func (a *Adapter) SAdd(ctx context.Context, key string, members ...string) error {
	b := a.backend()
	err := b.SAdd(ctx, key, members...)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.SAdd(ctx, key, members...)
	}
	return err
}

func (a *Adapter) SRem(ctx context.Context, key string, members ...string) error {
	b := a.backend()
	err := b.SRem(ctx, key, members...)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.SRem(ctx, key, members...)
	}
	return err
}

func (a *Adapter) SMembers(ctx context.Context, key string) ([]string, error) {
	b := a.backend()
	v, err := b.SMembers(ctx, key)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.SMembers(ctx, key)
	}
	return v, err
}

func (a *Adapter) LPush(ctx context.Context, key string, value []byte) error {
	b := a.backend()
	err := b.LPush(ctx, key, value)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.LPush(ctx, key, value)
	}
	return err
}

func (a *Adapter) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	b := a.backend()
	v, err := b.LRange(ctx, key, start, stop)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.LRange(ctx, key, start, stop)
	}
	return v, err
}

func (a *Adapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	b := a.backend()
	err := b.LTrim(ctx, key, start, stop)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.LTrim(ctx, key, start, stop)
	}
	return err
}

func (a *Adapter) Scan(ctx context.Context, prefix string) ([]string, error) {
	b := a.backend()
	v, err := b.Scan(ctx, prefix)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.Scan(ctx, prefix)
	}
	return v, err
}

func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	b := a.backend()
	err := b.Publish(ctx, channel, payload)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.Publish(ctx, channel, payload)
	}
	return err
}

func (a *Adapter) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b := a.backend()
	ch, err := b.Subscribe(ctx, channel)
	if a.shouldFailover(b, err) {
		a.failover(err)
		return a.memory.Subscribe(ctx, channel)
	}
	return ch, err
}

// Healthy pings the active backend, at most once per ping interval;
// between probes it reports the cached result.
func (a *Adapter) Healthy(ctx context.Context) bool {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()
	if time.Since(a.lastPing) < a.pingEvery {
		return a.lastErr == nil
	}
	b := a.backend()
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := b.Ping(pctx)
	a.lastPing = time.Now()
	a.lastErr = err
	if a.shouldFailover(b, err) {
		a.failover(err)
	}
	return err == nil
}

// ─── Registration transaction ────────────────────────────────

// ApplyRegistration lands the whole write set or none of it. Redis gets
// a MULTI/EXEC pipeline; the memory path applies sequentially and rolls
// back on the first failure.
func (a *Adapter) ApplyRegistration(ctx context.Context, op RegisterOp) error {
	b := a.backend()
	if rb, ok := b.(*redisBackend); ok {
		err := rb.applyRegistration(ctx, op)
		if err == nil {
			return nil
		}
		a.rollback(rb, op)
		if a.shouldFailover(b, err) {
			a.failover(err)
			return a.applySequential(ctx, a.memory, op)
		}
		return err
	}
	return a.applySequential(ctx, b, op)
}

func (a *Adapter) applySequential(ctx context.Context, b Backend, op RegisterOp) error {
	if err := b.Delete(ctx, op.AgentKey); err != nil {
		return err
	}
	if err := b.HSet(ctx, op.AgentKey, op.Record); err != nil {
		a.rollback(b, op)
		return err
	}
	if len(op.Metrics) > 0 {
		if err := b.HSet(ctx, op.MetricsKey, op.Metrics); err != nil {
			a.rollback(b, op)
			return err
		}
	}
	if op.EmbedKey != "" && len(op.Embedding) > 0 {
		if err := b.Set(ctx, op.EmbedKey, op.Embedding, 0); err != nil {
			a.rollback(b, op)
			return err
		}
	}
	for _, idx := range op.Indexes {
		if err := b.SAdd(ctx, idx.Key, idx.Member); err != nil {
			a.rollback(b, op)
			return err
		}
	}
	return nil
}

// rollback removes whatever part of a failed registration landed. Best
// effort on a fresh context since the caller's may already be dead.
func (a *Adapter) rollback(b Backend, op RegisterOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Delete(ctx, op.AgentKey)
	if op.MetricsKey != "" {
		b.Delete(ctx, op.MetricsKey)
	}
	if op.EmbedKey != "" {
		b.Delete(ctx, op.EmbedKey)
	}
	for _, idx := range op.Indexes {
		b.SRem(ctx, idx.Key, idx.Member)
	}
	log.Warn().Str("key", op.AgentKey).Msg("storage: registration rolled back")
}
