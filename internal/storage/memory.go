package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryBackend mirrors the Redis semantics over mutex-guarded maps.
// TTLs are honored lazily: expired entries are dropped on access and
// during Scan.
type memoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte            // key: raw value
	hashes map[string]map[string][]byte // key: field -> value
	sets   map[string]map[string]bool   // key: member set
	lists  map[string][][]byte          // key: newest-first entries
	expiry map[string]time.Time         // key: absolute deadline

	subMu sync.RWMutex
	subs  map[string][]*memorySub // channel name: subscribers

	closed bool
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() Backend {
	return newMemoryBackend()
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		values: make(map[string][]byte),
		hashes: make(map[string]map[string][]byte),
		sets:   make(map[string]map[string]bool),
		lists:  make(map[string][][]byte),
		expiry: make(map[string]time.Time),
		subs:   make(map[string][]*memorySub),
	}
}

// expired reports and reaps a lapsed key. Callers hold the write lock.
func (m *memoryBackend) expired(key string, now time.Time) bool {
	deadline, ok := m.expiry[key]
	if !ok || now.Before(deadline) {
		return false
	}
	m.dropLocked(key)
	return true
}

func (m *memoryBackend) dropLocked(key string) {
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.lists, key)
	delete(m.expiry, key)
}

// ─── Strings ─────────────────────────────────────────────────

func (m *memoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return nil, &ErrNotFound{Key: key}
	}
	v, ok := m.values[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *memoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(key)
	return nil
}

// ─── Hashes ──────────────────────────────────────────────────

func (m *memoryBackend) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key, time.Now())
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		c := make([]byte, len(v))
		copy(c, v)
		h[f] = c
	}
	return nil
}

func (m *memoryBackend) HGet(ctx context.Context, key, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return nil, &ErrNotFound{Key: key, Field: field}
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil, &ErrNotFound{Key: key, Field: field}
	}
	v, ok := h[field]
	if !ok {
		return nil, &ErrNotFound{Key: key, Field: field}
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memoryBackend) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *memoryBackend) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return map[string][]byte{}, nil
	}
	h, ok := m.hashes[key]
	if !ok {
		return map[string][]byte{}, nil
	}
	out := make(map[string][]byte, len(h))
	for f, v := range h {
		c := make([]byte, len(v))
		copy(c, v)
		out[f] = c
	}
	return out, nil
}

func (m *memoryBackend) HKeys(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return nil, nil
	}
	h := m.hashes[key]
	out := make([]string, 0, len(h))
	for f := range h {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryBackend) HExists(ctx context.Context, key, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return false, nil
	}
	h, ok := m.hashes[key]
	if !ok {
		return false, nil
	}
	_, ok = h[field]
	return ok, nil
}

// ─── Sets ────────────────────────────────────────────────────

func (m *memoryBackend) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key, time.Now())
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]bool, len(members))
		m.sets[key] = s
	}
	for _, mb := range members {
		s[mb] = true
	}
	return nil
}

func (m *memoryBackend) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mb := range members {
		delete(s, mb)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *memoryBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return nil, nil
	}
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mb := range s {
		out = append(out, mb)
	}
	sort.Strings(out)
	return out, nil
}

// ─── Lists ───────────────────────────────────────────────────

func (m *memoryBackend) LPush(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key, time.Now())
	v := make([]byte, len(value))
	copy(v, value)
	m.lists[key] = append([][]byte{v}, m.lists[key]...)
	return nil
}

func (m *memoryBackend) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key, time.Now()) {
		return nil, nil
	}
	l := m.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l[start : stop+1] {
		c := make([]byte, len(v))
		copy(c, v)
		out = append(out, c)
	}
	return out, nil
}

func (m *memoryBackend) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = l[start : stop+1]
	return nil
}

// ─── Scan ────────────────────────────────────────────────────

func (m *memoryBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	seen := make(map[string]bool)
	for key := range m.values {
		seen[key] = true
	}
	for key := range m.hashes {
		seen[key] = true
	}
	for key := range m.sets {
		seen[key] = true
	}
	for key := range m.lists {
		seen[key] = true
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if m.expired(key, now) {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// ─── Pub/sub ─────────────────────────────────────────────────

// Publish fans out to in-process subscribers. Sends never block: a
// subscriber that falls behind loses the payload.
func (m *memoryBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, sub := range m.subs[channel] {
		c := make([]byte, len(payload))
		copy(c, payload)
		select {
		case sub.ch <- c:
		default:
		}
	}
	return nil
}

func (m *memoryBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := &memorySub{
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		m.subMu.Lock()
		subs := m.subs[channel]
		for i, s := range subs {
			if s == sub {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.subMu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// ─── Lifecycle ───────────────────────────────────────────────

func (m *memoryBackend) Ping(ctx context.Context) error { return nil }

func (m *memoryBackend) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	m.subs = make(map[string][]*memorySub)
	return nil
}

// snapshot copies every live entry for replay into Redis after an
// outage. Expiry deadlines are preserved so TTL-bound keys stay bound.
type snapshot struct {
	values map[string][]byte
	hashes map[string]map[string][]byte
	sets   map[string][]string
	lists  map[string][][]byte
	expiry map[string]time.Time
}

func (m *memoryBackend) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	snap := snapshot{
		values: make(map[string][]byte, len(m.values)),
		hashes: make(map[string]map[string][]byte, len(m.hashes)),
		sets:   make(map[string][]string, len(m.sets)),
		lists:  make(map[string][][]byte, len(m.lists)),
		expiry: make(map[string]time.Time, len(m.expiry)),
	}
	for key, v := range m.values {
		if m.expired(key, now) {
			continue
		}
		snap.values[key] = append([]byte(nil), v...)
	}
	for key, h := range m.hashes {
		if m.expired(key, now) {
			continue
		}
		hc := make(map[string][]byte, len(h))
		for f, v := range h {
			hc[f] = append([]byte(nil), v...)
		}
		snap.hashes[key] = hc
	}
	for key, s := range m.sets {
		if m.expired(key, now) {
			continue
		}
		members := make([]string, 0, len(s))
		for mb := range s {
			members = append(members, mb)
		}
		sort.Strings(members)
		snap.sets[key] = members
	}
	for key, l := range m.lists {
		if m.expired(key, now) {
			continue
		}
		lc := make([][]byte, len(l))
		for i, v := range l {
			lc[i] = append([]byte(nil), v...)
		}
		snap.lists[key] = lc
	}
	for key, deadline := range m.expiry {
		snap.expiry[key] = deadline
	}
	return snap
}
