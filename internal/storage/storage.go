// Package storage provides the key/hash/set store behind the registry and
// auth core. A Redis backend carries production state; an in-memory
// backend with identical semantics takes over when Redis is unreachable,
// surfaced as degraded mode. The registration write set is applied
// atomically, with compensating rollback where the backend cannot
// guarantee it.
package storage

import (
	"context"
	"fmt"
	"time"
)

// ErrNotFound reports a missing key, hash field, or list.
type ErrNotFound struct {
	Key   string
	Field string
}

func (e *ErrNotFound) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("storage: field %q of %q not found", e.Field, e.Key)
	}
	return fmt.Sprintf("storage: key %q not found", e.Key)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrNotFound)
	return ok
}

// Backend is the raw store surface. Both backends implement identical
// semantics; callers go through the Adapter, never a Backend directly.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, key string, fields map[string][]byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	HExists(ctx context.Context, key, field string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, value []byte) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Scan(ctx context.Context, prefix string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// Key layout. Agent state is hash-per-agent with set indexes; tokens and
// sessions are TTL-bound hashes.
const (
	agentPrefix     = "agent:"
	embeddingPrefix = "embed:"
	typeIndexPrefix = "idx:type:"
	capIndexPrefix  = "idx:cap:"
	metricsPrefix   = "metrics:"
	sessionPrefix   = "session:"
	tempTokenPrefix = "temptoken:"
	revokedPrefix   = "revoked:"

	// AlertsKey and LogsKey are the capped lists mirrored from the
	// in-process ring buffers.
	AlertsKey = "alerts"
	LogsKey   = "logs"

	// EventsChannel is the cross-process fan-out channel.
	EventsChannel = "arcp:events"
)

func AgentKey(id string) string      { return agentPrefix + id }
func EmbeddingKey(id string) string  { return embeddingPrefix + id }
func TypeIndexKey(t string) string   { return typeIndexPrefix + t }
func CapIndexKey(c string) string    { return capIndexPrefix + c }
func MetricsKey(id string) string    { return metricsPrefix + id }
func SessionKey(jti string) string   { return sessionPrefix + jti }
func TempTokenKey(jti string) string { return tempTokenPrefix + jti }
func RevokedKey(jti string) string   { return revokedPrefix + jti }

// AgentKeyPrefix is exposed for prefix scans during recovery.
const AgentKeyPrefix = agentPrefix

// IndexOp adds one member to one index set.
type IndexOp struct {
	Key    string
	Member string
}

// RegisterOp is the write set of one agent registration. Either every
// write lands or none remain visible.
type RegisterOp struct {
	AgentKey   string
	Record     map[string][]byte
	MetricsKey string
	Metrics    map[string][]byte
	EmbedKey   string // empty when the embedder produced nothing
	Embedding  []byte
	Indexes    []IndexOp
}
