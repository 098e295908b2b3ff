package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

const (
	DefaultLogCapacity   = 10_000
	DefaultLogMessageLen = 500
	logSubscriberBuffer  = 64
)

// LogBufferConfig tunes the dashboard log buffer.
type LogBufferConfig struct {
	Capacity      int
	MaxMessageLen int
}

// LogBuffer is a thread-safe ring of the last N log entries with
// real-time streaming to subscribers. Append must never call the
// logger: the zerolog hook feeds this buffer, so a log call from here
// would recurse.
type LogBuffer struct {
	cfg   LogBufferConfig
	store *storage.Adapter

	mu      sync.RWMutex
	entries []models.LogEntry // oldest first
	subs    map[chan models.LogEntry]struct{}
}

func NewLogBuffer(cfg LogBufferConfig, store *storage.Adapter) *LogBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultLogCapacity
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = DefaultLogMessageLen
	}
	return &LogBuffer{
		cfg:     cfg,
		store:   store,
		entries: make([]models.LogEntry, 0, cfg.Capacity),
		subs:    make(map[chan models.LogEntry]struct{}),
	}
}

// Append records one entry, truncating the message to the configured
// cap, and broadcasts it without blocking.
func (b *LogBuffer) Append(ctx context.Context, level models.LogLevel, source, message string) {
	if runes := []rune(message); len(runes) > b.cfg.MaxMessageLen {
		message = string(runes[:b.cfg.MaxMessageLen]) + "…"
	}
	entry := models.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    source,
	}

	b.mu.Lock()
	if len(b.entries) >= b.cfg.Capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)

	for ch := range b.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	b.mu.Unlock()

	if blob, err := json.Marshal(&entry); err == nil {
		b.store.LPush(ctx, storage.LogsKey, blob)
		b.store.LTrim(ctx, storage.LogsKey, 0, int64(b.cfg.Capacity-1))
	}
}

// Recent returns up to n entries, newest first. n <= 0 means all.
func (b *LogBuffer) Recent(n int) []models.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[total-1-i]
	}
	return out
}

// Len reports the current entry count.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear drops the ring and the stored list.
func (b *LogBuffer) Clear(ctx context.Context) {
	b.mu.Lock()
	b.entries = b.entries[:0]
	b.mu.Unlock()
	b.store.Delete(ctx, storage.LogsKey)
}

// Subscribe returns a channel fed with new entries as they arrive.
// Call Unsubscribe when done to avoid leaks.
func (b *LogBuffer) Subscribe() chan models.LogEntry {
	ch := make(chan models.LogEntry, logSubscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *LogBuffer) Unsubscribe(ch chan models.LogEntry) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

// Warm reloads the ring from storage.
func (b *LogBuffer) Warm(ctx context.Context) error {
	items, err := b.store.LRange(ctx, storage.LogsKey, 0, int64(b.cfg.Capacity-1))
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	for i := len(items) - 1; i >= 0; i-- {
		var entry models.LogEntry
		if json.Unmarshal(items[i], &entry) != nil {
			continue
		}
		b.entries = append(b.entries, entry)
	}
	return nil
}

// ── zerolog bridge ──────────────────────────────────────────

// Hook returns a zerolog hook that mirrors every server log line into
// the buffer. Wire it once at startup:
//
//	log.Logger = log.Logger.Hook(buf.Hook())
func (b *LogBuffer) Hook() zerolog.Hook {
	return bufferHook{buf: b}
}

type bufferHook struct {
	buf *LogBuffer
}

func (h bufferHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if message == "" {
		return
	}
	h.buf.Append(context.Background(), levelFor(level), "server", message)
}

func levelFor(level zerolog.Level) models.LogLevel {
	switch level {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return models.LogDebug
	case zerolog.InfoLevel:
		return models.LogInfo
	case zerolog.WarnLevel:
		return models.LogWarn
	case zerolog.ErrorLevel:
		return models.LogErr
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return models.LogCrit
	default:
		return models.LogInfo
	}
}
