// Package monitor holds the operational surfaces the dashboard reads:
// the alert ring, the bounded log buffer, and the OS resource probe.
// Both buffers write through to storage so a restart keeps recent
// history, and both fan out to subscribers for live streaming.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

const (
	DefaultAlertCapacity     = 500
	DefaultSuppressionWindow = 5 * time.Minute
	alertSubscriberBuffer    = 64
)

// AlertsConfig tunes the alert ring.
type AlertsConfig struct {
	Capacity          int
	SuppressionWindow time.Duration
	// Windows overrides the suppression window for specific alert types.
	Windows map[string]time.Duration
}

// Alerts is a thread-safe ring of the most recent alerts with
// type+source suppression. Raise never blocks and never logs: the log
// pipeline feeds the sibling LogBuffer, and logging from here would
// loop through it.
type Alerts struct {
	cfg   AlertsConfig
	store *storage.Adapter

	mu        sync.RWMutex
	entries   []models.Alert       // oldest first
	lastFired map[string]time.Time // suppression key: last emit
	subs      map[chan models.Alert]struct{}
}

func NewAlerts(cfg AlertsConfig, store *storage.Adapter) *Alerts {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultAlertCapacity
	}
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = DefaultSuppressionWindow
	}
	return &Alerts{
		cfg:       cfg,
		store:     store,
		entries:   make([]models.Alert, 0, cfg.Capacity),
		lastFired: make(map[string]time.Time),
		subs:      make(map[chan models.Alert]struct{}),
	}
}

// Raise records an alert unless an alert with the same type and source
// fired within the suppression window. Reports whether it was emitted.
func (a *Alerts) Raise(ctx context.Context, alert models.Alert) bool {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	key := alert.Type + ":" + alert.Source
	window := a.cfg.SuppressionWindow
	if w, ok := a.cfg.Windows[alert.Type]; ok {
		window = w
	}

	a.mu.Lock()
	if last, ok := a.lastFired[key]; ok && alert.Timestamp.Sub(last) < window {
		a.mu.Unlock()
		return false
	}
	a.lastFired[key] = alert.Timestamp

	if len(a.entries) >= a.cfg.Capacity {
		a.entries = a.entries[1:]
	}
	a.entries = append(a.entries, alert)

	for ch := range a.subs {
		select {
		case ch <- alert:
		default:
		}
	}
	a.mu.Unlock()

	if blob, err := json.Marshal(&alert); err == nil {
		a.store.LPush(ctx, storage.AlertsKey, blob)
		a.store.LTrim(ctx, storage.AlertsKey, 0, int64(a.cfg.Capacity-1))
	}
	return true
}

// Recent returns up to n alerts, newest first. n <= 0 means all.
func (a *Alerts) Recent(n int) []models.Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := len(a.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.Alert, n)
	for i := 0; i < n; i++ {
		out[i] = a.entries[total-1-i]
	}
	return out
}

// Clear drops the ring, the suppression state, and the stored list.
func (a *Alerts) Clear(ctx context.Context) {
	a.mu.Lock()
	a.entries = a.entries[:0]
	a.lastFired = make(map[string]time.Time)
	a.mu.Unlock()
	a.store.Delete(ctx, storage.AlertsKey)
}

// Subscribe returns a channel fed with every emitted alert. Slow
// subscribers miss alerts instead of blocking Raise.
func (a *Alerts) Subscribe() chan models.Alert {
	ch := make(chan models.Alert, alertSubscriberBuffer)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (a *Alerts) Unsubscribe(ch chan models.Alert) {
	a.mu.Lock()
	delete(a.subs, ch)
	a.mu.Unlock()
	close(ch)
}

// Warm reloads the ring from storage, newest first on the list.
func (a *Alerts) Warm(ctx context.Context) error {
	items, err := a.store.LRange(ctx, storage.AlertsKey, 0, int64(a.cfg.Capacity-1))
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = a.entries[:0]
	for i := len(items) - 1; i >= 0; i-- {
		var alert models.Alert
		if json.Unmarshal(items[i], &alert) != nil {
			continue
		}
		a.entries = append(a.entries, alert)
	}
	return nil
}
