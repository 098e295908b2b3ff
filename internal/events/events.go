// Package events carries lifecycle events between the registry, the
// sweeper, and the WebSocket hubs, and mirrors them across nodes through
// the storage pub/sub channel.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

// subscriber buffers this many events before drops start.
const subscriberBuffer = 64

type subscriber struct {
	ch    chan models.Event
	kinds map[models.EventKind]bool // empty means all kinds
}

// Bus fans events out to in-process subscribers and republishes them on
// the storage channel for other nodes. Sends to subscribers never
// block; a slow subscriber loses events rather than stalling the
// registry.
type Bus struct {
	store  *storage.Adapter
	nodeID string

	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

func NewBus(store *storage.Adapter) *Bus {
	return &Bus{
		store:  store,
		nodeID: uuid.New().String(),
		subs:   make(map[int]*subscriber),
	}
}

// NodeID identifies this process on the shared channel.
func (b *Bus) NodeID() string { return b.nodeID }

// Subscribe registers a listener for the given kinds (none means all).
// The returned cancel func must be called to release the subscription.
func (b *Bus) Subscribe(kinds ...models.EventKind) (<-chan models.Event, func()) {
	sub := &subscriber{
		ch:    make(chan models.Event, subscriberBuffer),
		kinds: make(map[models.EventKind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish stamps and delivers an event locally, then mirrors it to the
// storage channel. Mirror failures are logged and swallowed; local
// delivery already happened.
func (b *Bus) Publish(ctx context.Context, ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Node == "" {
		ev.Node = b.nodeID
	}
	b.fanout(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("events: encode failed")
		return
	}
	if err := b.store.Publish(ctx, storage.EventsChannel, payload); err != nil {
		log.Debug().Err(err).Msg("events: mirror publish failed")
	}
}

func (b *Bus) fanout(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Start runs the bridge that replays events published by other nodes
// into the local subscribers. Events stamped with our own node id are
// skipped so nothing is delivered twice.
func (b *Bus) Start(ctx context.Context) error {
	ch, err := b.store.Subscribe(ctx, storage.EventsChannel)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal(payload, &ev); err != nil {
					log.Debug().Err(err).Msg("events: bad payload on shared channel")
					continue
				}
				if ev.Node == b.nodeID {
					continue
				}
				b.fanout(ev)
			}
		}
	}()
	return nil
}

// SubscriberCount reports active subscriptions for the health surface.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
