package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/arcp-dev/arcp/internal/events"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

func newBus(t *testing.T) (*events.Bus, *storage.Adapter) {
	t.Helper()
	store, err := storage.New(storage.Options{})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return events.NewBus(store), store
}

func recv(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus, _ := newBus(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(context.Background(), models.Event{
		Kind:    models.EventRegistered,
		AgentID: "a1",
	})
	ev := recv(t, ch)
	if ev.Kind != models.EventRegistered || ev.AgentID != "a1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Node == "" || ev.Timestamp.IsZero() {
		t.Error("event not stamped with node and timestamp")
	}
}

func TestKindFilter(t *testing.T) {
	bus, _ := newBus(t)
	ch, cancel := bus.Subscribe(models.EventRegistered)
	defer cancel()

	ctx := context.Background()
	bus.Publish(ctx, models.Event{Kind: models.EventHeartbeat, AgentID: "a1"})
	bus.Publish(ctx, models.Event{Kind: models.EventRegistered, AgentID: "a2"})

	ev := recv(t, ch)
	if ev.Kind != models.EventRegistered {
		t.Errorf("filtered subscriber got %q", ev.Kind)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus, _ := newBus(t)
	ch, cancel := bus.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after cancel", bus.SubscriberCount())
	}
}

func TestBridgeSkipsOwnEvents(t *testing.T) {
	bus, store := newBus(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch, cancel := bus.Subscribe()
	defer cancel()

	// An event stamped with our own node id must not be re-delivered
	// through the bridge.
	own, _ := json.Marshal(models.Event{
		Kind:    models.EventHeartbeat,
		AgentID: "self",
		Node:    bus.NodeID(),
	})
	store.Publish(ctx, storage.EventsChannel, own)

	foreign, _ := json.Marshal(models.Event{
		Kind:    models.EventRegistered,
		AgentID: "remote-agent",
		Node:    "other-node",
	})
	store.Publish(ctx, storage.EventsChannel, foreign)

	ev := recv(t, ch)
	if ev.AgentID != "remote-agent" {
		t.Errorf("bridge delivered %+v, want the foreign event only", ev)
	}
}
