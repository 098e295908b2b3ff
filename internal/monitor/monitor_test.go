package monitor_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcp-dev/arcp/internal/monitor"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

func newTestStore(t *testing.T) *storage.Adapter {
	t.Helper()
	adapter, err := storage.New(storage.Options{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func testAlert(alertType, source string) models.Alert {
	return models.Alert{
		Type:     alertType,
		Severity: models.SeverityWarning,
		Title:    "test alert",
		Message:  "something happened",
		Source:   source,
	}
}

// ── Alerts ──────────────────────────────────────────────────

func TestAlertRaiseAndRecent(t *testing.T) {
	a := monitor.NewAlerts(monitor.AlertsConfig{}, newTestStore(t))
	ctx := context.Background()

	for _, typ := range []string{"cpu", "memory", "disk"} {
		if !a.Raise(ctx, testAlert(typ, "sweeper")) {
			t.Fatalf("alert %q suppressed unexpectedly", typ)
		}
	}

	recent := a.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) = %d entries", len(recent))
	}
	if recent[0].Type != "disk" || recent[1].Type != "memory" {
		t.Fatalf("order = [%s %s], want newest first", recent[0].Type, recent[1].Type)
	}
	if recent[0].ID == "" || recent[0].Timestamp.IsZero() {
		t.Fatal("alert not stamped")
	}
}

func TestAlertSuppression(t *testing.T) {
	a := monitor.NewAlerts(monitor.AlertsConfig{
		SuppressionWindow: 30 * time.Millisecond,
		Windows:           map[string]time.Duration{"pinned": time.Hour},
	}, newTestStore(t))
	ctx := context.Background()

	if !a.Raise(ctx, testAlert("cpu", "sweeper")) {
		t.Fatal("first alert suppressed")
	}
	if a.Raise(ctx, testAlert("cpu", "sweeper")) {
		t.Fatal("duplicate inside window not suppressed")
	}
	if !a.Raise(ctx, testAlert("cpu", "other-node")) {
		t.Fatal("different source must not be suppressed")
	}

	time.Sleep(40 * time.Millisecond)
	if !a.Raise(ctx, testAlert("cpu", "sweeper")) {
		t.Fatal("alert still suppressed after window elapsed")
	}

	// Per-type override holds far past the default window.
	if !a.Raise(ctx, testAlert("pinned", "sweeper")) {
		t.Fatal("first pinned alert suppressed")
	}
	time.Sleep(40 * time.Millisecond)
	if a.Raise(ctx, testAlert("pinned", "sweeper")) {
		t.Fatal("pinned override ignored")
	}
}

func TestAlertCapacity(t *testing.T) {
	a := monitor.NewAlerts(monitor.AlertsConfig{Capacity: 3}, newTestStore(t))
	ctx := context.Background()

	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		a.Raise(ctx, testAlert(typ, "test"))
	}
	recent := a.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("ring holds %d, want 3", len(recent))
	}
	if recent[0].Type != "e" || recent[2].Type != "c" {
		t.Fatalf("ring = [%s..%s], want [e..c]", recent[0].Type, recent[2].Type)
	}
}

func TestAlertSubscribe(t *testing.T) {
	a := monitor.NewAlerts(monitor.AlertsConfig{}, newTestStore(t))
	ch := a.Subscribe()

	a.Raise(context.Background(), testAlert("cpu", "sweeper"))
	select {
	case got := <-ch:
		if got.Type != "cpu" {
			t.Fatalf("subscriber got %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the alert")
	}

	a.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestAlertClearResetsSuppression(t *testing.T) {
	store := newTestStore(t)
	a := monitor.NewAlerts(monitor.AlertsConfig{SuppressionWindow: time.Hour}, store)
	ctx := context.Background()

	a.Raise(ctx, testAlert("cpu", "sweeper"))
	a.Clear(ctx)

	if len(a.Recent(0)) != 0 {
		t.Fatal("ring not cleared")
	}
	if items, _ := store.LRange(ctx, storage.AlertsKey, 0, -1); len(items) != 0 {
		t.Fatalf("stored list not cleared: %d items", len(items))
	}
	if !a.Raise(ctx, testAlert("cpu", "sweeper")) {
		t.Fatal("suppression survived Clear")
	}
}

func TestAlertWarm(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := monitor.NewAlerts(monitor.AlertsConfig{}, store)
	first.Raise(ctx, testAlert("cpu", "sweeper"))
	first.Raise(ctx, testAlert("memory", "sweeper"))

	second := monitor.NewAlerts(monitor.AlertsConfig{}, store)
	if err := second.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	recent := second.Recent(0)
	if len(recent) != 2 || recent[0].Type != "memory" || recent[1].Type != "cpu" {
		t.Fatalf("warmed ring = %v", recent)
	}
}

// ── Log buffer ──────────────────────────────────────────────

func TestLogAppendAndRecent(t *testing.T) {
	b := monitor.NewLogBuffer(monitor.LogBufferConfig{MaxMessageLen: 10}, newTestStore(t))
	ctx := context.Background()

	b.Append(ctx, models.LogInfo, "server", "first")
	b.Append(ctx, models.LogWarn, "server", "this message is far too long")

	recent := b.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("buffer holds %d, want 2", len(recent))
	}
	if recent[0].Level != models.LogWarn || recent[1].Message != "first" {
		t.Fatalf("order wrong: %+v", recent)
	}
	if !strings.HasSuffix(recent[0].Message, "…") || len([]rune(recent[0].Message)) != 11 {
		t.Fatalf("message not truncated: %q", recent[0].Message)
	}
}

func TestLogCapacity(t *testing.T) {
	b := monitor.NewLogBuffer(monitor.LogBufferConfig{Capacity: 3}, newTestStore(t))
	ctx := context.Background()

	for _, msg := range []string{"1", "2", "3", "4", "5"} {
		b.Append(ctx, models.LogInfo, "server", msg)
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	recent := b.Recent(0)
	if recent[0].Message != "5" || recent[2].Message != "3" {
		t.Fatalf("ring = [%s..%s], want [5..3]", recent[0].Message, recent[2].Message)
	}
}

func TestLogSubscribe(t *testing.T) {
	b := monitor.NewLogBuffer(monitor.LogBufferConfig{}, newTestStore(t))
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Append(context.Background(), models.LogErr, "server", "boom")
	select {
	case got := <-ch:
		if got.Message != "boom" || got.Level != models.LogErr {
			t.Fatalf("subscriber got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the entry")
	}
}

func TestLogClearAndWarm(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := monitor.NewLogBuffer(monitor.LogBufferConfig{}, store)
	b.Append(ctx, models.LogInfo, "server", "keep me")

	warmed := monitor.NewLogBuffer(monitor.LogBufferConfig{}, store)
	if err := warmed.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if warmed.Len() != 1 || warmed.Recent(1)[0].Message != "keep me" {
		t.Fatalf("warmed buffer = %v", warmed.Recent(0))
	}

	b.Clear(ctx)
	if b.Len() != 0 {
		t.Fatal("buffer not cleared")
	}
	if items, _ := store.LRange(ctx, storage.LogsKey, 0, -1); len(items) != 0 {
		t.Fatalf("stored list not cleared: %d items", len(items))
	}
}

func TestLogHookMirrorsServerLogs(t *testing.T) {
	b := monitor.NewLogBuffer(monitor.LogBufferConfig{}, newTestStore(t))
	logger := zerolog.New(io.Discard).Hook(b.Hook())

	logger.Warn().Str("agent_id", "agent-1").Msg("heartbeat late")
	logger.Error().Msg("storage ping failed")

	recent := b.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("buffer holds %d, want 2", len(recent))
	}
	if recent[0].Level != models.LogErr || recent[0].Message != "storage ping failed" {
		t.Fatalf("latest = %+v", recent[0])
	}
	if recent[1].Level != models.LogWarn {
		t.Fatalf("warn mapped to %s", recent[1].Level)
	}
	if recent[0].Source != "server" {
		t.Fatalf("source = %q", recent[0].Source)
	}
}

// ── Resources ───────────────────────────────────────────────

func TestResourcesSnapshotCaches(t *testing.T) {
	r := monitor.NewResources(time.Minute)
	ctx := context.Background()

	first := r.Snapshot(ctx)
	second := r.Snapshot(ctx)
	if first != second {
		t.Fatalf("snapshots within TTL differ: %+v vs %+v", first, second)
	}
}
