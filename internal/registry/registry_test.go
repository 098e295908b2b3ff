package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcp-dev/arcp/internal/embeddings"
	"github.com/arcp-dev/arcp/internal/events"
	"github.com/arcp-dev/arcp/internal/registry"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

func init() {
	embeddings.RegisterDriver("static4", func(cfg embeddings.DriverConfig) (embeddings.Driver, error) {
		return static4Driver{}, nil
	})
}

// static4Driver returns the same 4-dim vector for every text.
type static4Driver struct{}

func (static4Driver) Kind() string                          { return "static4" }
func (static4Driver) Dimensions() int                       { return 4 }
func (static4Driver) HealthCheck(ctx context.Context) error { return nil }
func (static4Driver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 2, 2, 0}
	}
	return out, nil
}

func newTestStore(t *testing.T) *storage.Adapter {
	t.Helper()
	adapter, err := storage.New(storage.Options{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func newTestService(t *testing.T, timeout time.Duration) (*registry.Service, *storage.Adapter, *events.Bus) {
	t.Helper()
	store := newTestStore(t)
	embedder, err := embeddings.NewService(embeddings.Config{})
	if err != nil {
		t.Fatalf("embeddings.NewService: %v", err)
	}
	bus := events.NewBus(store)
	svc := registry.New(registry.Config{
		AllowedTypes:     []string{"testing", "production"},
		HeartbeatTimeout: timeout,
	}, store, embedder, bus)
	return svc, store, bus
}

func testRegistration(agentID string) *models.AgentRegistration {
	return &models.AgentRegistration{
		Name:              "Test Agent " + agentID,
		AgentID:           agentID,
		AgentType:         "testing",
		Endpoint:          "https://agents.example.com/" + agentID,
		ContextBrief:      "Translates documents between languages",
		Capabilities:      []string{"translate", "summarize"},
		Owner:             "platform-team",
		PublicKey:         "pk-0123456789abcdef0123456789abcdef",
		Version:           "1.0.0",
		CommunicationMode: models.CommRemote,
	}
}

func grantFor(reg *models.AgentRegistration) *models.TempToken {
	return &models.TempToken{
		JTI:       "jti-" + reg.AgentID,
		AgentID:   reg.AgentID,
		AgentType: reg.AgentType,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func mustRegister(t *testing.T, svc *registry.Service, agentID string) *models.AgentInfo {
	t.Helper()
	reg := testRegistration(agentID)
	info, err := svc.Register(context.Background(), reg, grantFor(reg))
	if err != nil {
		t.Fatalf("Register(%s): %v", agentID, err)
	}
	return info
}

func waitEvent(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

// ── Registration ────────────────────────────────────────────

func TestRegisterAndGet(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	info := mustRegister(t, svc, "agent-1")
	if info.Status != models.AgentStatusAlive {
		t.Fatalf("status = %q, want alive", info.Status)
	}
	if info.Metrics == nil {
		t.Fatal("metrics not initialized")
	}
	if info.RegisteredAt.IsZero() || info.LastSeen.IsZero() {
		t.Fatal("timestamps not set")
	}

	got, err := svc.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "agent-1" || got.AgentType != "testing" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRegisterGrantMismatch(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)

	reg := testRegistration("agent-1")
	grant := grantFor(reg)
	grant.AgentID = "someone-else"

	_, err := svc.Register(context.Background(), reg, grant)
	var mismatch *registry.ErrGrantMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ErrGrantMismatch", err)
	}
}

func TestRegisterGrantTypeMismatch(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)

	// Both types are allowed; the grant was bought for the other one.
	reg := testRegistration("agent-1")
	reg.AgentType = "production"
	grant := grantFor(reg)
	grant.AgentType = "testing"

	_, err := svc.Register(context.Background(), reg, grant)
	var mismatch *registry.ErrGrantMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ErrGrantMismatch", err)
	}
	if mismatch.GrantAgentType != "testing" || mismatch.AgentType != "production" {
		t.Fatalf("mismatch = %+v", mismatch)
	}
}

func TestRegisterTypeNotAllowed(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)

	reg := testRegistration("agent-1")
	reg.AgentType = "rogue"
	grant := grantFor(reg)

	_, err := svc.Register(context.Background(), reg, grant)
	var notAllowed *registry.ErrTypeNotAllowed
	if !errors.As(err, &notAllowed) {
		t.Fatalf("err = %v, want ErrTypeNotAllowed", err)
	}
}

func TestRegisterDuplicateAlive(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	mustRegister(t, svc, "agent-1")

	reg := testRegistration("agent-1")
	_, err := svc.Register(context.Background(), reg, grantFor(reg))
	var dup *registry.ErrDuplicateAgent
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want ErrDuplicateAgent", err)
	}
}

func TestRegisterReplacesDead(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")

	if _, err := svc.ReportMetrics(ctx, "agent-1", 0.5, true); err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}
	if _, err := svc.MarkDead(ctx, "agent-1"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	info := mustRegister(t, svc, "agent-1")
	if info.Status != models.AgentStatusAlive {
		t.Fatalf("status = %q, want alive", info.Status)
	}
	if info.Metrics.TotalRequests != 1 {
		t.Fatalf("metrics lost on re-registration: total = %d, want 1", info.Metrics.TotalRequests)
	}
}

func TestRegisterReplacesStale(t *testing.T) {
	svc, _, _ := newTestService(t, 30*time.Millisecond)
	mustRegister(t, svc, "agent-1")

	time.Sleep(60 * time.Millisecond)

	reg := testRegistration("agent-1")
	if _, err := svc.Register(context.Background(), reg, grantFor(reg)); err != nil {
		t.Fatalf("stale agent should be replaceable: %v", err)
	}
}

func TestRegisterStoresEmbedding(t *testing.T) {
	store := newTestStore(t)
	embedder, err := embeddings.NewService(embeddings.Config{Provider: "static4"})
	if err != nil {
		t.Fatalf("embeddings.NewService: %v", err)
	}
	svc := registry.New(registry.Config{
		AllowedTypes:     []string{"testing"},
		HeartbeatTimeout: time.Minute,
	}, store, embedder, events.NewBus(store))

	reg := testRegistration("agent-1")
	info, err := svc.Register(context.Background(), reg, grantFor(reg))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(info.Embedding) != 4 {
		t.Fatalf("embedding dims = %d, want 4", len(info.Embedding))
	}
	if _, err := store.Get(context.Background(), storage.EmbeddingKey("agent-1")); err != nil {
		t.Fatalf("embedding not persisted: %v", err)
	}
}

func TestRegisterIndexes(t *testing.T) {
	svc, store, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")

	byType, err := store.SMembers(ctx, storage.TypeIndexKey("testing"))
	if err != nil || len(byType) != 1 || byType[0] != "agent-1" {
		t.Fatalf("type index = %v (%v), want [agent-1]", byType, err)
	}
	byCap, err := store.SMembers(ctx, storage.CapIndexKey("translate"))
	if err != nil || len(byCap) != 1 || byCap[0] != "agent-1" {
		t.Fatalf("capability index = %v (%v), want [agent-1]", byCap, err)
	}
}

func TestReRegisterDropsStaleIndexes(t *testing.T) {
	svc, store, _ := newTestService(t, 10*time.Millisecond)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")

	time.Sleep(20 * time.Millisecond)

	reg := testRegistration("agent-1")
	reg.AgentType = "production"
	reg.Capabilities = []string{"translate"} // drops "summarize"
	grant := grantFor(reg)
	if _, err := svc.Register(ctx, reg, grant); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	oldType, _ := store.SMembers(ctx, storage.TypeIndexKey("testing"))
	if len(oldType) != 0 {
		t.Fatalf("old type index still holds %v", oldType)
	}
	oldCap, _ := store.SMembers(ctx, storage.CapIndexKey("summarize"))
	if len(oldCap) != 0 {
		t.Fatalf("dropped capability index still holds %v", oldCap)
	}
	newType, _ := store.SMembers(ctx, storage.TypeIndexKey("production"))
	if len(newType) != 1 {
		t.Fatalf("new type index = %v, want [agent-1]", newType)
	}
}

// ── Heartbeat & metrics ─────────────────────────────────────

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	info := mustRegister(t, svc, "agent-1")

	time.Sleep(10 * time.Millisecond)
	after, err := svc.Heartbeat(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !after.LastSeen.After(info.LastSeen) {
		t.Fatal("last_seen did not advance")
	}
}

func TestHeartbeatRevivesDeadAgent(t *testing.T) {
	svc, _, bus := newTestService(t, time.Minute)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")
	if _, err := svc.MarkDead(ctx, "agent-1"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	ch, cancel := bus.Subscribe(models.EventStatusChange)
	defer cancel()

	info, err := svc.Heartbeat(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if info.Status != models.AgentStatusAlive {
		t.Fatalf("status = %q, want alive", info.Status)
	}

	ev := waitEvent(t, ch)
	if ev.AgentID != "agent-1" || ev.Status != models.AgentStatusAlive {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	_, err := svc.Heartbeat(context.Background(), "ghost")
	var notFound *registry.ErrAgentNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestReportMetrics(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")

	m, err := svc.ReportMetrics(ctx, "agent-1", 0.5, true)
	if err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}
	if m.TotalRequests != 1 || m.SuccessCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", m.TotalRequests, m.SuccessCount)
	}
	if m.AvgResponseTime != 0.5 {
		t.Fatalf("avg response time = %v, want 0.5 on first report", m.AvgResponseTime)
	}

	m, err = svc.ReportMetrics(ctx, "agent-1", 1.0, false)
	if err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}
	if m.TotalRequests != 2 || m.ErrorCount != 1 {
		t.Fatalf("counters = %d errors %d, want 2/1", m.TotalRequests, m.ErrorCount)
	}
	// EWMA with alpha 0.2: 0.2*1.0 + 0.8*0.5
	if diff := m.AvgResponseTime - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg response time = %v, want 0.6", m.AvgResponseTime)
	}
	if m.ReputationScore < 0 || m.ReputationScore > 1 {
		t.Fatalf("reputation %v out of range", m.ReputationScore)
	}

	_, err = svc.ReportMetrics(ctx, "ghost", 1.0, true)
	var notFound *registry.ErrAgentNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

// ── Removal ─────────────────────────────────────────────────

func TestUnregister(t *testing.T) {
	svc, store, bus := newTestService(t, time.Minute)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")

	ch, cancel := bus.Subscribe(models.EventUnregistered)
	defer cancel()

	if err := svc.Unregister(ctx, "agent-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := svc.Get(ctx, "agent-1"); err == nil {
		t.Fatal("agent still readable after unregister")
	}
	rec, err := store.HGetAll(ctx, storage.AgentKey("agent-1"))
	if err == nil && len(rec) > 0 {
		t.Fatalf("agent hash still in storage: %v", rec)
	}
	byType, _ := store.SMembers(ctx, storage.TypeIndexKey("testing"))
	if len(byType) != 0 {
		t.Fatalf("type index still holds %v", byType)
	}

	ev := waitEvent(t, ch)
	if ev.AgentID != "agent-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := svc.Unregister(ctx, "agent-1"); err == nil {
		t.Fatal("second unregister should fail")
	}
}

func TestMarkDead(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	mustRegister(t, svc, "agent-1")

	changed, err := svc.MarkDead(ctx, "agent-1")
	if err != nil || !changed {
		t.Fatalf("MarkDead = %v, %v; want true, nil", changed, err)
	}
	changed, err = svc.MarkDead(ctx, "agent-1")
	if err != nil || changed {
		t.Fatalf("second MarkDead = %v, %v; want false, nil", changed, err)
	}

	info, err := svc.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Status != models.AgentStatusDead {
		t.Fatalf("status = %q, want dead", info.Status)
	}
}

// ── Reads ───────────────────────────────────────────────────

func TestListFilters(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	mustRegister(t, svc, "agent-a")
	mustRegister(t, svc, "agent-b")

	reg := testRegistration("agent-c")
	reg.AgentType = "production"
	reg.Capabilities = []string{"classify"}
	if _, err := svc.Register(ctx, reg, grantFor(reg)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.MarkDead(ctx, "agent-b"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	all, total, err := svc.List(models.ListFilter{})
	if err != nil || total != 3 || len(all) != 3 {
		t.Fatalf("List all = %d/%d (%v), want 3/3", len(all), total, err)
	}
	if all[0].AgentID != "agent-a" || all[2].AgentID != "agent-c" {
		t.Fatalf("not sorted by agent id: %s..%s", all[0].AgentID, all[2].AgentID)
	}

	alive, total, _ := svc.List(models.ListFilter{Status: models.AgentStatusAlive})
	if total != 2 || len(alive) != 2 {
		t.Fatalf("alive = %d, want 2", total)
	}

	prod, total, _ := svc.List(models.ListFilter{AgentType: "production"})
	if total != 1 || prod[0].AgentID != "agent-c" {
		t.Fatalf("production = %v, want [agent-c]", prod)
	}

	_, total, _ = svc.List(models.ListFilter{Capabilities: []string{"translate", "summarize"}})
	if total != 2 {
		t.Fatalf("capability filter total = %d, want 2", total)
	}

	page, total, _ := svc.List(models.ListFilter{Page: 2, PageSize: 2})
	if total != 3 || len(page) != 1 || page[0].AgentID != "agent-c" {
		t.Fatalf("page 2 = %v (total %d), want [agent-c] of 3", page, total)
	}

	empty, total, _ := svc.List(models.ListFilter{Page: 9, PageSize: 2})
	if total != 3 || len(empty) != 0 {
		t.Fatalf("out-of-range page = %v, want empty", empty)
	}
}

func TestStats(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	mustRegister(t, svc, "agent-a")
	mustRegister(t, svc, "agent-b")
	if _, err := svc.MarkDead(ctx, "agent-b"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	if _, err := svc.ReportMetrics(ctx, "agent-a", 0.1, true); err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}

	stats := svc.Stats()
	if stats.TotalAgents != 2 || stats.AliveAgents != 1 || stats.DeadAgents != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AgentsByType["testing"] != 2 {
		t.Fatalf("by type = %v", stats.AgentsByType)
	}
	if stats.AvgReputation <= 0 {
		t.Fatalf("avg reputation = %v, want > 0", stats.AvgReputation)
	}
}

// ── Recovery ────────────────────────────────────────────────

func TestWarmRebuildsMirror(t *testing.T) {
	store := newTestStore(t)
	embedder, _ := embeddings.NewService(embeddings.Config{})
	bus := events.NewBus(store)
	cfg := registry.Config{AllowedTypes: []string{"testing"}, HeartbeatTimeout: time.Minute}

	first := registry.New(cfg, store, embedder, bus)
	reg := testRegistration("agent-1")
	if _, err := first.Register(context.Background(), reg, grantFor(reg)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := first.ReportMetrics(context.Background(), "agent-1", 0.25, true); err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}
	if _, err := first.MarkDead(context.Background(), "agent-1"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	second := registry.New(cfg, store, embedder, bus)
	if err := second.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if second.Count() != 1 {
		t.Fatalf("mirror size = %d, want 1", second.Count())
	}

	info, err := second.Get(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// The scalar status field wins over the stale JSON blob.
	if info.Status != models.AgentStatusDead {
		t.Fatalf("status = %q, want dead after warm", info.Status)
	}
	if info.Metrics == nil || info.Metrics.TotalRequests != 1 {
		t.Fatalf("metrics not restored: %+v", info.Metrics)
	}
}

func TestGetLazyLoadsFromStorage(t *testing.T) {
	store := newTestStore(t)
	embedder, _ := embeddings.NewService(embeddings.Config{})
	bus := events.NewBus(store)
	cfg := registry.Config{AllowedTypes: []string{"testing"}, HeartbeatTimeout: time.Minute}

	first := registry.New(cfg, store, embedder, bus)
	reg := testRegistration("agent-1")
	if _, err := first.Register(context.Background(), reg, grantFor(reg)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cold := registry.New(cfg, store, embedder, bus)
	info, err := cold.Get(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("Get on cold mirror: %v", err)
	}
	if info.AgentID != "agent-1" {
		t.Fatalf("unexpected record: %+v", info)
	}
}
