package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/arcp-dev/arcp/internal/embeddings"
	"github.com/arcp-dev/arcp/internal/events"
	"github.com/arcp-dev/arcp/internal/monitor"
	"github.com/arcp-dev/arcp/internal/registry"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/internal/sweeper"
	"github.com/arcp-dev/arcp/pkg/models"
)

type fixture struct {
	registry *registry.Service
	alerts   *monitor.Alerts
	sweeper  *sweeper.Sweeper
}

func newFixture(t *testing.T, heartbeatTimeout time.Duration, rules []sweeper.Rule) *fixture {
	t.Helper()
	store, err := storage.New(storage.Options{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	embedder, err := embeddings.NewService(embeddings.Config{})
	if err != nil {
		t.Fatalf("embeddings.NewService: %v", err)
	}
	bus := events.NewBus(store)
	reg := registry.New(registry.Config{
		AllowedTypes:     []string{"testing"},
		HeartbeatTimeout: heartbeatTimeout,
	}, store, embedder, bus)

	alerts := monitor.NewAlerts(monitor.AlertsConfig{}, store)
	rs, err := sweeper.CompileRules(rules)
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}

	sw := sweeper.New(sweeper.Config{
		Interval:         time.Hour, // ticked manually via RunCycle
		HeartbeatTimeout: heartbeatTimeout,
	}, reg, alerts, nil, rs, nil, store, nil)

	return &fixture{registry: reg, alerts: alerts, sweeper: sw}
}

func register(t *testing.T, reg *registry.Service, agentID string) {
	t.Helper()
	r := &models.AgentRegistration{
		Name:              "Test Agent " + agentID,
		AgentID:           agentID,
		AgentType:         "testing",
		Endpoint:          "https://agents.example.com/" + agentID,
		ContextBrief:      "Summarizes long documents",
		Capabilities:      []string{"summarize"},
		Owner:             "platform-team",
		PublicKey:         "pk-0123456789abcdef0123456789abcdef",
		Version:           "1.0.0",
		CommunicationMode: models.CommRemote,
	}
	grant := &models.TempToken{
		JTI:       "jti-" + agentID,
		AgentID:   agentID,
		AgentType: "testing",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if _, err := reg.Register(context.Background(), r, grant); err != nil {
		t.Fatalf("Register(%s): %v", agentID, err)
	}
}

func TestCycleMarksDeadThenRemoves(t *testing.T) {
	fx := newFixture(t, 30*time.Millisecond, nil)
	ctx := context.Background()
	register(t, fx.registry, "agent-1")

	stats := fx.sweeper.RunCycle(ctx)
	if stats.MarkedDead != 0 || stats.Removed != 0 {
		t.Fatalf("fresh agent touched: %+v", stats)
	}

	// Past the heartbeat window but under the stale cutoff.
	time.Sleep(40 * time.Millisecond)
	stats = fx.sweeper.RunCycle(ctx)
	if stats.MarkedDead != 1 {
		t.Fatalf("marked dead = %d, want 1", stats.MarkedDead)
	}
	info, err := fx.registry.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Status != models.AgentStatusDead {
		t.Fatalf("status = %q, want dead", info.Status)
	}

	// Past twice the heartbeat window.
	time.Sleep(40 * time.Millisecond)
	stats = fx.sweeper.RunCycle(ctx)
	if stats.Removed != 1 {
		t.Fatalf("removed = %d, want 1", stats.Removed)
	}
	if _, err := fx.registry.Get(ctx, "agent-1"); err == nil {
		t.Fatal("stale agent still readable after removal")
	}
}

func TestCycleSkipsHealthyAgents(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)
	ctx := context.Background()
	register(t, fx.registry, "agent-1")
	register(t, fx.registry, "agent-2")

	stats := fx.sweeper.RunCycle(ctx)
	if stats.Scanned != 2 || stats.MarkedDead != 0 || stats.Removed != 0 {
		t.Fatalf("unexpected cycle stats: %+v", stats)
	}
}

func TestAggregateSystemMetrics(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)
	ctx := context.Background()
	register(t, fx.registry, "agent-1")
	register(t, fx.registry, "agent-2")

	if _, err := fx.registry.ReportMetrics(ctx, "agent-1", 0.5, true); err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}
	if _, err := fx.registry.ReportMetrics(ctx, "agent-2", 1.0, false); err != nil {
		t.Fatalf("ReportMetrics: %v", err)
	}
	if _, err := fx.registry.MarkDead(ctx, "agent-2"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	fx.sweeper.RunCycle(ctx)
	sys := fx.sweeper.Latest()

	if sys.TotalAgents != 2 || sys.AliveAgents != 1 || sys.DeadAgents != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", sys.TotalAgents, sys.AliveAgents, sys.DeadAgents)
	}
	if sys.AgentsByType["testing"] != 2 {
		t.Fatalf("by type = %v", sys.AgentsByType)
	}
	// One success at 0.5s and one failure at 1.0s, equal volume.
	if diff := sys.AvgResponseTime - 0.75; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg response time = %v, want 0.75", sys.AvgResponseTime)
	}
	if diff := sys.ErrorRate - 0.5; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("error rate = %v, want 0.5", sys.ErrorRate)
	}
	if sys.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestRequestRateDerivative(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)
	ctx := context.Background()
	register(t, fx.registry, "agent-1")

	fx.sweeper.RunCycle(ctx)
	if got := fx.sweeper.Latest().RequestRate; got != 0 {
		t.Fatalf("first cycle request rate = %v, want 0", got)
	}

	for i := 0; i < 5; i++ {
		if _, err := fx.registry.ReportMetrics(ctx, "agent-1", 0.1, true); err != nil {
			t.Fatalf("ReportMetrics: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	fx.sweeper.RunCycle(ctx)
	if got := fx.sweeper.Latest().RequestRate; got <= 0 {
		t.Fatalf("request rate = %v, want > 0 after new traffic", got)
	}
}

func TestRulesFireAlerts(t *testing.T) {
	rules := []sweeper.Rule{{
		Name:       "any_dead",
		Severity:   models.SeverityWarning,
		Title:      "Dead agents present",
		Message:    "At least one agent is dead",
		Expression: "dead_agents > 0",
	}}
	fx := newFixture(t, time.Minute, rules)
	ctx := context.Background()
	register(t, fx.registry, "agent-1")
	if _, err := fx.registry.MarkDead(ctx, "agent-1"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	stats := fx.sweeper.RunCycle(ctx)
	if stats.AlertsFired != 1 {
		t.Fatalf("alerts fired = %d, want 1", stats.AlertsFired)
	}
	recent := fx.alerts.Recent(10)
	if len(recent) != 1 || recent[0].Type != "any_dead" {
		t.Fatalf("recent alerts = %+v, want one any_dead", recent)
	}

	// Suppression window keeps the same rule from re-firing next tick.
	stats = fx.sweeper.RunCycle(ctx)
	if stats.AlertsFired != 0 {
		t.Fatalf("alerts fired on second tick = %d, want 0", stats.AlertsFired)
	}
}

func TestLastCycleStats(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)
	fx.sweeper.RunCycle(context.Background())

	stats := fx.sweeper.LastCycle()
	if stats.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}
	if stats.Consecutive != 0 {
		t.Fatalf("consecutive failures = %d, want 0", stats.Consecutive)
	}
}
