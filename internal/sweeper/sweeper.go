// Package sweeper drives the time-based side of the registry: marking
// agents dead when they miss their heartbeat window, removing agents
// stale beyond recovery, aggregating system metrics, and evaluating the
// configurable alert rules each tick.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/auth"
	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/internal/monitor"
	"github.com/arcp-dev/arcp/internal/registry"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

// DefaultFailureThreshold is how many consecutive failed ticks raise a
// critical alert.
const DefaultFailureThreshold = 3

// Config tunes the sweep cycle. Agents are removed entirely once their
// staleness exceeds RemoveFactor times the heartbeat timeout.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	RemoveFactor     int
	FailureThreshold int
}

// CycleStats summarizes one tick for logging and the health surface.
type CycleStats struct {
	Scanned      int           `json:"scanned"`
	MarkedDead   int           `json:"marked_dead"`
	Removed      int           `json:"removed"`
	AlertsFired  int           `json:"alerts_fired"`
	Errors       int           `json:"errors"`
	Elapsed      time.Duration `json:"elapsed"`
	CompletedAt  time.Time     `json:"completed_at"`
	Consecutive  int           `json:"consecutive_failures"`
	PrunedLimits int           `json:"pruned_limit_buckets"`
}

// Sweeper is the single periodic mutator over the registry.
type Sweeper struct {
	cfg       Config
	registry  *registry.Service
	alerts    *monitor.Alerts
	resources *monitor.Resources
	rules     *RuleSet
	limiter   *auth.Limiter
	store     *storage.Adapter
	met       *metrics.Set

	mu           sync.RWMutex
	latest       models.SystemMetrics
	lastStats    CycleStats
	prevRequests int64
	prevTick     time.Time
	failures     int
}

// New builds the sweeper. limiter and met may be nil in tests.
func New(cfg Config, reg *registry.Service, alerts *monitor.Alerts, resources *monitor.Resources, rules *RuleSet, limiter *auth.Limiter, store *storage.Adapter, met *metrics.Set) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	if cfg.RemoveFactor < 2 {
		cfg.RemoveFactor = 2
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Sweeper{
		cfg:       cfg,
		registry:  reg,
		alerts:    alerts,
		resources: resources,
		rules:     rules,
		limiter:   limiter,
		store:     store,
		met:       met,
	}
}

// Start runs the sweep loop until ctx is canceled. The first cycle runs
// immediately so a restarted server converges without waiting a full
// interval.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).
		Dur("stale_threshold", time.Duration(s.cfg.RemoveFactor)*s.cfg.HeartbeatTimeout).
		Int("rules", s.rules.Len()).
		Msg("sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// Latest returns the most recent system aggregate. The dashboard hub
// reads this on its own cadence.
func (s *Sweeper) Latest() models.SystemMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// LastCycle returns the stats of the most recent tick.
func (s *Sweeper) LastCycle() CycleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStats
}

// RunCycle executes one sweep. Exported so tests can tick deterministically.
func (s *Sweeper) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{}

	agents := s.registry.All()
	stats.Scanned = len(agents)
	now := time.Now()
	staleCutoff := time.Duration(s.cfg.RemoveFactor) * s.cfg.HeartbeatTimeout

	for _, info := range agents {
		idle := now.Sub(info.LastSeen)
		switch {
		case idle > staleCutoff:
			if err := s.registry.Unregister(ctx, info.AgentID); err != nil {
				log.Warn().Err(err).Str("agent_id", info.AgentID).Msg("sweeper: stale agent removal failed")
				stats.Errors++
				continue
			}
			log.Info().Str("agent_id", info.AgentID).Dur("idle", idle).Msg("sweeper: stale agent removed")
			stats.Removed++
		case idle > s.cfg.HeartbeatTimeout && info.Status == models.AgentStatusAlive:
			changed, err := s.registry.MarkDead(ctx, info.AgentID)
			if err != nil {
				log.Warn().Err(err).Str("agent_id", info.AgentID).Msg("sweeper: mark dead failed")
				stats.Errors++
				continue
			}
			if changed {
				stats.MarkedDead++
			}
		}
	}

	sys := s.aggregate(ctx, now)
	env := Env{
		CPUPercent:      sys.Resources.CPUPercent,
		MemoryPercent:   sys.Resources.MemoryPercent,
		DiskPercent:     sys.Resources.DiskPercent,
		TotalAgents:     sys.TotalAgents,
		AliveAgents:     sys.AliveAgents,
		DeadAgents:      sys.DeadAgents,
		ErrorRate:       sys.ErrorRate,
		AvgResponseTime: sys.AvgResponseTime,
		RequestRate:     sys.RequestRate,
		StorageFallback: s.store.UsingFallback(),
	}
	for _, alert := range s.rules.Evaluate(env) {
		if s.alerts.Raise(ctx, alert) {
			stats.AlertsFired++
			if s.met != nil {
				s.met.AlertsRaised.WithLabelValues(string(alert.Severity)).Inc()
			}
		}
	}

	if s.limiter != nil {
		stats.PrunedLimits = s.limiter.Prune()
	}

	stats.Elapsed = time.Since(start)
	stats.CompletedAt = time.Now()

	s.mu.Lock()
	s.latest = sys
	if stats.Errors > 0 {
		s.failures++
	} else {
		s.failures = 0
	}
	stats.Consecutive = s.failures
	s.lastStats = stats
	failures := s.failures
	s.mu.Unlock()

	if s.met != nil {
		s.met.SweeperTicks.Inc()
		if stats.Errors > 0 {
			s.met.SweeperFailures.Inc()
		}
	}
	if failures >= s.cfg.FailureThreshold {
		s.alerts.Raise(ctx, models.Alert{
			Type:     "sweeper_failing",
			Severity: models.SeverityCritical,
			Title:    "Sweeper failing repeatedly",
			Message:  "The liveness sweeper has failed several consecutive cycles; agent state may be stale",
			Source:   "sweeper",
		})
	}

	if stats.MarkedDead > 0 || stats.Removed > 0 || stats.Errors > 0 {
		log.Info().
			Int("scanned", stats.Scanned).
			Int("marked_dead", stats.MarkedDead).
			Int("removed", stats.Removed).
			Int("errors", stats.Errors).
			Dur("elapsed", stats.Elapsed).
			Msg("sweep cycle complete")
	}
	return stats
}

// aggregate folds the registry snapshot and OS probes into one
// SystemMetrics. The request rate is the derivative of total requests
// between ticks.
func (s *Sweeper) aggregate(ctx context.Context, now time.Time) models.SystemMetrics {
	sys := models.SystemMetrics{
		AgentsByType: make(map[string]int),
		Timestamp:    now,
	}

	var totalRequests, totalErrors int64
	var weightedRT float64
	for _, info := range s.registry.All() {
		sys.TotalAgents++
		switch info.Status {
		case models.AgentStatusAlive:
			sys.AliveAgents++
		case models.AgentStatusDead:
			sys.DeadAgents++
		}
		sys.AgentsByType[info.AgentType]++
		if info.Metrics == nil {
			continue
		}
		totalRequests += info.Metrics.TotalRequests
		totalErrors += info.Metrics.ErrorCount
		weightedRT += info.Metrics.AvgResponseTime * float64(info.Metrics.TotalRequests)
	}
	if totalRequests > 0 {
		sys.AvgResponseTime = weightedRT / float64(totalRequests)
		sys.ErrorRate = float64(totalErrors) / float64(totalRequests)
	}

	s.mu.Lock()
	if !s.prevTick.IsZero() {
		dt := now.Sub(s.prevTick).Seconds()
		if dt > 0 && totalRequests >= s.prevRequests {
			sys.RequestRate = float64(totalRequests-s.prevRequests) / dt
		}
	}
	s.prevRequests = totalRequests
	s.prevTick = now
	s.mu.Unlock()

	if s.resources != nil {
		sys.Resources = s.resources.Snapshot(ctx)
	}
	return sys
}
