// Package registry owns the agent lifecycle: registration against a
// temp grant, heartbeats, metrics reports, and removal. It keeps a warm
// in-memory mirror of every record for reads and search, with storage as
// the durable copy that survives restarts.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/embeddings"
	"github.com/arcp-dev/arcp/internal/events"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

// ── Errors ──────────────────────────────────────────────────

// ErrAgentNotFound reports a lookup miss.
type ErrAgentNotFound struct {
	AgentID string
}

func (e *ErrAgentNotFound) Error() string {
	return fmt.Sprintf("registry: agent %q not found", e.AgentID)
}

// ErrDuplicateAgent reports a registration attempt over a live agent.
type ErrDuplicateAgent struct {
	AgentID string
}

func (e *ErrDuplicateAgent) Error() string {
	return fmt.Sprintf("registry: agent %q is already registered and alive", e.AgentID)
}

// ErrTypeNotAllowed reports an agent type outside the configured set.
type ErrTypeNotAllowed struct {
	AgentType string
}

func (e *ErrTypeNotAllowed) Error() string {
	return fmt.Sprintf("registry: agent type %q is not allowed", e.AgentType)
}

// ErrGrantMismatch reports a registration whose grant was minted for a
// different agent or agent type.
type ErrGrantMismatch struct {
	GrantAgentID   string
	AgentID        string
	GrantAgentType string
	AgentType      string
}

func (e *ErrGrantMismatch) Error() string {
	if e.GrantAgentID != e.AgentID {
		return fmt.Sprintf("registry: grant was issued for %q, not %q", e.GrantAgentID, e.AgentID)
	}
	return fmt.Sprintf("registry: grant for %q was issued for type %q, not %q",
		e.AgentID, e.GrantAgentType, e.AgentType)
}

// ── Storage layout ──────────────────────────────────────────
// Each agent is a hash: the full record as one JSON blob plus scalar
// status and last_seen fields the sweeper can touch without rewriting
// the blob. Metrics live in their own hash, field per counter.

const (
	fieldInfo     = "info"
	fieldStatus   = "status"
	fieldLastSeen = "last_seen"

	mfTotal      = "total_requests"
	mfSuccess    = "success_count"
	mfErrors     = "error_count"
	mfAvgRT      = "avg_response_time"
	mfReputation = "reputation_score"
	mfLastActive = "last_active"
)

// Config tunes lifecycle policy.
type Config struct {
	AllowedTypes     []string
	HeartbeatTimeout time.Duration
}

// Service is the registry core. All mutations take a per-agent lock so
// concurrent heartbeats, metric reports, and re-registrations for one
// agent serialize while different agents proceed in parallel.
type Service struct {
	cfg      Config
	store    *storage.Adapter
	embedder *embeddings.Service
	bus      *events.Bus

	mu      sync.RWMutex
	records map[string]*models.AgentInfo // agent_id: warm mirror

	locks sync.Map // agent_id: *sync.Mutex
}

func New(cfg Config, store *storage.Adapter, embedder *embeddings.Service, bus *events.Bus) *Service {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		bus:      bus,
		records:  make(map[string]*models.AgentInfo),
	}
}

func (s *Service) agentLock(agentID string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(agentID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// TypeAllowed checks the configured agent type allowlist.
func (s *Service) TypeAllowed(agentType string) bool {
	for _, t := range s.cfg.AllowedTypes {
		if t == agentType {
			return true
		}
	}
	return false
}

// AllowedTypes returns the configured allowlist.
func (s *Service) AllowedTypes() []string {
	out := make([]string, len(s.cfg.AllowedTypes))
	copy(out, s.cfg.AllowedTypes)
	return out
}

// ── Registration ────────────────────────────────────────────

// Register admits an agent under a registration grant. The grant must
// match both the submitted agent id and agent type. A live agent
// with the same id rejects the attempt; a dead or heartbeat-stale one
// is replaced. Metrics survive re-registration so reputation carries
// over. The embedding is best effort: an embedder failure logs and the
// agent registers without a vector.
func (s *Service) Register(ctx context.Context, reg *models.AgentRegistration, grant *models.TempToken) (*models.AgentInfo, error) {
	if grant.AgentID != reg.AgentID || grant.AgentType != reg.AgentType {
		return nil, &ErrGrantMismatch{
			GrantAgentID:   grant.AgentID,
			AgentID:        reg.AgentID,
			GrantAgentType: grant.AgentType,
			AgentType:      reg.AgentType,
		}
	}
	if !s.TypeAllowed(reg.AgentType) {
		return nil, &ErrTypeNotAllowed{AgentType: reg.AgentType}
	}

	lock := s.agentLock(reg.AgentID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()

	s.mu.RLock()
	existing := s.records[reg.AgentID]
	s.mu.RUnlock()

	if existing != nil && existing.Status == models.AgentStatusAlive &&
		now.Sub(existing.LastSeen) < s.cfg.HeartbeatTimeout {
		return nil, &ErrDuplicateAgent{AgentID: reg.AgentID}
	}

	info := &models.AgentInfo{
		AgentRegistration: *reg,
		Status:            models.AgentStatusAlive,
		RegisteredAt:      now,
		LastSeen:          now,
		Metrics:           &models.AgentMetrics{LastActive: now},
	}
	if existing != nil && existing.Metrics != nil {
		m := *existing.Metrics
		info.Metrics = &m
	}

	if vec, err := s.embedder.EmbedOne(ctx, embeddingText(reg)); err != nil {
		if !errors.Is(err, embeddings.ErrDisabled) {
			log.Warn().Err(err).Str("agent_id", reg.AgentID).Msg("embedding failed, registering without vector")
		}
	} else {
		info.Embedding = vec
	}

	op, err := buildRegisterOp(info)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.dropStaleIndexes(ctx, existing, reg)
	}
	if err := s.store.ApplyRegistration(ctx, op); err != nil {
		return nil, fmt.Errorf("registry: persist registration: %w", err)
	}

	s.mu.Lock()
	s.records[reg.AgentID] = info
	s.mu.Unlock()

	log.Info().
		Str("agent_id", reg.AgentID).
		Str("agent_type", reg.AgentType).
		Bool("replaced", existing != nil).
		Bool("embedded", info.Embedding != nil).
		Msg("agent registered")

	s.bus.Publish(ctx, models.Event{
		Kind:    models.EventRegistered,
		AgentID: reg.AgentID,
		Status:  models.AgentStatusAlive,
	})
	return cloneInfo(info), nil
}

// embeddingText flattens the searchable parts of a registration into
// the text handed to the embedder.
func embeddingText(reg *models.AgentRegistration) string {
	parts := []string{reg.ContextBrief}
	if len(reg.Capabilities) > 0 {
		parts = append(parts, strings.Join(reg.Capabilities, " "))
	}
	if len(reg.Features) > 0 {
		keys := make([]string, 0, len(reg.Features))
		for k := range reg.Features {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]string, len(keys))
		for i, k := range keys {
			kv[i] = fmt.Sprintf("%s=%v", k, reg.Features[k])
		}
		parts = append(parts, strings.Join(kv, " "))
	}
	if len(reg.PolicyTags) > 0 {
		parts = append(parts, strings.Join(reg.PolicyTags, " "))
	}
	return strings.Join(parts, " | ")
}

func buildRegisterOp(info *models.AgentInfo) (storage.RegisterOp, error) {
	blob, err := info.Marshal()
	if err != nil {
		return storage.RegisterOp{}, fmt.Errorf("registry: encode record: %w", err)
	}
	op := storage.RegisterOp{
		AgentKey: storage.AgentKey(info.AgentID),
		Record: map[string][]byte{
			fieldInfo:     blob,
			fieldStatus:   []byte(info.Status),
			fieldLastSeen: []byte(info.LastSeen.Format(time.RFC3339Nano)),
		},
		MetricsKey: storage.MetricsKey(info.AgentID),
		Metrics:    metricsFields(info.Metrics),
		Indexes: []storage.IndexOp{
			{Key: storage.TypeIndexKey(info.AgentType), Member: info.AgentID},
		},
	}
	for _, cap := range info.Capabilities {
		op.Indexes = append(op.Indexes, storage.IndexOp{
			Key: storage.CapIndexKey(cap), Member: info.AgentID,
		})
	}
	if info.Embedding != nil {
		vec, err := json.Marshal(info.Embedding)
		if err != nil {
			return storage.RegisterOp{}, fmt.Errorf("registry: encode embedding: %w", err)
		}
		op.EmbedKey = storage.EmbeddingKey(info.AgentID)
		op.Embedding = vec
	}
	return op, nil
}

// dropStaleIndexes removes set memberships the new registration no
// longer claims.
func (s *Service) dropStaleIndexes(ctx context.Context, old *models.AgentInfo, reg *models.AgentRegistration) {
	if old.AgentType != reg.AgentType {
		s.store.SRem(ctx, storage.TypeIndexKey(old.AgentType), old.AgentID)
	}
	kept := make(map[string]bool, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		kept[c] = true
	}
	for _, c := range old.Capabilities {
		if !kept[c] {
			s.store.SRem(ctx, storage.CapIndexKey(c), old.AgentID)
		}
	}
}

// ── Heartbeat and metrics ───────────────────────────────────

// Heartbeat refreshes last_seen and revives a dead agent.
func (s *Service) Heartbeat(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	info := s.records[agentID]
	s.mu.RUnlock()
	if info == nil {
		return nil, &ErrAgentNotFound{AgentID: agentID}
	}

	now := time.Now()
	revived := info.Status != models.AgentStatusAlive

	s.mu.Lock()
	info.LastSeen = now
	info.Status = models.AgentStatusAlive
	s.mu.Unlock()

	err := s.store.HSet(ctx, storage.AgentKey(agentID), map[string][]byte{
		fieldStatus:   []byte(models.AgentStatusAlive),
		fieldLastSeen: []byte(now.Format(time.RFC3339Nano)),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: persist heartbeat: %w", err)
	}

	s.bus.Publish(ctx, models.Event{
		Kind:    models.EventHeartbeat,
		AgentID: agentID,
		Status:  models.AgentStatusAlive,
	})
	if revived {
		log.Info().Str("agent_id", agentID).Msg("agent revived by heartbeat")
		s.bus.Publish(ctx, models.Event{
			Kind:    models.EventStatusChange,
			AgentID: agentID,
			Status:  models.AgentStatusAlive,
		})
	}
	return cloneInfo(info), nil
}

// ReportMetrics folds one request outcome into the agent's counters.
func (s *Service) ReportMetrics(ctx context.Context, agentID string, responseTime float64, success bool) (*models.AgentMetrics, error) {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	info := s.records[agentID]
	s.mu.RUnlock()
	if info == nil {
		return nil, &ErrAgentNotFound{AgentID: agentID}
	}

	now := time.Now()
	s.mu.Lock()
	if info.Metrics == nil {
		info.Metrics = &models.AgentMetrics{}
	}
	info.Metrics.Record(responseTime, success, now)
	m := *info.Metrics
	s.mu.Unlock()

	if err := s.store.HSet(ctx, storage.MetricsKey(agentID), metricsFields(&m)); err != nil {
		return nil, fmt.Errorf("registry: persist metrics: %w", err)
	}
	return &m, nil
}

// ── Removal ─────────────────────────────────────────────────

// Unregister removes an agent and all its keys and index memberships.
func (s *Service) Unregister(ctx context.Context, agentID string) error {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	info := s.records[agentID]
	s.mu.RUnlock()
	if info == nil {
		return &ErrAgentNotFound{AgentID: agentID}
	}

	s.store.SRem(ctx, storage.TypeIndexKey(info.AgentType), agentID)
	for _, c := range info.Capabilities {
		s.store.SRem(ctx, storage.CapIndexKey(c), agentID)
	}
	s.store.Delete(ctx, storage.EmbeddingKey(agentID))
	s.store.Delete(ctx, storage.MetricsKey(agentID))
	if err := s.store.Delete(ctx, storage.AgentKey(agentID)); err != nil {
		return fmt.Errorf("registry: remove agent: %w", err)
	}

	s.mu.Lock()
	delete(s.records, agentID)
	s.mu.Unlock()
	s.locks.Delete(agentID)

	log.Info().Str("agent_id", agentID).Msg("agent unregistered")
	s.bus.Publish(ctx, models.Event{
		Kind:    models.EventUnregistered,
		AgentID: agentID,
	})
	return nil
}

// MarkDead flips an agent to dead. Reports whether the status actually
// changed. The sweeper drives this.
func (s *Service) MarkDead(ctx context.Context, agentID string) (bool, error) {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	info := s.records[agentID]
	s.mu.RUnlock()
	if info == nil {
		return false, &ErrAgentNotFound{AgentID: agentID}
	}
	if info.Status == models.AgentStatusDead {
		return false, nil
	}

	s.mu.Lock()
	info.Status = models.AgentStatusDead
	s.mu.Unlock()

	err := s.store.HSet(ctx, storage.AgentKey(agentID), map[string][]byte{
		fieldStatus: []byte(models.AgentStatusDead),
	})
	if err != nil {
		return false, fmt.Errorf("registry: persist status: %w", err)
	}

	log.Warn().Str("agent_id", agentID).Msg("agent marked dead")
	s.bus.Publish(ctx, models.Event{
		Kind:    models.EventStatusChange,
		AgentID: agentID,
		Status:  models.AgentStatusDead,
	})
	return true, nil
}

// ── Reads ───────────────────────────────────────────────────

// Get returns one agent. Mirror misses fall through to storage so a
// record written by another node is still visible here.
func (s *Service) Get(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	s.mu.RLock()
	info := s.records[agentID]
	s.mu.RUnlock()
	if info != nil {
		return cloneInfo(info), nil
	}

	info, err := s.loadOne(ctx, storage.AgentKey(agentID))
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, &ErrAgentNotFound{AgentID: agentID}
	}
	s.mu.Lock()
	s.records[agentID] = info
	s.mu.Unlock()
	return cloneInfo(info), nil
}

// List returns agents matching the filter, sorted by agent id, plus the
// total match count before pagination.
func (s *Service) List(filter models.ListFilter) ([]*models.AgentInfo, int, error) {
	all := s.All()
	matched := make([]*models.AgentInfo, 0, len(all))
	for _, info := range all {
		if filter.AgentType != "" && info.AgentType != filter.AgentType {
			continue
		}
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		if !hasAllCapabilities(info, filter.Capabilities) {
			continue
		}
		matched = append(matched, info)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].AgentID < matched[j].AgentID })

	total := len(matched)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PageSize
		if start >= total {
			return []*models.AgentInfo{}, total, nil
		}
		end := start + filter.PageSize
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func hasAllCapabilities(info *models.AgentInfo, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(info.Capabilities))
	for _, c := range info.Capabilities {
		have[c] = true
	}
	for _, c := range want {
		if !have[c] {
			return false
		}
	}
	return true
}

// All returns a cloned snapshot of every record.
func (s *Service) All() []*models.AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentInfo, 0, len(s.records))
	for _, info := range s.records {
		out = append(out, cloneInfo(info))
	}
	return out
}

// Count reports mirror size.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats aggregates the mirror for /agents/stats and the dashboard.
func (s *Service) Stats() models.RegistryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.RegistryStats{
		AgentsByType: make(map[string]int),
		Timestamp:    time.Now(),
	}
	var repSum float64
	var repN int
	for _, info := range s.records {
		stats.TotalAgents++
		switch info.Status {
		case models.AgentStatusAlive:
			stats.AliveAgents++
		case models.AgentStatusDead:
			stats.DeadAgents++
		}
		stats.AgentsByType[info.AgentType]++
		if info.Metrics != nil && info.Metrics.TotalRequests > 0 {
			repSum += info.Metrics.ReputationScore
			repN++
		}
	}
	if repN > 0 {
		stats.AvgReputation = repSum / float64(repN)
	}
	return stats
}

// ── Recovery ────────────────────────────────────────────────

// Warm rebuilds the mirror from storage. Called once at startup before
// the server accepts traffic.
func (s *Service) Warm(ctx context.Context) error {
	keys, err := s.store.Scan(ctx, storage.AgentKeyPrefix)
	if err != nil {
		return fmt.Errorf("registry: scan agents: %w", err)
	}
	loaded := 0
	for _, key := range keys {
		info, err := s.loadOne(ctx, key)
		if err != nil || info == nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping unreadable agent record")
			continue
		}
		s.mu.Lock()
		s.records[info.AgentID] = info
		s.mu.Unlock()
		loaded++
	}
	log.Info().Int("agents", loaded).Msg("registry warmed from storage")
	return nil
}

// loadOne reassembles an agent from its hash, metrics hash, and
// embedding key. The scalar status/last_seen fields win over the blob,
// which may lag behind heartbeats.
func (s *Service) loadOne(ctx context.Context, key string) (*models.AgentInfo, error) {
	rec, err := s.store.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	blob, ok := rec[fieldInfo]
	if !ok {
		return nil, nil
	}
	info, err := models.UnmarshalAgentInfo(blob)
	if err != nil {
		return nil, err
	}
	if st, ok := rec[fieldStatus]; ok {
		info.Status = models.AgentStatus(st)
	}
	if ls, ok := rec[fieldLastSeen]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, string(ls)); err == nil {
			info.LastSeen = ts
		}
	}

	if fields, err := s.store.HGetAll(ctx, storage.MetricsKey(info.AgentID)); err == nil && len(fields) > 0 {
		info.Metrics = metricsFromFields(fields)
	}
	if blob, err := s.store.Get(ctx, storage.EmbeddingKey(info.AgentID)); err == nil {
		var vec []float64
		if json.Unmarshal(blob, &vec) == nil {
			info.Embedding = vec
		}
	}
	return info, nil
}

// ── Codec helpers ───────────────────────────────────────────

func metricsFields(m *models.AgentMetrics) map[string][]byte {
	if m == nil {
		m = &models.AgentMetrics{}
	}
	return map[string][]byte{
		mfTotal:      []byte(strconv.FormatInt(m.TotalRequests, 10)),
		mfSuccess:    []byte(strconv.FormatInt(m.SuccessCount, 10)),
		mfErrors:     []byte(strconv.FormatInt(m.ErrorCount, 10)),
		mfAvgRT:      []byte(strconv.FormatFloat(m.AvgResponseTime, 'g', -1, 64)),
		mfReputation: []byte(strconv.FormatFloat(m.ReputationScore, 'g', -1, 64)),
		mfLastActive: []byte(m.LastActive.Format(time.RFC3339Nano)),
	}
}

func metricsFromFields(fields map[string][]byte) *models.AgentMetrics {
	m := &models.AgentMetrics{}
	if v, ok := fields[mfTotal]; ok {
		m.TotalRequests, _ = strconv.ParseInt(string(v), 10, 64)
	}
	if v, ok := fields[mfSuccess]; ok {
		m.SuccessCount, _ = strconv.ParseInt(string(v), 10, 64)
	}
	if v, ok := fields[mfErrors]; ok {
		m.ErrorCount, _ = strconv.ParseInt(string(v), 10, 64)
	}
	if v, ok := fields[mfAvgRT]; ok {
		m.AvgResponseTime, _ = strconv.ParseFloat(string(v), 64)
	}
	if v, ok := fields[mfReputation]; ok {
		m.ReputationScore, _ = strconv.ParseFloat(string(v), 64)
	}
	if v, ok := fields[mfLastActive]; ok {
		m.LastActive, _ = time.Parse(time.RFC3339Nano, string(v))
	}
	return m
}

func cloneInfo(info *models.AgentInfo) *models.AgentInfo {
	out := *info
	if info.Metrics != nil {
		m := *info.Metrics
		out.Metrics = &m
	}
	return &out
}
