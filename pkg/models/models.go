// Package models defines the wire and domain types for the ARCP registry:
// agent records, metrics, tokens, sessions, search requests, alerts, and
// the frame envelopes exchanged over the WebSocket hubs.
package models

import (
	"encoding/json"
	"math"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

type AgentStatus string

const (
	AgentStatusAlive   AgentStatus = "alive"
	AgentStatusDead    AgentStatus = "dead"
	AgentStatusUnknown AgentStatus = "unknown"
)

type CommunicationMode string

const (
	CommRemote CommunicationMode = "remote"
	CommLocal  CommunicationMode = "local"
	CommHybrid CommunicationMode = "hybrid"
)

// AgentRequirements describes what an agent needs from its host environment.
// All fields are optional; zero values mean "no requirement".
type AgentRequirements struct {
	SystemRequirements []string `json:"system_requirements,omitempty"`
	Permissions        []string `json:"permissions,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	MinimumMemoryMB    int      `json:"minimum_memory_mb,omitempty"`
	MinimumDiskSpaceMB int      `json:"minimum_disk_space_mb,omitempty"`
	RequiresInternet   bool     `json:"requires_internet,omitempty"`
	NetworkPorts       []int    `json:"network_ports,omitempty"`
	RequiredFields     []string `json:"required_fields,omitempty"`
	OptionalFields     []string `json:"optional_fields,omitempty"`
}

// AgentRegistration is the payload an agent submits when registering.
// Validation tags are enforced at the HTTP edge; agent_type membership in
// the configured allowlist is checked separately.
type AgentRegistration struct {
	Name              string                 `json:"name" validate:"required,min=1,max=128"`
	AgentID           string                 `json:"agent_id" validate:"required,min=1,max=64"`
	AgentType         string                 `json:"agent_type" validate:"required"`
	Endpoint          string                 `json:"endpoint" validate:"required,url"`
	ContextBrief      string                 `json:"context_brief" validate:"required"`
	Capabilities      []string               `json:"capabilities" validate:"required,min=1,dive,min=1"`
	Owner             string                 `json:"owner" validate:"required"`
	PublicKey         string                 `json:"public_key" validate:"required,min=32"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Version           string                 `json:"version" validate:"required"`
	CommunicationMode CommunicationMode      `json:"communication_mode" validate:"required,oneof=remote local hybrid"`
	Features          map[string]interface{} `json:"features,omitempty"`
	MaxTokens         int                    `json:"max_tokens,omitempty" validate:"omitempty,gte=0"`
	LanguageSupport   []string               `json:"language_support,omitempty"`
	RateLimit         int                    `json:"rate_limit,omitempty" validate:"omitempty,gte=0"`
	Requirements      *AgentRequirements     `json:"requirements,omitempty"`
	PolicyTags        []string               `json:"policy_tags,omitempty"`
}

// AgentInfo is the registered record the registry owns and serves.
// The embedding never appears in JSON responses; it lives in storage and
// in the search index only.
type AgentInfo struct {
	AgentRegistration

	Status       AgentStatus   `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastSeen     time.Time     `json:"last_seen"`
	Metrics      *AgentMetrics `json:"metrics,omitempty"`

	Embedding []float64 `json:"-"`
}

// PublicView strips fields that must not leave the operator boundary:
// the public key, owner, free-form metadata, and everything in metrics
// except the reputation score.
func (a *AgentInfo) PublicView() PublicAgent {
	pub := PublicAgent{
		Name:              a.Name,
		AgentID:           a.AgentID,
		AgentType:         a.AgentType,
		ContextBrief:      a.ContextBrief,
		Capabilities:      a.Capabilities,
		Version:           a.Version,
		CommunicationMode: a.CommunicationMode,
		PolicyTags:        a.PolicyTags,
		Status:            a.Status,
		LastSeen:          a.LastSeen,
	}
	if a.Metrics != nil {
		pub.ReputationScore = a.Metrics.ReputationScore
	}
	return pub
}

// PublicAgent is the redacted agent card served on the public surface.
type PublicAgent struct {
	Name              string            `json:"name"`
	AgentID           string            `json:"agent_id"`
	AgentType         string            `json:"agent_type"`
	ContextBrief      string            `json:"context_brief"`
	Capabilities      []string          `json:"capabilities"`
	Version           string            `json:"version"`
	CommunicationMode CommunicationMode `json:"communication_mode"`
	PolicyTags        []string          `json:"policy_tags,omitempty"`
	Status            AgentStatus       `json:"status"`
	LastSeen          time.Time         `json:"last_seen"`
	ReputationScore   float64           `json:"reputation_score"`
}

// ── Metrics ──────────────────────────────────────────────────

// Reputation weights and the EWMA smoothing factor for response times.
const (
	MetricsEWMAAlpha      = 0.2
	ReputationSuccessW    = 0.6
	ReputationResponseW   = 0.3
	ReputationVolumeW     = 0.1
	ReputationVolumeScale = 1000.0
)

// AgentMetrics carries the performance counters an agent reports about
// itself. Monotonic fields never regress.
type AgentMetrics struct {
	TotalRequests   int64     `json:"total_requests"`
	SuccessCount    int64     `json:"success_count"`
	ErrorCount      int64     `json:"error_count"`
	AvgResponseTime float64   `json:"avg_response_time_s"`
	ReputationScore float64   `json:"reputation_score"`
	LastActive      time.Time `json:"last_active"`
}

// SuccessRate returns success_count / max(1, total_requests).
func (m *AgentMetrics) SuccessRate() float64 {
	total := m.TotalRequests
	if total < 1 {
		total = 1
	}
	return float64(m.SuccessCount) / float64(total)
}

// ErrorRate returns 1 - SuccessRate.
func (m *AgentMetrics) ErrorRate() float64 {
	return 1 - m.SuccessRate()
}

// Record applies one report: bumps counters, folds the response time into
// the EWMA, and recomputes the reputation score.
func (m *AgentMetrics) Record(responseTime float64, success bool, now time.Time) {
	m.TotalRequests++
	if success {
		m.SuccessCount++
	} else {
		m.ErrorCount++
	}
	if m.TotalRequests == 1 {
		m.AvgResponseTime = responseTime
	} else {
		m.AvgResponseTime = MetricsEWMAAlpha*responseTime + (1-MetricsEWMAAlpha)*m.AvgResponseTime
	}
	m.LastActive = now
	m.ReputationScore = m.computeReputation()
}

func (m *AgentMetrics) computeReputation() float64 {
	volume := math.Min(1, float64(m.TotalRequests)/ReputationVolumeScale)
	score := ReputationSuccessW*m.SuccessRate() +
		ReputationResponseW*(1/(1+m.AvgResponseTime)) +
		ReputationVolumeW*volume
	return math.Max(0, math.Min(1, score))
}

// ── Tokens & Sessions ────────────────────────────────────────

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleTemp   Role = "temp"
	RoleScrape Role = "scrape"
)

// TempToken is the single-use registration credential. Stored with a TTL;
// Consumed flips exactly once.
type TempToken struct {
	JTI         string    `json:"jti"`
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	Fingerprint string    `json:"fingerprint"`
	UsedKey     string    `json:"used_key"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"consumed"`
}

// AdminSession tracks one logged-in admin, including the optional session
// PIN that gates destructive operations.
type AdminSession struct {
	JTI            string     `json:"jti"`
	UserID         string     `json:"user_id"`
	Fingerprint    string     `json:"fingerprint"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	PinHash        string     `json:"pin_hash,omitempty"`
	PinSetAt       *time.Time `json:"pin_set_at,omitempty"`
	PinVerifiedAt  *time.Time `json:"pin_verified_at,omitempty"`
	PinAttempts    int        `json:"pin_attempts"`
	PinLockedUntil *time.Time `json:"pin_locked_until,omitempty"`
}

// Principal is the authenticated identity attached to a request after
// token validation.
type Principal struct {
	Subject     string    `json:"sub"`
	Role        Role      `json:"role"`
	AgentID     string    `json:"agent_id,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	Fingerprint string    `json:"-"`
	JTI         string    `json:"jti"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ── Search ───────────────────────────────────────────────────

const (
	SearchDefaultTopK          = 3
	SearchMaxTopK              = 100
	SearchDefaultMinSimilarity = 0.5
)

// SearchRequest is the semantic-search query payload.
type SearchRequest struct {
	Query         string   `json:"query" validate:"required,min=1"`
	TopK          *int     `json:"top_k,omitempty" validate:"omitempty,gte=0"`
	MinSimilarity *float64 `json:"min_similarity,omitempty" validate:"omitempty,gte=0,lte=1"`
	AgentType     string   `json:"agent_type,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Weighted      bool     `json:"weighted,omitempty"`
	Page          int      `json:"page,omitempty" validate:"omitempty,gte=1"`
	PageSize      int      `json:"page_size,omitempty" validate:"omitempty,gte=1,lte=100"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	AgentID      string      `json:"agent_id"`
	Name         string      `json:"name"`
	AgentType    string      `json:"agent_type"`
	Capabilities []string    `json:"capabilities"`
	ContextBrief string      `json:"context_brief"`
	Status       AgentStatus `json:"status"`
	Similarity   float64     `json:"similarity"`
	Reputation   float64     `json:"reputation,omitempty"`
	LastSeen     time.Time   `json:"last_seen"`
}

// SearchResponse carries ranked hits plus ranking metadata.
type SearchResponse struct {
	Results     []SearchResult `json:"results"`
	Mode        string         `json:"mode"` // "semantic" or "lexical"
	TopK        int            `json:"top_k"`
	TopKClamped bool           `json:"top_k_clamped,omitempty"`
	Pagination  *Pagination    `json:"pagination,omitempty"`
}

// Pagination is the shared paging envelope for list and discovery views.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	PageSize    int  `json:"page_size"`
	TotalAgents int  `json:"total_agents"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

// NewPagination computes the envelope for a total item count.
func NewPagination(page, pageSize, total int) Pagination {
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}
	pages := (total + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	return Pagination{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalAgents: total,
		TotalPages:  pages,
		HasNext:     page < pages,
		HasPrev:     page > 1,
	}
}

// ── Registry views ───────────────────────────────────────────

// ListFilter narrows registry list reads.
type ListFilter struct {
	AgentType    string
	Capabilities []string
	Status       AgentStatus
	Page         int
	PageSize     int
}

// RegistryStats is the aggregate view served on /agents/stats.
type RegistryStats struct {
	TotalAgents   int            `json:"total_agents"`
	AliveAgents   int            `json:"alive_agents"`
	DeadAgents    int            `json:"dead_agents"`
	AgentsByType  map[string]int `json:"agents_by_type"`
	AvgReputation float64        `json:"avg_reputation"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ── Alerts & Logs ────────────────────────────────────────────

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one monitoring alert held in the capped buffer and pushed to
// the dashboard hub.
type Alert struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}

type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogSucs  LogLevel = "SUCS"
	LogWarn  LogLevel = "WARN"
	LogErr   LogLevel = "ERR"
	LogCrit  LogLevel = "CRIT"
)

// LogEntry is one line of the bounded dashboard log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// ── Monitoring aggregates ────────────────────────────────────

// ResourceUtilization is the OS-level snapshot published with monitoring
// frames.
type ResourceUtilization struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	DiskPercent    float64 `json:"disk_percent"`
	NetworkSentKB  float64 `json:"network_sent_kb"`
	NetworkRecvKB  float64 `json:"network_recv_kb"`
}

// SystemMetrics is the sweeper's per-tick aggregate across all agents.
type SystemMetrics struct {
	TotalAgents     int                 `json:"total_agents"`
	AliveAgents     int                 `json:"alive_agents"`
	DeadAgents      int                 `json:"dead_agents"`
	AgentsByType    map[string]int      `json:"agents_by_type"`
	AvgResponseTime float64             `json:"avg_response_time_s"`
	RequestRate     float64             `json:"request_rate"`
	ErrorRate       float64             `json:"error_rate"`
	Resources       ResourceUtilization `json:"resources"`
	Timestamp       time.Time           `json:"timestamp"`
}

// ComponentHealth is one entry of the health frame / endpoint.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// ── Events ───────────────────────────────────────────────────

type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventUnregistered EventKind = "unregistered"
	EventHeartbeat    EventKind = "heartbeat"
	EventStatusChange EventKind = "status_change"
	EventAlert        EventKind = "alert"
)

// Event is the registry change notification fanned out to the hubs and,
// when the storage backend supports it, published cross-process.
type Event struct {
	Kind      EventKind   `json:"kind"`
	AgentID   string      `json:"agent_id,omitempty"`
	Status    AgentStatus `json:"status,omitempty"`
	Node      string      `json:"node,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ── WebSocket frames ─────────────────────────────────────────

// Frame is the JSON envelope on every hub message. Timestamp is seconds
// since epoch.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(frameType string, data interface{}) Frame {
	return Frame{Type: frameType, Timestamp: time.Now().Unix(), Data: data}
}

// Frame types sent by the server.
const (
	FrameWelcome       = "welcome"
	FrameAuthRequired  = "auth_required"
	FrameAuthOK        = "auth_ok"
	FrameStatsUpdate   = "stats_update"
	FrameDiscoveryData = "discovery_data"
	FrameAgentsUpdate  = "agents_update"
	FrameMonitoring    = "monitoring"
	FrameHealth        = "health"
	FrameAgents        = "agents"
	FrameLogs          = "logs"
	FrameAlert         = "alert"
	FramePing          = "ping"
	FramePong          = "pong"
	FrameError         = "error"
)

// Control frame types accepted from dashboard clients. Each is answered
// with "<type>_ack".
const (
	CtrlPauseMonitoring  = "pause_monitoring"
	CtrlResumeMonitoring = "resume_monitoring"
	CtrlRefreshRequest   = "refresh_request"
	CtrlAgentsRequest    = "agents_request"
	CtrlClearLogs        = "clear_logs"
	CtrlClearAlerts      = "clear_alerts"
	CtrlDashboardLog     = "dashboard_log"
	CtrlDashboardAlert   = "dashboard_alert"
	CtrlGetDiscovery     = "get_discovery"
)

// ── Storage codecs ───────────────────────────────────────────
// JSON blobs are the storage representation for records that travel
// whole. Agent metrics are stored field-by-field instead and have no
// blob codec.

func (t *TempToken) Marshal() ([]byte, error) { return json.Marshal(t) }

func UnmarshalTempToken(b []byte) (*TempToken, error) {
	var t TempToken
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *AdminSession) Marshal() ([]byte, error) { return json.Marshal(s) }

func UnmarshalAdminSession(b []byte) (*AdminSession, error) {
	var s AdminSession
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *AgentInfo) Marshal() ([]byte, error) { return json.Marshal(a) }

func UnmarshalAgentInfo(b []byte) (*AgentInfo, error) {
	var a AgentInfo
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
