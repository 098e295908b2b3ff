package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/internal/monitor"
	"github.com/arcp-dev/arcp/pkg/models"
)

const dashboardLogTail = 100

// MonitorSource supplies the per-tick system aggregate. *sweeper.Sweeper
// implements it.
type MonitorSource interface {
	Latest() models.SystemMetrics
}

// HealthFn reports component health for the health frames. The
// composition root builds it from storage, embedder, hubs, and sweeper.
type HealthFn func(ctx context.Context) []models.ComponentHealth

// DashboardHub streams operational state to admin dashboards. The first
// client frame must carry an admin token and fingerprint; after that
// the hub pushes monitoring, health, agents, logs, and alert frames on
// their cadences and answers control frames with <type>_ack.
type DashboardHub struct {
	*Hub
	registry Registry
	tokens   TokenValidator
	monitor  MonitorSource
	health   HealthFn
	logs     *monitor.LogBuffer
	alerts   *monitor.Alerts

	monitoringEvery time.Duration
	agentsEvery     time.Duration
}

// DashboardConfig wires the dashboard hub.
type DashboardConfig struct {
	Hub                HubConfig
	MonitoringInterval time.Duration
	AgentsInterval     time.Duration
}

// NewDashboard builds the dashboard hub. met may be nil in tests.
func NewDashboard(cfg DashboardConfig, registry Registry, tokens TokenValidator, mon MonitorSource, health HealthFn, logs *monitor.LogBuffer, alerts *monitor.Alerts, met *metrics.Set) *DashboardHub {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 5 * time.Second
	}
	if cfg.AgentsInterval <= 0 {
		cfg.AgentsInterval = 15 * time.Second
	}
	return &DashboardHub{
		Hub:             newHub(cfg.Hub, met),
		registry:        registry,
		tokens:          tokens,
		monitor:         mon,
		health:          health,
		logs:            logs,
		alerts:          alerts,
		monitoringEvery: cfg.MonitoringInterval,
		agentsEvery:     cfg.AgentsInterval,
	}
}

// Run drives the periodic frames and the live alert stream until ctx is
// canceled.
func (h *DashboardHub) Run(ctx context.Context) {
	alertCh := h.alerts.Subscribe()
	defer h.alerts.Unsubscribe(alertCh)

	monTicker := time.NewTicker(h.monitoringEvery)
	defer monTicker.Stop()
	agentsTicker := time.NewTicker(h.agentsEvery)
	defer agentsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-monTicker.C:
			if h.ConnCount() == 0 {
				continue
			}
			h.broadcastAuthed(models.NewFrame(models.FrameMonitoring, h.monitor.Latest()), false)
			h.broadcastAuthed(models.NewFrame(models.FrameHealth, h.health(ctx)), false)
		case <-agentsTicker.C:
			if h.ConnCount() == 0 {
				continue
			}
			h.broadcastAuthed(models.NewFrame(models.FrameAgents, h.registry.All()), false)
			h.broadcastAuthed(models.NewFrame(models.FrameLogs, h.logs.Recent(dashboardLogTail)), false)
		case alert, ok := <-alertCh:
			if !ok {
				return
			}
			critical := alert.Severity == models.SeverityCritical
			h.broadcastAuthed(models.NewFrame(models.FrameAlert, alert), critical)
		}
	}
}

// Handler upgrades, authenticates, and serves one dashboard client.
func (h *DashboardHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := h.upgrade(w, r)
		if !ok {
			return
		}
		if !h.handshake(r.Context(), c) {
			c.close(closeUnauthorized, "authentication failed")
			return
		}
		h.serve(c)
	}
}

// handshake demands an admin token and fingerprint in the first JSON
// frame.
func (h *DashboardHub) handshake(ctx context.Context, c *conn) bool {
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.AuthDeadline))

	for {
		raw, _, ok, err := c.readFrame()
		if err != nil {
			return false
		}
		if !ok {
			continue
		}
		var token, fingerprint string
		if v, found := raw["token"]; found {
			json.Unmarshal(v, &token)
		}
		if v, found := raw["fingerprint"]; found {
			json.Unmarshal(v, &fingerprint)
		}
		if token == "" {
			c.send(models.NewFrame(models.FrameError, map[string]string{"error": "token and fingerprint required"}), true)
			return false
		}

		principal, err := h.tokens.Validate(ctx, token, fingerprint)
		if err != nil {
			log.Warn().Err(err).Str("remote", c.remote).Msg("ws: dashboard handshake rejected")
			c.send(models.NewFrame(models.FrameError, map[string]string{"error": "invalid token"}), true)
			return false
		}
		if principal.Role != models.RoleAdmin {
			c.send(models.NewFrame(models.FrameError, map[string]string{"error": "admin role required"}), true)
			return false
		}

		c.principal = principal
		c.isAuthed.Store(true)
		c.ws.SetReadDeadline(time.Time{})
		c.send(models.NewFrame(models.FrameAuthOK, map[string]string{"subject": principal.Subject}), true)
		h.pushSnapshot(ctx, c)
		log.Info().Str("subject", principal.Subject).Str("remote", c.remote).Msg("dashboard client authenticated")
		return true
	}
}

// pushSnapshot primes a fresh client with current state.
func (h *DashboardHub) pushSnapshot(ctx context.Context, c *conn) {
	c.send(models.NewFrame(models.FrameMonitoring, h.monitor.Latest()), false)
	c.send(models.NewFrame(models.FrameHealth, h.health(ctx)), false)
	c.send(models.NewFrame(models.FrameAgents, h.registry.All()), false)
	c.send(models.NewFrame(models.FrameLogs, h.logs.Recent(dashboardLogTail)), false)
}

func (h *DashboardHub) serve(c *conn) {
	defer c.close(0, "")
	ctx := context.Background()

	for {
		raw, frameType, ok, err := c.readFrame()
		if err != nil {
			return
		}
		if !ok {
			continue
		}

		switch frameType {
		case models.CtrlPauseMonitoring:
			c.paused.Store(true)
		case models.CtrlResumeMonitoring:
			c.paused.Store(false)
		case models.CtrlRefreshRequest:
			c.send(models.NewFrame(models.FrameMonitoring, h.monitor.Latest()), false)
			c.send(models.NewFrame(models.FrameHealth, h.health(ctx)), false)
		case models.CtrlAgentsRequest:
			c.send(models.NewFrame(models.FrameAgents, h.registry.All()), false)
		case models.CtrlClearLogs:
			h.logs.Clear(ctx)
		case models.CtrlClearAlerts:
			h.alerts.Clear(ctx)
		case models.CtrlDashboardLog:
			h.acceptDashboardLog(ctx, raw)
		case models.CtrlDashboardAlert:
			h.acceptDashboardAlert(ctx, raw)
		default:
			log.Debug().Str("hub", h.Name()).Str("type", frameType).Msg("ws: unknown frame type ignored")
			continue
		}
		c.send(models.NewFrame(frameType+"_ack", nil), true)
	}
}

func (h *DashboardHub) acceptDashboardLog(ctx context.Context, raw map[string]json.RawMessage) {
	level := models.LogInfo
	if v, ok := raw["level"]; ok {
		var s string
		json.Unmarshal(v, &s)
		if s != "" {
			level = models.LogLevel(s)
		}
	}
	var message string
	if v, ok := raw["message"]; ok {
		json.Unmarshal(v, &message)
	}
	if message == "" {
		return
	}
	h.logs.Append(ctx, level, "dashboard", message)
}

func (h *DashboardHub) acceptDashboardAlert(ctx context.Context, raw map[string]json.RawMessage) {
	alert := models.Alert{
		Type:     "dashboard",
		Severity: models.SeverityInfo,
		Source:   "dashboard",
	}
	if v, ok := raw["severity"]; ok {
		var s string
		json.Unmarshal(v, &s)
		if s != "" {
			alert.Severity = models.AlertSeverity(s)
		}
	}
	if v, ok := raw["title"]; ok {
		json.Unmarshal(v, &alert.Title)
	}
	if v, ok := raw["message"]; ok {
		json.Unmarshal(v, &alert.Message)
	}
	if alert.Title == "" && alert.Message == "" {
		return
	}
	h.alerts.Raise(ctx, alert)
}
