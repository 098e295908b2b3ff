package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/arcp-dev/arcp/pkg/models"
)

// Root serves the service card.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":   "ARCP",
		"version":   h.Cfg.Version,
		"status":    "operational",
		"dashboard": "/dashboard",
		"docs":      "/docs",
	})
}

// Health serves the public liveness summary.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := h.ComponentHealth(r.Context())
	status := "healthy"
	for _, c := range components {
		if !c.Healthy {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"service":    "ARCP",
		"version":    h.Cfg.Version,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// HealthDetailed adds resource, hub, and sweeper internals for
// operators.
func (h *Handlers) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	hubs := make(map[string]int, len(h.Hubs))
	for _, hub := range h.Hubs {
		hubs[hub.Name()] = hub.ConnCount()
	}
	sessions, _ := h.Sessions.Count(r.Context())

	resp := map[string]interface{}{
		"status":        "healthy",
		"version":       h.Cfg.Version,
		"uptime_s":      int(time.Since(h.StartedAt).Seconds()),
		"components":    h.ComponentHealth(r.Context()),
		"hubs":          hubs,
		"sessions":      sessions,
		"login_buckets": h.Limiter.Len(),
		"storage":       h.Store.BackendName(),
		"timestamp":     time.Now().UTC(),
	}
	if h.Resources != nil {
		resp["resources"] = h.Resources.Snapshot(r.Context())
	}
	if h.Sweeper != nil {
		resp["sweeper"] = h.Sweeper.LastCycle()
		resp["system"] = h.Sweeper.Latest()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DashboardConfig tells the dashboard UI which cadences and limits the
// server runs with.
func (h *Handlers) DashboardConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monitoring_interval_s": h.Cfg.WS.MonitoringInterval.Seconds(),
		"stats_interval_s":      h.Cfg.WS.StatsInterval.Seconds(),
		"ping_interval_s":       h.Cfg.WS.PingInterval.Seconds(),
		"heartbeat_timeout_s":   h.Cfg.Registry.HeartbeatTimeout.Seconds(),
		"sweep_interval_s":      h.Cfg.SweepInterval().Seconds(),
		"pin_max_age_s":         h.Cfg.Auth.PinMaxAge.Seconds(),
		"allowed_agent_types":   h.Registry.AllowedTypes(),
		"alert_buffer_size":     h.Cfg.Alerts.BufferSize,
		"log_buffer_size":       h.Cfg.Alerts.LogBufferSize,
	})
}

// ComponentHealth probes every dependency. The WS dashboard hub uses the
// same function for its health frames.
func (h *Handlers) ComponentHealth(ctx context.Context) []models.ComponentHealth {
	out := []models.ComponentHealth{
		{
			Name:    "storage",
			Healthy: h.Store.Healthy(ctx),
			Detail:  h.Store.BackendName(),
		},
	}
	if h.Embedder.Enabled() {
		c := models.ComponentHealth{Name: "embedder", Healthy: true, Detail: h.Embedder.Kind()}
		if err := h.Embedder.HealthCheck(ctx); err != nil {
			c.Healthy = false
			c.Detail = err.Error()
		}
		out = append(out, c)
	} else {
		out = append(out, models.ComponentHealth{
			Name:    "embedder",
			Healthy: true,
			Detail:  "disabled, lexical ranking only",
		})
	}
	if h.Sweeper != nil {
		c := models.ComponentHealth{Name: "sweeper", Healthy: true}
		stats := h.Sweeper.LastCycle()
		if stats.Consecutive > 0 {
			c.Healthy = false
			c.Detail = "recent cycle errors"
		}
		out = append(out, c)
	}
	return out
}
