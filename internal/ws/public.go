package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/events"
	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/pkg/models"
)

const publicDefaultPageSize = 20

// PublicHub serves anonymous discovery clients: a welcome frame on
// connect, periodic stats and discovery broadcasts, agents_update on
// registry change, and paginated get_discovery requests.
type PublicHub struct {
	*Hub
	registry Registry
	bus      *events.Bus

	serviceName string
	version     string
	statsEvery  time.Duration
}

// PublicConfig wires the public hub.
type PublicConfig struct {
	Hub           HubConfig
	ServiceName   string
	Version       string
	StatsInterval time.Duration
}

// NewPublic builds the public hub. met may be nil in tests.
func NewPublic(cfg PublicConfig, registry Registry, bus *events.Bus, met *metrics.Set) *PublicHub {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}
	return &PublicHub{
		Hub:         newHub(cfg.Hub, met),
		registry:    registry,
		bus:         bus,
		serviceName: cfg.ServiceName,
		version:     cfg.Version,
		statsEvery:  cfg.StatsInterval,
	}
}

// Run drives the periodic broadcasts and the registry-change fan-out
// until ctx is canceled.
func (h *PublicHub) Run(ctx context.Context) {
	evs, cancel := h.bus.Subscribe(
		models.EventRegistered,
		models.EventUnregistered,
		models.EventStatusChange,
	)
	defer cancel()

	ticker := time.NewTicker(h.statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ConnCount() == 0 {
				continue
			}
			h.Broadcast(models.NewFrame(models.FrameStatsUpdate, h.publicStats()), false)
			h.Broadcast(models.NewFrame(models.FrameDiscoveryData, h.discoveryPage(1, publicDefaultPageSize)), false)
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if h.ConnCount() == 0 {
				continue
			}
			h.Broadcast(models.NewFrame(models.FrameAgentsUpdate, map[string]interface{}{
				"event":    ev.Kind,
				"agent_id": ev.AgentID,
				"agents":   h.publicAgents(),
			}), false)
		}
	}
}

// Handler upgrades and serves one public client.
func (h *PublicHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := h.upgrade(w, r)
		if !ok {
			return
		}
		c.isAuthed.Store(true) // no handshake on the public hub
		c.send(models.NewFrame(models.FrameWelcome, map[string]interface{}{
			"service": h.serviceName,
			"version": h.version,
			"message": "connected to the public discovery stream",
		}), true)
		h.serve(c)
	}
}

func (h *PublicHub) serve(c *conn) {
	defer c.close(0, "")
	for {
		raw, frameType, ok, err := c.readFrame()
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		switch frameType {
		case models.CtrlGetDiscovery:
			page, size := 1, publicDefaultPageSize
			if v, found := raw["page"]; found {
				json.Unmarshal(v, &page)
			}
			if v, found := raw["page_size"]; found {
				json.Unmarshal(v, &size)
			}
			if size < 1 || size > 100 {
				size = publicDefaultPageSize
			}
			c.send(models.NewFrame(models.FrameDiscoveryData, h.discoveryPage(page, size)), false)
		default:
			log.Debug().Str("hub", h.Name()).Str("type", frameType).Msg("ws: unknown frame type ignored")
		}
	}
}

// publicAgents returns the redacted card of every alive agent.
func (h *PublicHub) publicAgents() []models.PublicAgent {
	all := h.registry.All()
	out := make([]models.PublicAgent, 0, len(all))
	for _, info := range all {
		if info.Status != models.AgentStatusAlive {
			continue
		}
		out = append(out, info.PublicView())
	}
	return out
}

func (h *PublicHub) publicStats() map[string]interface{} {
	stats := h.registry.Stats()
	status := "healthy"
	if stats.TotalAgents > 0 && stats.AliveAgents == 0 {
		status = "degraded"
	}
	return map[string]interface{}{
		"total_agents":  stats.TotalAgents,
		"alive_agents":  stats.AliveAgents,
		"system_status": status,
	}
}

func (h *PublicHub) discoveryPage(page, size int) map[string]interface{} {
	agents := h.publicAgents()
	pg := models.NewPagination(page, size, len(agents))
	start := (pg.CurrentPage - 1) * pg.PageSize
	var slice []models.PublicAgent
	if start < len(agents) {
		end := start + pg.PageSize
		if end > len(agents) {
			end = len(agents)
		}
		slice = agents[start:end]
	} else {
		slice = []models.PublicAgent{}
	}
	return map[string]interface{}{
		"agents":     slice,
		"pagination": pg,
	}
}
