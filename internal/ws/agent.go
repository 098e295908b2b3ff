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

// AgentHub streams registry state to authenticated agents. The server
// opens with an auth_required frame; the client must answer with its
// token inside the auth deadline or the connection is closed.
type AgentHub struct {
	*Hub
	registry Registry
	tokens   TokenValidator
	bus      *events.Bus
}

// NewAgent builds the agent hub. met may be nil in tests.
func NewAgent(cfg HubConfig, registry Registry, tokens TokenValidator, bus *events.Bus, met *metrics.Set) *AgentHub {
	return &AgentHub{
		Hub:      newHub(cfg, met),
		registry: registry,
		tokens:   tokens,
		bus:      bus,
	}
}

// Run fans registry changes out to connected agents until ctx is
// canceled.
func (h *AgentHub) Run(ctx context.Context) {
	evs, cancel := h.bus.Subscribe(
		models.EventRegistered,
		models.EventUnregistered,
		models.EventStatusChange,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if h.ConnCount() == 0 {
				continue
			}
			h.broadcastAuthed(models.NewFrame(models.FrameAgentsUpdate, map[string]interface{}{
				"event":    ev.Kind,
				"agent_id": ev.AgentID,
				"status":   ev.Status,
			}), false)
		}
	}
}

// Handler upgrades, runs the token handshake, and serves the client.
func (h *AgentHub) Handler() http.HandlerFunc {
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

// handshake sends auth_required and waits for a frame carrying a valid
// agent or admin token.
func (h *AgentHub) handshake(ctx context.Context, c *conn) bool {
	c.send(models.NewFrame(models.FrameAuthRequired, nil), true)
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.AuthDeadline))

	for {
		raw, _, ok, err := c.readFrame()
		if err != nil {
			return false
		}
		if !ok {
			continue
		}
		var token string
		if v, found := raw["token"]; found {
			json.Unmarshal(v, &token)
		}
		if token == "" {
			c.send(models.NewFrame(models.FrameError, map[string]string{"error": "token required"}), true)
			return false
		}
		var fingerprint string
		if v, found := raw["fingerprint"]; found {
			json.Unmarshal(v, &fingerprint)
		}

		principal, err := h.tokens.Validate(ctx, token, fingerprint)
		if err != nil {
			log.Warn().Err(err).Str("remote", c.remote).Msg("ws: agent handshake rejected")
			c.send(models.NewFrame(models.FrameError, map[string]string{"error": "invalid token"}), true)
			return false
		}
		if principal.Role != models.RoleAgent && principal.Role != models.RoleAdmin {
			c.send(models.NewFrame(models.FrameError, map[string]string{"error": "agent role required"}), true)
			return false
		}

		c.principal = principal
		c.isAuthed.Store(true)
		c.ws.SetReadDeadline(time.Time{})
		c.send(models.NewFrame(models.FrameAuthOK, map[string]string{"subject": principal.Subject}), true)
		c.send(models.NewFrame(models.FrameAgents, h.agentList()), false)
		log.Info().Str("subject", principal.Subject).Str("remote", c.remote).Msg("agent hub client authenticated")
		return true
	}
}

func (h *AgentHub) serve(c *conn) {
	defer c.close(0, "")
	for {
		_, frameType, ok, err := c.readFrame()
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		switch frameType {
		case models.CtrlAgentsRequest:
			c.send(models.NewFrame(models.FrameAgents, h.agentList()), false)
		default:
			log.Debug().Str("hub", h.Name()).Str("type", frameType).Msg("ws: unknown frame type ignored")
		}
	}
}

func (h *AgentHub) agentList() []models.PublicAgent {
	all := h.registry.All()
	out := make([]models.PublicAgent, 0, len(all))
	for _, info := range all {
		out = append(out, info.PublicView())
	}
	return out
}
