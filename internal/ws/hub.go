// Package ws implements the three WebSocket broadcast hubs: the
// unauthenticated public hub, the token-authenticated agent hub, and the
// admin dashboard hub. All hubs share one connection model: a reader
// goroutine that decodes inbound frames and a writer goroutine that
// drains a bounded outbound queue, so a slow consumer never blocks a
// broadcaster.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/pkg/models"
)

// Defaults applied when HubConfig leaves a knob zero.
const (
	DefaultQueueSize    = 256
	DefaultPingInterval = 30 * time.Second
	DefaultWriteWait    = 10 * time.Second
	DefaultAuthDeadline = 10 * time.Second
	DefaultPongWarn     = 3
	DefaultPongClose    = 7
	shutdownGrace       = 3 * time.Second
)

// Close codes beyond the RFC set.
const (
	closeSlowConsumer = websocket.CloseTryAgainLater // 1013
	closeUnauthorized = websocket.ClosePolicyViolation
)

// Registry supplies agent snapshots to the hubs. *registry.Service
// implements it.
type Registry interface {
	All() []*models.AgentInfo
	Stats() models.RegistryStats
}

// TokenValidator authenticates hub handshakes. *auth.TokenService
// implements it.
type TokenValidator interface {
	Validate(ctx context.Context, token, fingerprint string) (*models.Principal, error)
}

// HubConfig tunes one hub instance.
type HubConfig struct {
	Name           string
	MaxConnections int
	QueueSize      int
	PingInterval   time.Duration
	WriteWait      time.Duration
	AuthDeadline   time.Duration
	PongWarn       int // missed pongs before a warning is logged
	PongClose      int // missed pongs before the connection is closed
}

func (c *HubConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = DefaultAuthDeadline
	}
	if c.PongWarn <= 0 {
		c.PongWarn = DefaultPongWarn
	}
	if c.PongClose <= 0 {
		c.PongClose = DefaultPongClose
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the HTTP middleware stack.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub is the shared connection registry under each concrete hub. It
// owns membership, fan-out, and shutdown; frame semantics live in the
// public/agent/dashboard types wrapping it.
type Hub struct {
	cfg HubConfig
	met *metrics.Set

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	closed bool
}

func newHub(cfg HubConfig, met *metrics.Set) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:   cfg,
		met:   met,
		conns: make(map[*conn]struct{}),
	}
}

// Name identifies the hub in logs and metrics.
func (h *Hub) Name() string { return h.cfg.Name }

// ConnCount reports open connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// add admits a connection, enforcing the per-hub cap.
func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.conns) >= h.cfg.MaxConnections {
		return false
	}
	h.conns[c] = struct{}{}
	if h.met != nil {
		h.met.WSConnections.WithLabelValues(h.cfg.Name).Inc()
	}
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	if ok && h.met != nil {
		h.met.WSConnections.WithLabelValues(h.cfg.Name).Dec()
	}
}

func (h *Hub) snapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast enqueues a frame on every connection. Delivery is at most
// once per connection and never blocks the caller.
func (h *Hub) Broadcast(frame models.Frame, critical bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("hub", h.cfg.Name).Str("type", frame.Type).Msg("ws: frame encode failed")
		return
	}
	for _, c := range h.snapshot() {
		c.enqueue(outFrame{payload: payload, critical: critical})
	}
}

// broadcastAuthed enqueues only on connections that completed the
// handshake. Pause suppresses the periodic frames; critical frames and
// alerts still go through.
func (h *Hub) broadcastAuthed(frame models.Frame, critical bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("hub", h.cfg.Name).Str("type", frame.Type).Msg("ws: frame encode failed")
		return
	}
	for _, c := range h.snapshot() {
		if !c.authed() {
			continue
		}
		if c.isPaused() && !critical && frame.Type != models.FrameAlert {
			continue
		}
		c.enqueue(outFrame{payload: payload, critical: critical})
	}
}

// Shutdown sends a close frame to every connection and waits out a
// short grace period for writers to drain.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	deadline := time.After(shutdownGrace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.ConnCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

// upgrade performs the HTTP→WebSocket upgrade and admits the connection
// to the hub. A full hub refuses with 503 before upgrading.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) (*conn, bool) {
	h.mu.RLock()
	full := h.closed || len(h.conns) >= h.cfg.MaxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "hub at capacity", http.StatusServiceUnavailable)
		return nil, false
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("hub", h.cfg.Name).Msg("ws: upgrade failed")
		return nil, false
	}
	c := newConn(h, ws, r.RemoteAddr)
	if !h.add(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub at capacity"),
			time.Now().Add(time.Second))
		ws.Close()
		return nil, false
	}
	go c.writeLoop()
	return c, true
}
