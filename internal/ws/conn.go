package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/pkg/models"
)

// outFrame is one queued outbound message. Critical frames (handshake
// replies, acks, critical alerts) are never dropped; if the queue is so
// far behind that a critical frame cannot fit, the connection is closed
// as a slow consumer instead.
type outFrame struct {
	payload  []byte
	critical bool
}

// conn is one client connection. The reader goroutine belongs to the
// hub-specific serve loop; the writer is started on upgrade. They share
// the queue and the done channel, nothing else.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	remote string

	mu    sync.Mutex
	queue []outFrame
	wake  chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	missedPongs atomic.Int32
	isAuthed    atomic.Bool
	paused      atomic.Bool

	principal *models.Principal // set once during handshake, then read-only
}

func newConn(h *Hub, ws *websocket.Conn, remote string) *conn {
	return &conn{
		hub:    h,
		ws:     ws,
		remote: remote,
		queue:  make([]outFrame, 0, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *conn) authed() bool   { return c.isAuthed.Load() }
func (c *conn) isPaused() bool { return c.paused.Load() }

// enqueue appends a frame to the outbound queue without blocking. On
// overflow the oldest non-critical frame is dropped first; when every
// queued frame is critical the connection is closed as a slow consumer.
func (c *conn) enqueue(f outFrame) {
	c.mu.Lock()
	if len(c.queue) >= c.hub.cfg.QueueSize {
		dropped := false
		for i, q := range c.queue {
			if !q.critical {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			c.mu.Unlock()
			log.Warn().Str("hub", c.hub.cfg.Name).Str("remote", c.remote).Msg("ws: slow consumer, closing")
			c.close(closeSlowConsumer, "slow consumer")
			return
		}
		if c.hub.met != nil {
			c.hub.met.WSFramesDropped.WithLabelValues(c.hub.cfg.Name).Inc()
		}
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// send marshals and enqueues a frame for this connection only.
func (c *conn) send(frame models.Frame, critical bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("type", frame.Type).Msg("ws: frame encode failed")
		return
	}
	c.enqueue(outFrame{payload: payload, critical: critical})
}

// sendText enqueues a raw text payload (the bare "pong").
func (c *conn) sendText(payload string) {
	c.enqueue(outFrame{payload: []byte(payload)})
}

func (c *conn) drain() []outFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = make([]outFrame, 0, 16)
	return out
}

// writeLoop owns every write on the socket, including pings. It exits
// when the connection closes and removes it from the hub.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.hub.remove(c)
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush() // best effort: the close frame is already queued
			return
		case <-ticker.C:
			missed := c.missedPongs.Add(1)
			if int(missed) >= c.hub.cfg.PongClose {
				log.Warn().
					Str("hub", c.hub.cfg.Name).
					Str("remote", c.remote).
					Int32("missed", missed).
					Msg("ws: pong timeout, closing")
				c.close(websocket.CloseGoingAway, "pong timeout")
				continue
			}
			if int(missed) == c.hub.cfg.PongWarn {
				log.Warn().
					Str("hub", c.hub.cfg.Name).
					Str("remote", c.remote).
					Int32("missed", missed).
					Msg("ws: client missing pongs")
			}
			c.send(models.NewFrame(models.FramePing, nil), false)
		case <-c.wake:
			if !c.flush() {
				return
			}
		}
	}
}

func (c *conn) flush() bool {
	for _, f := range c.drain() {
		c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, f.payload); err != nil {
			c.close(websocket.CloseAbnormalClosure, "write failed")
			return false
		}
		if c.hub.met != nil {
			c.hub.met.WSFramesSent.WithLabelValues(c.hub.cfg.Name).Inc()
		}
	}
	return true
}

// pongReceived resets the missed-pong counter.
func (c *conn) pongReceived() {
	c.missedPongs.Store(0)
}

// close initiates shutdown exactly once: it sends the close frame
// directly (the writer may be stuck) and wakes both loops.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(c.done)
		select {
		case c.wake <- struct{}{}:
		default:
		}
		// Unblock the reader.
		c.ws.SetReadDeadline(time.Now())
	})
}

// readFrame reads one message, handling the ping/pong protocol inline.
// It returns the decoded JSON frame, or ok=false when the message was
// consumed (ping/pong/non-JSON) or the connection is gone.
func (c *conn) readFrame() (map[string]json.RawMessage, string, bool, error) {
	kind, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, "", false, err
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return nil, "", false, nil
	}

	text := string(payload)
	if text == "ping" {
		c.sendText("pong")
		return nil, "", false, nil
	}
	if text == "pong" {
		c.pongReceived()
		return nil, "", false, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Debug().Str("hub", c.hub.cfg.Name).Msg("ws: non-JSON message ignored")
		return nil, "", false, nil
	}
	var frameType string
	if t, ok := raw["type"]; ok {
		json.Unmarshal(t, &frameType)
	}
	switch frameType {
	case models.FramePing:
		c.send(models.NewFrame(models.FramePong, nil), false)
		return nil, "", false, nil
	case models.FramePong:
		c.pongReceived()
		return nil, "", false, nil
	}
	return raw, frameType, true, nil
}
