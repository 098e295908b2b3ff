package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arcp-dev/arcp/pkg/models"
)

// wsPair upgrades one connection on an ephemeral server and returns the
// server-side wrapper and the client socket. The write loop is not
// started, so the outbound queue stays where enqueue left it.
func wsPair(t *testing.T, h *Hub) (*conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(h, ws, r.RemoteAddr)
		h.add(c)
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-connCh:
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func TestEnqueueDropsOldestNonCritical(t *testing.T) {
	h := newHub(HubConfig{Name: "test", MaxConnections: 1, QueueSize: 3}, nil)
	c, _ := wsPair(t, h)

	c.enqueue(outFrame{payload: []byte("a")})
	c.enqueue(outFrame{payload: []byte("b"), critical: true})
	c.enqueue(outFrame{payload: []byte("c")})
	c.enqueue(outFrame{payload: []byte("d")})

	got := c.drain()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("queue length = %d, want %d", len(got), len(want))
	}
	for i, f := range got {
		if string(f.payload) != want[i] {
			t.Fatalf("frame %d = %q, want %q", i, f.payload, want[i])
		}
	}
	select {
	case <-c.done:
		t.Fatal("connection closed although a droppable frame existed")
	default:
	}
}

func TestEnqueueClosesSlowConsumer(t *testing.T) {
	h := newHub(HubConfig{Name: "test", MaxConnections: 1, QueueSize: 2}, nil)
	c, client := wsPair(t, h)

	c.enqueue(outFrame{payload: []byte("a"), critical: true})
	c.enqueue(outFrame{payload: []byte("b"), critical: true})
	c.enqueue(outFrame{payload: []byte("c"), critical: true})

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("overflow of an all-critical queue did not close the connection")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("client read err = %v, want close 1013", err)
	}
}

func TestPausedConnectionStillGetsAlerts(t *testing.T) {
	h := newHub(HubConfig{Name: "test", MaxConnections: 1, QueueSize: 8}, nil)
	c, _ := wsPair(t, h)
	c.isAuthed.Store(true)
	c.paused.Store(true)

	h.broadcastAuthed(models.NewFrame(models.FrameMonitoring, nil), false)
	h.broadcastAuthed(models.NewFrame(models.FrameAlert,
		models.Alert{Severity: models.SeverityWarning, Title: "disk filling"}), false)

	got := c.drain()
	if len(got) != 1 {
		t.Fatalf("queued frames = %d, want only the alert", len(got))
	}
	if !strings.Contains(string(got[0].payload), `"`+models.FrameAlert+`"`) {
		t.Fatalf("queued frame = %s, want an alert frame", got[0].payload)
	}
}
