package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcp-dev/arcp/internal/relay"
	"github.com/arcp-dev/arcp/pkg/models"
)

type fakeAgents map[string]*models.AgentInfo

func (f fakeAgents) Get(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	info, ok := f[agentID]
	if !ok {
		return nil, errors.New("not found")
	}
	return info, nil
}

func agentAt(endpoint string, status models.AgentStatus) *models.AgentInfo {
	return &models.AgentInfo{
		AgentRegistration: models.AgentRegistration{
			AgentID:  "agent-1",
			Endpoint: endpoint,
		},
		Status: status,
	}
}

func fastConfig() relay.Config {
	return relay.Config{Timeout: time.Second, Attempts: 3, RetryWait: time.Millisecond}
}

func connectReq() *relay.ConnectRequest {
	return &relay.ConnectRequest{
		UserID:       "user-7",
		UserEndpoint: "https://client.example.com/callback",
		DisplayName:  "Test Client",
	}
}

func TestForwardDeliversNotification(t *testing.T) {
	var got struct {
		RequestID    string `json:"request_id"`
		UserID       string `json:"user_id"`
		UserEndpoint string `json:"user_endpoint"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connection/request" {
			t.Errorf("posted to %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode notification: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := relay.New(fastConfig(), fakeAgents{"agent-1": agentAt(srv.URL, models.AgentStatusAlive)})
	resp, err := svc.Forward(context.Background(), "agent-1", connectReq())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != "forwarded" || resp.RequestID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if got.RequestID != resp.RequestID {
		t.Fatalf("notification request_id %q != response %q", got.RequestID, resp.RequestID)
	}
	if got.UserID != "user-7" || got.UserEndpoint != "https://client.example.com/callback" {
		t.Fatalf("notification payload = %+v", got)
	}
}

func TestForwardRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := relay.New(fastConfig(), fakeAgents{"agent-1": agentAt(srv.URL, models.AgentStatusAlive)})
	if _, err := svc.Forward(context.Background(), "agent-1", connectReq()); err != nil {
		t.Fatalf("Forward should succeed on the third attempt: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
}

func TestForwardUnreachableAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := relay.New(fastConfig(), fakeAgents{"agent-1": agentAt(srv.URL, models.AgentStatusAlive)})
	_, err := svc.Forward(context.Background(), "agent-1", connectReq())

	var unreachable *relay.ErrAgentUnreachable
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want ErrAgentUnreachable", err)
	}
	if unreachable.AgentID != "agent-1" {
		t.Fatalf("unreachable agent = %q", unreachable.AgentID)
	}
}

func TestForwardDeadAgent(t *testing.T) {
	svc := relay.New(fastConfig(), fakeAgents{"agent-1": agentAt("http://127.0.0.1:1", models.AgentStatusDead)})
	_, err := svc.Forward(context.Background(), "agent-1", connectReq())

	var notAlive *relay.ErrAgentNotAlive
	if !errors.As(err, &notAlive) {
		t.Fatalf("err = %v, want ErrAgentNotAlive", err)
	}
}

func TestForwardUnknownAgentPassesThrough(t *testing.T) {
	svc := relay.New(fastConfig(), fakeAgents{})
	if _, err := svc.Forward(context.Background(), "ghost", connectReq()); err == nil {
		t.Fatal("unknown agent must surface the lookup error")
	}
}
