// Package relay forwards connection requests from discovery clients to
// an agent's registered endpoint. The server brokers the introduction
// only; client and agent negotiate everything else directly.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/pkg/models"
)

// connectionPath is appended to the agent's registered endpoint.
const connectionPath = "/connection/request"

const (
	DefaultTimeout   = 30 * time.Second
	DefaultAttempts  = 3
	DefaultRetryWait = 2 * time.Second
)

// ConnectRequest is what a discovery client submits.
type ConnectRequest struct {
	UserID         string                 `json:"user_id" validate:"required,min=1,max=128"`
	UserEndpoint   string                 `json:"user_endpoint" validate:"required,url"`
	DisplayName    string                 `json:"display_name,omitempty" validate:"omitempty,max=128"`
	AdditionalInfo map[string]interface{} `json:"additional_info,omitempty"`
}

// notification is the payload posted to the agent.
type notification struct {
	RequestID      string                 `json:"request_id"`
	UserID         string                 `json:"user_id"`
	UserEndpoint   string                 `json:"user_endpoint"`
	DisplayName    string                 `json:"display_name,omitempty"`
	AdditionalInfo map[string]interface{} `json:"additional_info,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// ConnectResponse reports the handoff outcome to the client.
type ConnectResponse struct {
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	RequestID string   `json:"request_id"`
	NextSteps []string `json:"next_steps"`
}

// ErrAgentNotAlive reports a handoff to an agent that is not accepting
// connections.
type ErrAgentNotAlive struct {
	AgentID string
	Status  models.AgentStatus
}

func (e *ErrAgentNotAlive) Error() string {
	return fmt.Sprintf("relay: agent %q is %s", e.AgentID, e.Status)
}

// ErrAgentUnreachable reports delivery failure after all attempts.
type ErrAgentUnreachable struct {
	AgentID string
	Err     error
}

func (e *ErrAgentUnreachable) Error() string {
	return fmt.Sprintf("relay: agent %q unreachable: %v", e.AgentID, e.Err)
}

func (e *ErrAgentUnreachable) Unwrap() error { return e.Err }

// AgentSource resolves agent records. *registry.Service implements it.
type AgentSource interface {
	Get(ctx context.Context, agentID string) (*models.AgentInfo, error)
}

// Config tunes delivery.
type Config struct {
	Timeout   time.Duration
	Attempts  int
	RetryWait time.Duration
}

// Service delivers connection notifications with bounded retries.
type Service struct {
	agents    AgentSource
	client    *http.Client
	attempts  int
	retryWait time.Duration
}

func New(cfg Config, agents AgentSource) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultRetryWait
	}
	return &Service{
		agents:    agents,
		client:    &http.Client{Timeout: cfg.Timeout},
		attempts:  cfg.Attempts,
		retryWait: cfg.RetryWait,
	}
}

// Forward looks up the agent, posts the connection notification to its
// endpoint, and returns the handoff receipt. Lookup errors pass through
// so the HTTP edge can map them; a dead agent and an unreachable agent
// return typed errors.
func (s *Service) Forward(ctx context.Context, agentID string, req *ConnectRequest) (*ConnectResponse, error) {
	info, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if info.Status != models.AgentStatusAlive {
		return nil, &ErrAgentNotAlive{AgentID: agentID, Status: info.Status}
	}

	requestID := uuid.NewString()
	body, err := json.Marshal(notification{
		RequestID:      requestID,
		UserID:         req.UserID,
		UserEndpoint:   req.UserEndpoint,
		DisplayName:    req.DisplayName,
		AdditionalInfo: req.AdditionalInfo,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal notification: %w", err)
	}

	url := strings.TrimRight(info.Endpoint, "/") + connectionPath
	if err := s.post(ctx, url, body); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Str("request_id", requestID).Msg("connection notification failed")
		return nil, &ErrAgentUnreachable{AgentID: agentID, Err: err}
	}

	log.Info().
		Str("agent_id", agentID).
		Str("request_id", requestID).
		Str("user_id", req.UserID).
		Msg("connection request forwarded")
	return &ConnectResponse{
		Status:    "forwarded",
		Message:   fmt.Sprintf("connection request delivered to agent %q", agentID),
		RequestID: requestID,
		NextSteps: []string{
			"await the agent's callback at user_endpoint",
			"negotiate transport and credentials directly with the agent",
		},
	}, nil
}

// post sends the payload with bounded retries. The request is rebuilt
// per attempt so the body reader is fresh each time.
func (s *Service) post(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * s.retryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", s.attempts, lastErr)
}
