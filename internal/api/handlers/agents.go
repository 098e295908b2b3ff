package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/api/middleware"
	"github.com/arcp-dev/arcp/pkg/models"
	"github.com/arcp-dev/arcp/pkg/problem"
)

// RegisterAgent consumes the temp token and creates the agent record.
// The response carries the agent's working token.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Tokens.TempClaims(middleware.BearerToken(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var reg models.AgentRegistration
	if pb := h.decode(r, &reg); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	if !h.Registry.TypeAllowed(reg.AgentType) {
		problem.Write(w, r, problem.New(problem.KindValidation,
			"agent type "+reg.AgentType+" is not allowed"))
		return
	}

	// Consumption happens before the registry write; the grant is burned
	// even when registration fails, matching its single-use contract.
	grant, err := h.Tokens.ConsumeTemp(r.Context(), claims.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	info, err := h.Registry.Register(r.Context(), &reg, grant)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	token, tokenClaims, err := h.Tokens.MintAgent(info.AgentID, []string{"agent"})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	log.Info().Str("agent_id", info.AgentID).Str("agent_type", info.AgentType).Msg("agent registered")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent":        info,
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   tokenClaims.ExpiresAt.Time,
	})
}

// Heartbeat refreshes an agent's liveness.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	info, err := h.Registry.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    info.Status,
		"last_seen": info.LastSeen,
	})
}

type metricsReport struct {
	ResponseTime float64 `json:"response_time_s" validate:"gte=0"`
	Success      bool    `json:"success"`
}

// ReportMetrics folds one request report into the agent's counters.
func (h *Handlers) ReportMetrics(w http.ResponseWriter, r *http.Request) {
	var req metricsReport
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	m, err := h.Registry.ReportMetrics(r.Context(), chi.URLParam(r, "id"), req.ResponseTime, req.Success)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetAgent serves one agent record. ?include_metrics=false strips the
// counters.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := h.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("include_metrics") == "false" {
		clone := *info
		clone.Metrics = nil
		info = &clone
	}
	writeJSON(w, http.StatusOK, info)
}

// ListAgents serves the filtered, paginated admin view.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ListFilter{
		AgentType: q.Get("agent_type"),
		Status:    models.AgentStatus(q.Get("status")),
		Page:      queryInt(q.Get("page"), 1),
		PageSize:  queryInt(q.Get("page_size"), 50),
	}
	if caps := q.Get("capabilities"); caps != "" {
		filter.Capabilities = strings.Split(caps, ",")
	}
	if filter.PageSize > 100 {
		problem.Write(w, r, problem.New(problem.KindValidation, "page_size must not exceed 100"))
		return
	}

	agents, total, err := h.Registry.List(filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":     agents,
		"pagination": models.NewPagination(filter.Page, filter.PageSize, total),
	})
}

// AgentStats serves the registry aggregate.
func (h *Handlers) AgentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Stats())
}

// DeleteAgent unregisters an agent. PIN-gated.
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := h.Registry.Unregister(r.Context(), agentID); err != nil {
		h.fail(w, r, err)
		return
	}
	log.Info().Str("agent_id", agentID).Msg("agent unregistered by admin")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "unregistered",
		"agent_id": agentID,
		"at":       time.Now().UTC(),
	})
}

// SearchAgents runs the authenticated semantic search; weighted
// re-ranking is honored here.
func (h *Handlers) SearchAgents(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	resp, err := h.Search.Search(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.SearchRequests.WithLabelValues(resp.Mode).Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
