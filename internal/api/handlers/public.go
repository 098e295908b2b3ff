package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arcp-dev/arcp/internal/relay"
	"github.com/arcp-dev/arcp/pkg/models"
	"github.com/arcp-dev/arcp/pkg/problem"
)

// publicSearchTopKCap bounds anonymous search results.
const publicSearchTopKCap = 10

// Discover serves the paginated public agent list: alive agents only,
// redacted cards.
func (h *Handlers) Discover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	size := queryInt(q.Get("page_size"), 20)
	if size > 100 {
		problem.Write(w, r, problem.New(problem.KindValidation, "page_size must not exceed 100"))
		return
	}

	agents, total, err := h.Registry.List(models.ListFilter{
		Status:   models.AgentStatusAlive,
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cards := make([]models.PublicAgent, 0, len(agents))
	for _, info := range agents {
		cards = append(cards, info.PublicView())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":     cards,
		"pagination": models.NewPagination(page, size, total),
	})
}

// PublicSearch runs semantic search for anonymous clients: reputation
// weighting is off and top_k is capped low.
func (h *Handlers) PublicSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	req.Weighted = false
	if req.TopK == nil || *req.TopK > publicSearchTopKCap {
		capped := publicSearchTopKCap
		if req.TopK == nil {
			capped = models.SearchDefaultTopK
		}
		req.TopK = &capped
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

// PublicAgent serves one alive agent's public card.
func (h *Handlers) PublicAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	info, err := h.Registry.Get(r.Context(), agentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if info.Status != models.AgentStatusAlive {
		problem.Write(w, r, problem.New(problem.KindAgentNotFound,
			"agent "+agentID+" is not currently available"))
		return
	}
	writeJSON(w, http.StatusOK, info.PublicView())
}

// Connect relays a connection request to the agent's endpoint.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req relay.ConnectRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	resp, err := h.Relay.Forward(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PublicInfo describes the service for discovery clients.
func (h *Handlers) PublicInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":             "ARCP",
		"version":             h.Cfg.Version,
		"description":         "Agent registry and control protocol service",
		"allowed_agent_types": h.Registry.AllowedTypes(),
		"endpoints": map[string]string{
			"discover":  "/public/discover",
			"search":    "/public/search",
			"connect":   "/public/connect/{id}",
			"websocket": "/public/ws",
		},
	})
}

// AgentTypes serves the registration allowlist.
func (h *Handlers) AgentTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_types": h.Registry.AllowedTypes(),
	})
}

// PublicStats serves the anonymous counters.
func (h *Handlers) PublicStats(w http.ResponseWriter, r *http.Request) {
	stats := h.Registry.Stats()
	status := "healthy"
	if stats.TotalAgents > 0 && stats.AliveAgents == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_agents":  stats.TotalAgents,
		"alive_agents":  stats.AliveAgents,
		"system_status": status,
	})
}
