package handlers

import (
	"errors"
	"net/http"

	"github.com/arcp-dev/arcp/internal/api/middleware"
	"github.com/arcp-dev/arcp/internal/auth"
	"github.com/arcp-dev/arcp/pkg/problem"
)

type mintRequest struct {
	Role    string   `json:"role" validate:"required,oneof=agent scrape"`
	AgentID string   `json:"agent_id,omitempty" validate:"omitempty,min=1,max=64"`
	Scopes  []string `json:"scopes,omitempty"`
}

// MintToken issues agent or scrape tokens on behalf of an admin.
func (h *Handlers) MintToken(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}

	var (
		token string
		err   error
	)
	switch req.Role {
	case "agent":
		if req.AgentID == "" {
			problem.Write(w, r, problem.New(problem.KindValidation, "agent_id is required for agent tokens"))
			return
		}
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = []string{"agent"}
		}
		token, _, err = h.Tokens.MintAgent(req.AgentID, scopes)
	case "scrape":
		token, _, err = h.Tokens.MintScrape()
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"role":         req.Role,
	})
}

type validateRequest struct {
	Token string `json:"token" validate:"required"`
}

// ValidateToken reports on a token without requiring one. Invalid
// tokens yield 200 with valid:false so callers can probe freely.
func (h *Handlers) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}

	p, err := h.Tokens.Validate(r.Context(), req.Token, middleware.Fingerprint(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": validateReason(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"claims": map[string]interface{}{
			"sub":        p.Subject,
			"role":       p.Role,
			"agent_id":   p.AgentID,
			"scopes":     p.Scopes,
			"jti":        p.JTI,
			"expires_at": p.ExpiresAt,
		},
	})
}

// RefreshToken reissues the presented token with a fresh expiry.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	p := middleware.Principal(r.Context())
	token, claims, err := h.Tokens.Refresh(p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   claims.ExpiresAt.Time,
	})
}

func validateReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrFingerprint):
		return "fingerprint_mismatch"
	default:
		return "invalid"
	}
}
