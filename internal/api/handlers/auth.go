package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/api/middleware"
	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/pkg/problem"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required,min=1,max=256"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login authenticates the admin credentials and opens a session. The
// failure ledger is consulted before the credentials are checked, so a
// locked-out client learns nothing about their validity.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}

	bucket := "login:" + middleware.ClientIP(r)
	if ok, wait := h.Limiter.Check(bucket); !ok {
		problem.Write(w, r, problem.New(problem.KindRateLimited,
			"too many login attempts").WithRetryAfter(retrySeconds(wait)))
		return
	}

	userOK := h.Cfg.Auth.AdminUsername != "" &&
		security.ConstantTimeEqual(req.Username, h.Cfg.Auth.AdminUsername)
	passOK := h.Cfg.Auth.AdminPassword != "" &&
		security.ConstantTimeEqual(req.Password, h.Cfg.Auth.AdminPassword)
	if !userOK || !passOK {
		delay, locked := h.Limiter.RecordFailure(bucket)
		if h.Metrics != nil {
			h.Metrics.AuthFailures.WithLabelValues("login").Inc()
		}
		log.Warn().Str("remote", middleware.ClientIP(r)).Bool("locked", locked).Msg("login failed")
		problem.Write(w, r, problem.New(problem.KindAuthentication,
			"invalid credentials").WithRetryAfter(retrySeconds(delay)))
		return
	}
	h.Limiter.RecordSuccess(bucket)

	fingerprint := middleware.Fingerprint(r)
	token, claims, err := h.Tokens.MintAdmin(req.Username, fingerprint)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, _, err := h.Sessions.Create(r.Context(), req.Username, fingerprint, claims.ID, claims.ExpiresAt.Time); err != nil {
		h.fail(w, r, err)
		return
	}

	log.Info().Str("user", req.Username).Msg("admin login")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   claims.ExpiresAt.Time,
	})
}

// Logout revokes the presented token and closes its session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	p := middleware.Principal(r.Context())
	if err := h.Tokens.Revoke(r.Context(), p.JTI, p.ExpiresAt); err != nil {
		h.fail(w, r, err)
		return
	}
	key := h.sessionKey(r)
	if err := h.Sessions.Delete(r.Context(), key); err != nil {
		log.Warn().Err(err).Msg("session delete on logout failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// SessionStatus reports on the caller's session.
func (h *Handlers) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), h.sessionKey(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":        true,
		"user_id":      sess.UserID,
		"issued_at":    sess.IssuedAt,
		"expires_at":   sess.ExpiresAt,
		"pin_set":      sess.PinHash != "",
		"pin_verified": h.Sessions.PinFresh(sess),
	})
}

type pinRequest struct {
	PIN string `json:"pin" validate:"required,min=4,max=32"`
}

// SetPIN stores the session PIN. Once per session.
func (h *Handlers) SetPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	if err := security.ValidatePIN(req.PIN); err != nil {
		problem.Write(w, r, problem.New(problem.KindValidation, err.Error()))
		return
	}
	if err := h.Sessions.SetPIN(r.Context(), h.sessionKey(r), req.PIN); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pin_set"})
}

// VerifyPIN checks a PIN attempt.
func (h *Handlers) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}
	if err := h.Sessions.VerifyPIN(r.Context(), h.sessionKey(r), req.PIN); err != nil {
		if h.Metrics != nil {
			h.Metrics.AuthFailures.WithLabelValues("pin").Inc()
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// PinStatus reports the session's PIN state.
func (h *Handlers) PinStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), h.sessionKey(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"pin_set":      sess.PinHash != "",
		"pin_verified": h.Sessions.PinFresh(sess),
	}
	if sess.PinLockedUntil != nil && time.Now().Before(*sess.PinLockedUntil) {
		resp["locked_until"] = sess.PinLockedUntil
	}
	writeJSON(w, http.StatusOK, resp)
}

type tempTokenRequest struct {
	AgentID   string `json:"agent_id" validate:"required,min=1,max=64"`
	AgentType string `json:"agent_type" validate:"required"`
	AgentKey  string `json:"agent_key" validate:"required,min=16"`
}

// RequestTempToken sells a single-use registration grant for a valid
// agent key.
func (h *Handlers) RequestTempToken(w http.ResponseWriter, r *http.Request) {
	var req tempTokenRequest
	if pb := h.decode(r, &req); pb != nil {
		problem.Write(w, r, pb)
		return
	}

	bucket := "temp:" + middleware.ClientIP(r) + ":" + req.AgentID
	if ok, wait := h.Limiter.Check(bucket); !ok {
		problem.Write(w, r, problem.New(problem.KindRateLimited,
			"too many token requests").WithRetryAfter(retrySeconds(wait)))
		return
	}

	if !h.agentKeyValid(req.AgentKey) {
		delay, _ := h.Limiter.RecordFailure(bucket)
		if h.Metrics != nil {
			h.Metrics.AuthFailures.WithLabelValues("agent_key").Inc()
		}
		problem.Write(w, r, problem.New(problem.KindAuthentication,
			"invalid agent key").WithRetryAfter(retrySeconds(delay)))
		return
	}
	if !h.Registry.TypeAllowed(req.AgentType) {
		problem.Write(w, r, problem.New(problem.KindValidation,
			"agent type "+security.Sanitize(req.AgentType)+" is not allowed"))
		return
	}
	h.Limiter.RecordSuccess(bucket)

	token, claims, err := h.Tokens.MintTemp(r.Context(), req.AgentID, req.AgentType,
		middleware.Fingerprint(r), req.AgentKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	log.Info().Str("agent_id", req.AgentID).Str("agent_type", req.AgentType).Msg("temp token issued")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"temp_token": token,
		"token_type": "bearer",
		"expires_at": claims.ExpiresAt.Time,
	})
}

// sessionKey derives the caller's session key from their principal and
// fingerprint header. Only valid inside admin-authenticated routes.
func (h *Handlers) sessionKey(r *http.Request) string {
	p := middleware.Principal(r.Context())
	userID := strings.TrimPrefix(p.Subject, "user_")
	return h.Sessions.SessionKey(userID, middleware.Fingerprint(r), p.JTI)
}

func (h *Handlers) agentKeyValid(key string) bool {
	valid := false
	for _, k := range h.Cfg.Auth.AgentKeys {
		if security.ConstantTimeEqual(key, k) {
			valid = true
		}
	}
	return valid
}

func retrySeconds(d time.Duration) int {
	s := int(d.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}
