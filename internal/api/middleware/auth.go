package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/auth"
	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/pkg/models"
	"github.com/arcp-dev/arcp/pkg/problem"
)

// Authenticator validates bearer tokens and enforces PIN admission on
// destructive admin routes. A non-empty scrapeToken is accepted as a
// static scrape credential alongside minted scrape JWTs.
type Authenticator struct {
	tokens      *auth.TokenService
	sessions    *auth.SessionService
	scrapeToken string
	met         *metrics.Set
}

// NewAuthenticator builds the middleware. met may be nil in tests.
func NewAuthenticator(tokens *auth.TokenService, sessions *auth.SessionService, scrapeToken string, met *metrics.Set) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions, scrapeToken: scrapeToken, met: met}
}

// Require authenticates the bearer token and admits only the listed
// roles. The principal lands on the request context.
func (a *Authenticator) Require(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				a.reject(w, r, "missing_token", problem.New(problem.KindAuthentication, "bearer token required"))
				return
			}

			if a.scrapeToken != "" && security.ConstantTimeEqual(raw, a.scrapeToken) {
				if !roleAllowed(models.RoleScrape, roles) {
					a.reject(w, r, "role", problem.New(problem.KindAuthorization,
						"this endpoint is not available to role scrape"))
					return
				}
				p := &models.Principal{Subject: "scrape", Role: models.RoleScrape, Scopes: []string{"metrics"}}
				next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
				return
			}

			p, err := a.tokens.Validate(r.Context(), raw, Fingerprint(r))
			if err != nil {
				a.reject(w, r, authFailReason(err), authProblem(err))
				return
			}
			if !roleAllowed(p.Role, roles) {
				a.reject(w, r, "role", problem.New(problem.KindAuthorization,
					"this endpoint is not available to role "+string(p.Role)))
				return
			}

			next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
		})
	}
}

// RequireSelf admits an agent acting on its own record, or an admin.
// Must run inside Require; agentID is the chi URL parameter value.
func RequireSelf(agentID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := Principal(r.Context())
			if p == nil {
				problem.Write(w, r, problem.New(problem.KindAuthentication, "authentication required"))
				return
			}
			if p.Role == models.RoleAgent && p.AgentID != agentID(r) {
				problem.Write(w, r, problem.New(problem.KindAuthorization,
					"agents may only act on their own record"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePIN demands a fresh PIN verification on the admin session.
// Must run inside Require(RoleAdmin).
func (a *Authenticator) RequirePIN(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal(r.Context())
		if p == nil || p.Role != models.RoleAdmin {
			problem.Write(w, r, problem.New(problem.KindAuthorization, "admin token required"))
			return
		}
		userID := strings.TrimPrefix(p.Subject, "user_")
		key := a.sessions.SessionKey(userID, Fingerprint(r), p.JTI)
		sess, err := a.sessions.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, auth.ErrSessionNotFound) {
				problem.Write(w, r, problem.New(problem.KindAuthentication, "no active session for this token"))
				return
			}
			problem.Write(w, r, problem.New(problem.KindStorageError, "session lookup failed"))
			return
		}
		if !a.sessions.PinFresh(sess) {
			problem.Write(w, r, problem.New(problem.KindPinRequired,
				"verify your session PIN before this operation"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, reason string, p *problem.Problem) {
	if a.met != nil {
		a.met.AuthFailures.WithLabelValues(reason).Inc()
	}
	log.Debug().Str("path", r.URL.Path).Str("reason", reason).Msg("request rejected")
	problem.Write(w, r, p)
}

// BearerToken extracts the Authorization bearer value, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func roleAllowed(role models.Role, allowed []models.Role) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

func authFailReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrFingerprint):
		return "fingerprint"
	default:
		return "invalid"
	}
}

func authProblem(err error) *problem.Problem {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return problem.New(problem.KindTokenExpired, "token has expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		return problem.New(problem.KindTokenInvalid, "token has been revoked")
	case errors.Is(err, auth.ErrFingerprint):
		return problem.New(problem.KindAuthentication, "token is bound to a different client")
	default:
		return problem.New(problem.KindTokenInvalid, "token could not be validated")
	}
}
