// Package handlers implements the HTTP endpoints of the ARCP API. Each
// handler decodes and validates its payload, delegates to a service, and
// maps typed service errors onto RFC 9457 problem responses.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/auth"
	"github.com/arcp-dev/arcp/internal/config"
	"github.com/arcp-dev/arcp/internal/embeddings"
	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/internal/monitor"
	"github.com/arcp-dev/arcp/internal/registry"
	"github.com/arcp-dev/arcp/internal/relay"
	"github.com/arcp-dev/arcp/internal/search"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/internal/sweeper"
	"github.com/arcp-dev/arcp/pkg/problem"
)

// maxBodyBytes caps request payloads.
const maxBodyBytes = 1 << 20

// Hub is the occupancy view the health surface needs from a WS hub.
type Hub interface {
	Name() string
	ConnCount() int
}

// Deps carries every service the handlers touch. The composition root
// fills it once at startup.
type Deps struct {
	Cfg       *config.Config
	Store     *storage.Adapter
	Registry  *registry.Service
	Tokens    *auth.TokenService
	Sessions  *auth.SessionService
	Limiter   *auth.Limiter
	Search    *search.Engine
	Relay     *relay.Service
	Embedder  *embeddings.Service
	Alerts    *monitor.Alerts
	Logs      *monitor.LogBuffer
	Resources *monitor.Resources
	Sweeper   *sweeper.Sweeper
	Metrics   *metrics.Set
	Hubs      []Hub
	StartedAt time.Time
}

// Handlers is the endpoint set.
type Handlers struct {
	Deps
	validate *validator.Validate
}

func New(d Deps) *Handlers {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	return &Handlers{
		Deps:     d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ── Response helpers ────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// decode parses and validates a JSON body into dst. The returned
// problem is ready to write.
func (h *Handlers) decode(r *http.Request, dst interface{}) *problem.Problem {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return problem.New(problem.KindInvalidInput, "request body is not valid JSON")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return problem.New(problem.KindValidation, "request failed validation").WithErrors(fields)
		}
		return problem.New(problem.KindValidation, "request failed validation")
	}
	return nil
}

// fail translates a service error into a problem response.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		pb       *problem.Problem
		notFound *registry.ErrAgentNotFound
		dup      *registry.ErrDuplicateAgent
		badType  *registry.ErrTypeNotAllowed
		mismatch *registry.ErrGrantMismatch
		notAlive *relay.ErrAgentNotAlive
		unreach  *relay.ErrAgentUnreachable
		pinLock  *auth.PinLockedError
	)

	switch {
	case errors.As(err, &pb):
		// already shaped
	case errors.As(err, &notFound):
		pb = problem.New(problem.KindAgentNotFound, err.Error())
	case errors.As(err, &dup):
		pb = problem.New(problem.KindDuplicateAgent, err.Error())
	case errors.As(err, &badType):
		pb = problem.New(problem.KindValidation, err.Error())
	case errors.As(err, &mismatch):
		pb = problem.New(problem.KindAuthorization, err.Error())
	case errors.As(err, &notAlive):
		pb = problem.New(problem.KindAgentNotFound, err.Error())
	case errors.As(err, &unreach):
		pb = problem.New(problem.KindAgentUnreachable, "the agent did not accept the connection request")
	case errors.As(err, &pinLock):
		retry := int(time.Until(pinLock.Until).Seconds()) + 1
		pb = problem.New(problem.KindRateLimited, "pin locked, try again later").WithRetryAfter(retry)
	case errors.Is(err, auth.ErrTempTokenConsumed):
		pb = problem.New(problem.KindTokenConsumed, "this registration token has already been used")
	case errors.Is(err, auth.ErrTempTokenUnknown):
		pb = problem.New(problem.KindTokenInvalid, "unknown registration token")
	case errors.Is(err, auth.ErrTokenExpired):
		pb = problem.New(problem.KindTokenExpired, "token has expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		pb = problem.New(problem.KindTokenInvalid, "token has been revoked")
	case errors.Is(err, auth.ErrFingerprint):
		pb = problem.New(problem.KindAuthentication, "token is bound to a different client")
	case errors.Is(err, auth.ErrTokenInvalid):
		pb = problem.New(problem.KindTokenInvalid, "token could not be validated")
	case errors.Is(err, auth.ErrSessionNotFound):
		pb = problem.New(problem.KindAuthentication, "no active session for this token")
	case errors.Is(err, auth.ErrPinAlreadySet):
		pb = problem.New(problem.KindInvalidInput, "a pin is already set for this session").
			WithStatus(http.StatusBadRequest)
	case errors.Is(err, auth.ErrPinNotSet):
		pb = problem.New(problem.KindInvalidInput, "no pin has been set for this session").
			WithStatus(http.StatusBadRequest)
	case errors.Is(err, auth.ErrPinMismatch):
		pb = problem.New(problem.KindAuthentication, "pin verification failed")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		pb = problem.New(problem.KindInternal, "the request could not be completed")
	}

	problem.Write(w, r, pb)
}
