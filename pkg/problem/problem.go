// Package problem implements the RFC 9457 problem-details error body used
// on every ARCP error response. Handlers never build HTTP error JSON by
// hand; they map typed errors to a Problem and write it here, so clients
// and the dashboard can rely on one shape.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ContentType is the media type for problem responses.
const ContentType = "application/problem+json"

// BaseURI prefixes every problem type identifier.
const BaseURI = "https://arcp.dev/problems/"

// Kind names a registered problem type. The wire value is BaseURI + Kind.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindInvalidInput     Kind = "invalid_input"
	KindAuthentication   Kind = "authentication_failed"
	KindAuthorization    Kind = "authorization_failed"
	KindPinRequired      Kind = "pin_required"
	KindNotFound         Kind = "not_found"
	KindAgentNotFound    Kind = "agent_not_found"
	KindDuplicateAgent   Kind = "duplicate_agent"
	KindTokenInvalid     Kind = "token_invalid"
	KindTokenExpired     Kind = "token_expired"
	KindTokenConsumed    Kind = "token_already_used"
	KindRateLimited      Kind = "rate_limited"
	KindStorageError     Kind = "storage_error"
	KindAgentUnreachable Kind = "agent_unreachable"
	KindInternal         Kind = "internal_error"
)

// registry maps each kind to its default status and human title.
var registry = map[Kind]struct {
	status int
	title  string
}{
	KindValidation:       {http.StatusUnprocessableEntity, "Validation Error"},
	KindInvalidInput:     {http.StatusBadRequest, "Invalid Input"},
	KindAuthentication:   {http.StatusUnauthorized, "Authentication Failed"},
	KindAuthorization:    {http.StatusForbidden, "Authorization Failed"},
	KindPinRequired:      {http.StatusForbidden, "PIN Verification Required"},
	KindNotFound:         {http.StatusNotFound, "Not Found"},
	KindAgentNotFound:    {http.StatusNotFound, "Agent Not Found"},
	KindDuplicateAgent:   {http.StatusConflict, "Duplicate Agent"},
	KindTokenInvalid:     {http.StatusUnauthorized, "Token Invalid"},
	KindTokenExpired:     {http.StatusUnauthorized, "Token Expired"},
	KindTokenConsumed:    {http.StatusConflict, "Token Already Used"},
	KindRateLimited:      {http.StatusTooManyRequests, "Rate Limited"},
	KindStorageError:     {http.StatusInternalServerError, "Storage Error"},
	KindAgentUnreachable: {http.StatusBadGateway, "Agent Unreachable"},
	KindInternal:         {http.StatusInternalServerError, "Internal Error"},
}

// Problem is the RFC 9457 body. RetryAfter and Errors are ARCP extension
// members; they are omitted when unset.
type Problem struct {
	Type       string      `json:"type"`
	Title      string      `json:"title"`
	Status     int         `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	Instance   string      `json:"instance,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	RetryAfter int         `json:"retry_after,omitempty"`
	Errors     interface{} `json:"errors,omitempty"`
}

// New builds a problem of the given kind with its registered status and
// title. Unknown kinds fall back to internal_error.
func New(kind Kind, detail string) *Problem {
	entry, ok := registry[kind]
	if !ok {
		kind = KindInternal
		entry = registry[KindInternal]
	}
	return &Problem{
		Type:      BaseURI + string(kind),
		Title:     entry.title,
		Status:    entry.status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// WithStatus overrides the default status for this instance.
func (p *Problem) WithStatus(status int) *Problem {
	p.Status = status
	return p
}

// WithInstance records the request path the problem occurred on.
func (p *Problem) WithInstance(instance string) *Problem {
	p.Instance = instance
	return p
}

// WithRetryAfter attaches the retry_after extension (seconds) used on 429s.
func (p *Problem) WithRetryAfter(seconds int) *Problem {
	p.RetryAfter = seconds
	return p
}

// WithErrors attaches per-field validation details.
func (p *Problem) WithErrors(errs interface{}) *Problem {
	p.Errors = errs
	return p
}

// Error satisfies the error interface so a Problem can travel through
// error returns when convenient.
func (p *Problem) Error() string {
	return p.Title + ": " + p.Detail
}

// Write renders the problem on w. A Retry-After header accompanies 429s.
func Write(w http.ResponseWriter, r *http.Request, p *Problem) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", ContentType)
	if p.Status == http.StatusTooManyRequests && p.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}
