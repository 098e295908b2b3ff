// Package middleware holds the HTTP middleware for the ARCP API:
// request logging, bearer authentication, PIN admission, rate limiting,
// IP filtering, Prometheus instrumentation, and trace propagation.
package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/arcp-dev/arcp/pkg/models"
)

// FingerprintHeader carries the client fingerprint admin tokens are
// bound to.
const FingerprintHeader = "X-Client-Fingerprint"

type ctxKey int

const principalKey ctxKey = iota

// SetPrincipal stores the authenticated identity on the context.
func SetPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Principal returns the authenticated identity, or nil on anonymous
// requests.
func Principal(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(principalKey).(*models.Principal)
	return p
}

// ClientIP returns the request's client address without the port.
// chi's RealIP middleware has already resolved forwarding headers into
// RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Fingerprint returns the raw client fingerprint header.
func Fingerprint(r *http.Request) string {
	return r.Header.Get(FingerprintHeader)
}
