package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/pkg/problem"
)

// IPFilter rejects clients outside the configured allow/deny lists.
// An empty filter admits everyone.
func IPFilter(filter *security.IPFilter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if filter == nil || filter.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !filter.Allowed(ip) {
				log.Warn().Str("remote", ip).Str("path", r.URL.Path).Msg("request blocked by ip filter")
				problem.Write(w, r, problem.New(problem.KindAuthorization, "client address is not permitted"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedHosts rejects requests whose Host header is not in the
// configured set. An empty set admits everything.
func TrustedHosts(hosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(hosts) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !security.HostAllowed(r.Host, hosts) {
				problem.Write(w, r, problem.New(problem.KindInvalidInput, "host header not recognized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
