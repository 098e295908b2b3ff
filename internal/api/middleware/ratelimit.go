package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/arcp-dev/arcp/pkg/problem"
)

// RateLimiter applies a fixed per-minute window plus a short burst
// bucket per client IP. State is process-local; the login failure
// ledger in internal/auth handles authentication penalties separately.
type RateLimiter struct {
	mu      sync.Mutex
	rpm     int
	burst   int
	clients map[string]*window
}

type window struct {
	start    time.Time
	count    int
	burstAt  time.Time
	burstCnt int
}

// NewRateLimiter builds the limiter. rpm <= 0 disables it.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		clients: make(map[string]*window),
	}
}

// Handler rejects clients over the limit with a problem body carrying
// retry_after.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl.rpm <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if retry, ok := rl.allow(ClientIP(r)); !ok {
			problem.Write(w, r, problem.New(problem.KindRateLimited,
				"request rate limit exceeded").WithRetryAfter(retry))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow charges one request and reports whether it may proceed; when it
// may not, retry is the seconds to wait.
func (rl *RateLimiter) allow(ip string) (retry int, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, found := rl.clients[ip]
	if !found {
		c = &window{start: now, burstAt: now}
		rl.clients[ip] = c
	}

	if now.Sub(c.start) >= time.Minute {
		c.start = now
		c.count = 0
	}
	if now.Sub(c.burstAt) >= time.Second {
		c.burstAt = now
		c.burstCnt = 0
	}

	if c.burstCnt >= rl.burst {
		return 1, false
	}
	if c.count >= rl.rpm {
		retry := int(time.Minute.Seconds() - now.Sub(c.start).Seconds())
		if retry < 1 {
			retry = 1
		}
		return retry, false
	}

	c.count++
	c.burstCnt++
	return 0, true
}

// Prune drops windows idle past a minute. Called from the sweeper path
// via the composition root.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	dropped := 0
	for ip, c := range rl.clients {
		if now.Sub(c.start) > 2*time.Minute {
			delete(rl.clients, ip)
			dropped++
		}
	}
	return dropped
}
