package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Per-attempt delay penalty added while a client carries lockouts.
const (
	delayPenaltyStep = 30 * time.Second
	delayPenaltyCap  = 150 * time.Second
)

// LimiterConfig tunes the login failure ledger.
type LimiterConfig struct {
	Threshold   int           // failures inside the window that trigger a lockout
	Window      time.Duration // failures older than this stop counting
	LockoutBase time.Duration // first lockout length, doubles each time
	LockoutMax  time.Duration // lockout length cap
	MaxDelay    time.Duration // cap on the exponential per-attempt delay
}

// Limiter tracks authentication failures per client and answers "may
// this client try again yet". Process-local: a restart forgives
// everyone, which matches the lifetime of the sessions it protects.
//
// After n consecutive failures the next attempt must wait
// min(2^(n-1), MaxDelay) plus a penalty of 30s per accumulated lockout
// (capped at 150s). Reaching the threshold inside the window locks the
// client out entirely; each lockout doubles the previous one up to
// LockoutMax.
type Limiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	buckets map[string]*failureBucket
}

type failureBucket struct {
	failures    int
	windowStart time.Time
	lastFailure time.Time
	lockouts    int
	lockedUntil time.Time
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.LockoutBase <= 0 {
		cfg.LockoutBase = time.Minute
	}
	if cfg.LockoutMax <= 0 {
		cfg.LockoutMax = 30 * time.Minute
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*failureBucket),
	}
}

// Check reports whether id may attempt now, and if not, how long it has
// to wait.
func (l *Limiter) Check(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok {
		return true, 0
	}
	now := time.Now()
	if now.Before(b.lockedUntil) {
		return false, b.lockedUntil.Sub(now)
	}
	if b.failures == 0 && b.lockouts == 0 {
		return true, 0
	}
	next := b.lastFailure.Add(l.delayFor(b.failures, b.lockouts))
	if now.Before(next) {
		return false, next.Sub(now)
	}
	return true, 0
}

// RecordFailure charges one failed attempt and returns the delay now in
// force, plus whether this failure tripped a lockout.
func (l *Limiter) RecordFailure(id string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[id]
	if !ok {
		b = &failureBucket{windowStart: now}
		l.buckets[id] = b
	}
	if now.Sub(b.windowStart) > l.cfg.Window {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= l.cfg.Threshold {
		b.lockouts++
		b.lockedUntil = now.Add(l.lockoutFor(b.lockouts))
		b.failures = 0
		b.windowStart = now
		log.Warn().
			Str("client", id).
			Int("lockouts", b.lockouts).
			Time("until", b.lockedUntil).
			Msg("login lockout")
		return b.lockedUntil.Sub(now), true
	}
	return l.delayFor(b.failures, b.lockouts), false
}

// RecordSuccess clears the failure count. Lockout history stays until
// the bucket goes idle, so a fresh burst of failures still pays the
// penalty.
func (l *Limiter) RecordSuccess(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[id]; ok {
		b.failures = 0
	}
}

// Prune drops buckets that are unlocked and idle past the window. The
// sweeper calls this each cycle.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	dropped := 0
	for id, b := range l.buckets {
		if now.Before(b.lockedUntil) {
			continue
		}
		if now.Sub(b.lastFailure) > l.cfg.Window {
			delete(l.buckets, id)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// delayFor computes the wait after n consecutive failures with the
// given lockout history: min(2^(n-1), MaxDelay) + min(30s*lockouts, 150s).
func (l *Limiter) delayFor(n, lockouts int) time.Duration {
	var d time.Duration
	if n > 0 {
		if n > 7 {
			n = 7 // 2^6 already exceeds every sane MaxDelay
		}
		d = time.Duration(1<<uint(n-1)) * time.Second
		if d > l.cfg.MaxDelay {
			d = l.cfg.MaxDelay
		}
	}
	penalty := time.Duration(lockouts) * delayPenaltyStep
	if penalty > delayPenaltyCap {
		penalty = delayPenaltyCap
	}
	return d + penalty
}

// lockoutFor doubles the lockout per offense: base*2^(count-1), capped.
func (l *Limiter) lockoutFor(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	if count > 16 {
		count = 16
	}
	d := l.cfg.LockoutBase * time.Duration(1<<uint(count-1))
	if d > l.cfg.LockoutMax || d <= 0 {
		d = l.cfg.LockoutMax
	}
	return d
}
