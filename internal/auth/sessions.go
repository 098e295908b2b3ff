package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("auth: session not found")
	ErrPinAlreadySet   = errors.New("auth: pin already set for this session")
	ErrPinNotSet       = errors.New("auth: no pin set for this session")
	ErrPinMismatch     = errors.New("auth: pin mismatch")
)

// PinLockedError reports a PIN lockout and when it lifts.
type PinLockedError struct {
	Until time.Time
}

func (e *PinLockedError) Error() string {
	return fmt.Sprintf("auth: pin locked until %s", e.Until.Format(time.RFC3339))
}

// SessionConfig tunes admin session handling.
type SessionConfig struct {
	Timeout         time.Duration // idle timeout, slides on activity
	MaxSessions     int           // oldest session is evicted beyond this
	PinAttemptLimit int
	PinLockCooldown time.Duration
	PinMaxAge       time.Duration // verified PINs go stale after this
	Salt            string        // PIN hashing salt
}

// SessionService owns admin sessions. A session is keyed by the triple
// of user, fingerprint, and token, so a stolen token presented from a
// different device resolves to a key that does not exist.
type SessionService struct {
	cfg   SessionConfig
	store *storage.Adapter
}

func NewSessionService(cfg SessionConfig, store *storage.Adapter) *SessionService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.PinAttemptLimit <= 0 {
		cfg.PinAttemptLimit = 5
	}
	if cfg.PinLockCooldown <= 0 {
		cfg.PinLockCooldown = 5 * time.Minute
	}
	if cfg.PinMaxAge <= 0 {
		cfg.PinMaxAge = 15 * time.Minute
	}
	return &SessionService{cfg: cfg, store: store}
}

// SessionKey derives the storage key for a login triple. The
// fingerprint arrives raw and is hashed here.
func (s *SessionService) SessionKey(userID, fingerprint, jti string) string {
	return security.DeriveSessionKey(userID, security.HashFingerprint(fingerprint), jti)
}

// Create opens a session after a successful login, evicting the oldest
// session when the cap is reached.
func (s *SessionService) Create(ctx context.Context, userID, fingerprint, jti string, expiresAt time.Time) (string, *models.AdminSession, error) {
	if err := s.evictOldest(ctx); err != nil {
		return "", nil, err
	}
	now := time.Now()
	sess := &models.AdminSession{
		JTI:         jti,
		UserID:      userID,
		Fingerprint: security.HashFingerprint(fingerprint),
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	key := s.SessionKey(userID, fingerprint, jti)
	if err := s.save(ctx, key, sess); err != nil {
		return "", nil, err
	}
	log.Info().Str("user", userID).Msg("admin session opened")
	return key, sess, nil
}

// Get loads a session by key.
func (s *SessionService) Get(ctx context.Context, key string) (*models.AdminSession, error) {
	blob, err := s.store.Get(ctx, storage.SessionKey(key))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("auth: load session: %w", err)
	}
	return models.UnmarshalAdminSession(blob)
}

// Touch slides the idle timeout forward.
func (s *SessionService) Touch(ctx context.Context, key string) error {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.save(ctx, key, sess)
}

// Delete closes a session.
func (s *SessionService) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, storage.SessionKey(key))
}

// Count reports how many sessions are open.
func (s *SessionService) Count(ctx context.Context) (int, error) {
	keys, err := s.store.Scan(ctx, storage.SessionKey(""))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ── PIN lifecycle ───────────────────────────────────────────

// SetPIN stores the session PIN. A PIN can be set exactly once per
// session; changing it means logging in again.
func (s *SessionService) SetPIN(ctx context.Context, key, pin string) error {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if sess.PinHash != "" {
		return ErrPinAlreadySet
	}
	if err := security.ValidatePIN(pin); err != nil {
		return err
	}
	now := time.Now()
	sess.PinHash = security.HashPIN(pin, s.cfg.Salt)
	sess.PinSetAt = &now
	return s.save(ctx, key, sess)
}

// VerifyPIN checks a PIN attempt. Failures count toward the attempt
// limit; reaching it locks the PIN for the cooldown. Success resets the
// counter and stamps the verification time.
func (s *SessionService) VerifyPIN(ctx context.Context, key, pin string) error {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if sess.PinHash == "" {
		return ErrPinNotSet
	}
	now := time.Now()
	if sess.PinLockedUntil != nil && now.Before(*sess.PinLockedUntil) {
		return &PinLockedError{Until: *sess.PinLockedUntil}
	}

	if !security.VerifyPIN(sess.PinHash, pin, s.cfg.Salt) {
		sess.PinAttempts++
		if sess.PinAttempts >= s.cfg.PinAttemptLimit {
			until := now.Add(s.cfg.PinLockCooldown)
			sess.PinLockedUntil = &until
			sess.PinAttempts = 0
			if err := s.save(ctx, key, sess); err != nil {
				return err
			}
			log.Warn().Str("user", sess.UserID).Time("until", until).Msg("session pin locked")
			return &PinLockedError{Until: until}
		}
		if err := s.save(ctx, key, sess); err != nil {
			return err
		}
		return ErrPinMismatch
	}

	sess.PinAttempts = 0
	sess.PinLockedUntil = nil
	sess.PinVerifiedAt = &now
	return s.save(ctx, key, sess)
}

// PinFresh reports whether the session holds a PIN verification recent
// enough to authorize a protected operation.
func (s *SessionService) PinFresh(sess *models.AdminSession) bool {
	if sess.PinVerifiedAt == nil {
		return false
	}
	return time.Since(*sess.PinVerifiedAt) <= s.cfg.PinMaxAge
}

// ── Internals ───────────────────────────────────────────────

// save persists the session with a TTL of the idle timeout, never past
// the token expiry.
func (s *SessionService) save(ctx context.Context, key string, sess *models.AdminSession) error {
	blob, err := sess.Marshal()
	if err != nil {
		return fmt.Errorf("auth: encode session: %w", err)
	}
	ttl := s.cfg.Timeout
	if remain := time.Until(sess.ExpiresAt); remain > 0 && remain < ttl {
		ttl = remain
	}
	if ttl <= 0 {
		return fmt.Errorf("auth: session already expired")
	}
	return s.store.Set(ctx, storage.SessionKey(key), blob, ttl)
}

func (s *SessionService) evictOldest(ctx context.Context) error {
	keys, err := s.store.Scan(ctx, storage.SessionKey(""))
	if err != nil {
		return fmt.Errorf("auth: scan sessions: %w", err)
	}
	if len(keys) < s.cfg.MaxSessions {
		return nil
	}
	oldestKey := ""
	var oldestAt time.Time
	for _, k := range keys {
		blob, err := s.store.Get(ctx, k)
		if err != nil {
			continue
		}
		sess, err := models.UnmarshalAdminSession(blob)
		if err != nil {
			continue
		}
		if oldestKey == "" || sess.IssuedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = sess.IssuedAt
		}
	}
	if oldestKey == "" {
		return nil
	}
	log.Warn().Str("key", oldestKey).Msg("session cap reached, evicting oldest")
	return s.store.Delete(ctx, oldestKey)
}
