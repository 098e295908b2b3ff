// Package auth provides the token service, admin session store, and the
// login rate-limit ledger.
//
// Token kinds:
//   - admin — dashboard logins, subject "user_<name>", fingerprint bound
//   - agent — long-lived agent credentials, subject is the agent id
//   - temp — single-use registration grants, subject "temp_<agent_id>"
//   - scrape — metrics scraping, subject "scrape"
//
// All tokens are HMAC-signed JWTs (HS256 unless configured otherwise)
// issued by "arcp" with a uuid jti so they can be revoked individually.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

const Issuer = "arcp"

var (
	ErrTokenInvalid      = errors.New("auth: token invalid")
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenRevoked      = errors.New("auth: token revoked")
	ErrFingerprint       = errors.New("auth: fingerprint mismatch")
	ErrTempTokenConsumed = errors.New("auth: temp token already used")
	ErrTempTokenUnknown  = errors.New("auth: temp token unknown")
)

// Claims is the JWT payload for every token kind. Temp registration
// grants additionally carry the hash of the agent key that bought them,
// so registration can insist on seeing the same key again.
type Claims struct {
	Role             models.Role `json:"role"`
	AgentID          string      `json:"agent_id,omitempty"`
	Scopes           []string    `json:"scopes,omitempty"`
	Fingerprint      string      `json:"fingerprint,omitempty"`
	TempRegistration bool        `json:"temp_registration,omitempty"`
	UsedKey          string      `json:"used_key,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig carries the signing material and lifetimes. Algorithm
// names an HMAC method (HS256, HS384, HS512); empty or unknown values
// fall back to HS256.
type TokenConfig struct {
	Secret     string
	Algorithm  string
	Expiry     time.Duration
	TempExpiry time.Duration
}

// TokenService mints and validates tokens and tracks revocations and
// temp-token consumption through storage.
type TokenService struct {
	secret     []byte
	method     jwt.SigningMethod
	expiry     time.Duration
	tempExpiry time.Duration
	store      *storage.Adapter

	consumeMu sync.Mutex
}

func NewTokenService(cfg TokenConfig, store *storage.Adapter) *TokenService {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	return &TokenService{
		secret:     []byte(cfg.Secret),
		method:     method,
		expiry:     cfg.Expiry,
		tempExpiry: cfg.TempExpiry,
		store:      store,
	}
}

// ── Minting ─────────────────────────────────────────────────

// MintAdmin issues a dashboard token bound to the client fingerprint.
func (s *TokenService) MintAdmin(username, fingerprint string) (string, *Claims, error) {
	claims := s.baseClaims("user_"+username, models.RoleAdmin, s.expiry)
	claims.Fingerprint = security.HashFingerprint(fingerprint)
	claims.Scopes = []string{"admin"}
	token, err := s.sign(claims)
	return token, claims, err
}

// MintAgent issues a registered agent its working token.
func (s *TokenService) MintAgent(agentID string, scopes []string) (string, *Claims, error) {
	claims := s.baseClaims(agentID, models.RoleAgent, s.expiry)
	claims.AgentID = agentID
	claims.Scopes = scopes
	token, err := s.sign(claims)
	return token, claims, err
}

// MintTemp issues a single-use registration grant. usedKey arrives raw
// and is stored hashed.
func (s *TokenService) MintTemp(ctx context.Context, agentID, agentType, fingerprint, usedKey string) (string, *Claims, error) {
	claims := s.baseClaims("temp_"+agentID, models.RoleTemp, s.tempExpiry)
	claims.AgentID = agentID
	claims.TempRegistration = true
	claims.UsedKey = security.HashFingerprint(usedKey)
	claims.Fingerprint = security.HashFingerprint(fingerprint)
	token, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}

	record := models.TempToken{
		JTI:         claims.ID,
		AgentID:     agentID,
		AgentType:   agentType,
		Fingerprint: claims.Fingerprint,
		UsedKey:     claims.UsedKey,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if err := s.putTempToken(ctx, &record); err != nil {
		return "", nil, fmt.Errorf("auth: store temp token: %w", err)
	}
	return token, claims, nil
}

// MintScrape issues a metrics-scraping token.
func (s *TokenService) MintScrape() (string, *Claims, error) {
	claims := s.baseClaims("scrape", models.RoleScrape, s.expiry)
	claims.Scopes = []string{"metrics"}
	token, err := s.sign(claims)
	return token, claims, err
}

func (s *TokenService) baseClaims(subject string, role models.Role, ttl time.Duration) *Claims {
	now := time.Now()
	return &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    Issuer,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func (s *TokenService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ── Validation ──────────────────────────────────────────────

// Validate parses and checks a token, then binds it to the caller: a
// revoked jti fails, and an admin token presented with a different
// fingerprint fails.
func (s *TokenService) Validate(ctx context.Context, raw, fingerprint string) (*models.Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(_ *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	switch claims.Role {
	case models.RoleAdmin, models.RoleAgent, models.RoleTemp, models.RoleScrape:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	if claims.Fingerprint != "" {
		if !security.ConstantTimeEqual(claims.Fingerprint, security.HashFingerprint(fingerprint)) {
			return nil, ErrFingerprint
		}
	}

	return &models.Principal{
		Subject:     claims.Subject,
		Role:        claims.Role,
		AgentID:     claims.AgentID,
		Scopes:      claims.Scopes,
		Fingerprint: claims.Fingerprint,
		JTI:         claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// TempClaims re-parses a temp token for the registration path, which
// needs the used-key hash, not just the principal.
func (s *TokenService) TempClaims(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(_ *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !claims.TempRegistration || claims.Role != models.RoleTemp {
		return nil, fmt.Errorf("%w: not a registration grant", ErrTokenInvalid)
	}
	return claims, nil
}

// Refresh reissues a token for the same principal with a fresh expiry
// and jti. The old token stays valid until its own expiry.
func (s *TokenService) Refresh(p *models.Principal) (string, *Claims, error) {
	claims := s.baseClaims(p.Subject, p.Role, s.expiry)
	claims.AgentID = p.AgentID
	claims.Scopes = p.Scopes
	claims.Fingerprint = p.Fingerprint
	token, err := s.sign(claims)
	return token, claims, err
}

// ── Revocation ──────────────────────────────────────────────

// Revoke blocks a jti until the token would have expired anyway.
func (s *TokenService) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.store.Set(ctx, storage.RevokedKey(jti), []byte("1"), ttl); err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	log.Info().Str("jti", jti).Msg("token revoked")
	return nil
}

func (s *TokenService) isRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := s.store.Get(ctx, storage.RevokedKey(jti))
	if err == nil {
		return true, nil
	}
	if storage.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("auth: revocation check: %w", err)
}

// ── Temp token ledger ───────────────────────────────────────

func (s *TokenService) putTempToken(ctx context.Context, rec *models.TempToken) error {
	blob, err := rec.Marshal()
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("auth: temp token already expired")
	}
	return s.store.Set(ctx, storage.TempTokenKey(rec.JTI), blob, ttl)
}

// ConsumeTemp marks a registration grant used. The second caller with
// the same jti loses.
func (s *TokenService) ConsumeTemp(ctx context.Context, jti string) (*models.TempToken, error) {
	s.consumeMu.Lock()
	defer s.consumeMu.Unlock()

	blob, err := s.store.Get(ctx, storage.TempTokenKey(jti))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrTempTokenUnknown
		}
		return nil, fmt.Errorf("auth: load temp token: %w", err)
	}
	rec, err := models.UnmarshalTempToken(blob)
	if err != nil {
		return nil, fmt.Errorf("auth: decode temp token: %w", err)
	}
	if rec.Consumed {
		return nil, ErrTempTokenConsumed
	}
	rec.Consumed = true
	if err := s.putTempToken(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
