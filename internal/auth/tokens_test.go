package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arcp-dev/arcp/internal/auth"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/pkg/models"
)

func newTokenService(t *testing.T, expiry time.Duration) (*auth.TokenService, *storage.Adapter) {
	t.Helper()
	store, err := storage.New(storage.Options{})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := auth.NewTokenService(auth.TokenConfig{
		Secret:     "test-secret",
		Expiry:     expiry,
		TempExpiry: expiry,
	}, store)
	return svc, store
}

func TestMintAndValidateAdmin(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	ctx := context.Background()

	token, claims, err := svc.MintAdmin("alice", "fp-device-1")
	if err != nil {
		t.Fatalf("MintAdmin: %v", err)
	}
	if claims.Subject != "user_alice" {
		t.Errorf("subject = %q, want user_alice", claims.Subject)
	}

	p, err := svc.Validate(ctx, token, "fp-device-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Role != models.RoleAdmin {
		t.Errorf("role = %q, want admin", p.Role)
	}
	if p.Subject != "user_alice" {
		t.Errorf("principal subject = %q", p.Subject)
	}
	if p.JTI == "" {
		t.Error("principal missing jti")
	}
}

func TestValidateRejectsWrongFingerprint(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	token, _, err := svc.MintAdmin("alice", "fp-device-1")
	if err != nil {
		t.Fatalf("MintAdmin: %v", err)
	}
	_, err = svc.Validate(context.Background(), token, "fp-other-device")
	if !errors.Is(err, auth.ErrFingerprint) {
		t.Errorf("err = %v, want ErrFingerprint", err)
	}
}

func TestValidateRejectsTampered(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	token, _, _ := svc.MintAgent("agent-1", nil)
	tampered := token[:len(token)-4] + "XXXX"
	if _, err := svc.Validate(context.Background(), tampered, ""); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	svc, _ := newTokenService(t, 50*time.Millisecond)
	token, _, _ := svc.MintAgent("agent-1", nil)
	time.Sleep(120 * time.Millisecond)
	if _, err := svc.Validate(context.Background(), token, ""); !errors.Is(err, auth.ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	other := auth.NewTokenService(auth.TokenConfig{
		Secret: "different-secret",
		Expiry: time.Hour,
	}, nil)
	token, _, _ := other.MintAgent("agent-1", nil)
	if _, err := svc.Validate(context.Background(), token, ""); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestConfigurableSigningAlgorithm(t *testing.T) {
	store, err := storage.New(storage.Options{})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	hs384 := auth.NewTokenService(auth.TokenConfig{
		Secret:    "test-secret",
		Algorithm: "HS384",
		Expiry:    time.Hour,
	}, store)
	token, _, err := hs384.MintAgent("agent-1", nil)
	if err != nil {
		t.Fatalf("MintAgent: %v", err)
	}
	if _, err := hs384.Validate(ctx, token, ""); err != nil {
		t.Fatalf("HS384 round-trip: %v", err)
	}

	// A service configured for a different method refuses the token.
	hs256 := auth.NewTokenService(auth.TokenConfig{
		Secret: "test-secret",
		Expiry: time.Hour,
	}, store)
	if _, err := hs256.Validate(ctx, token, ""); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid for HS384 token on HS256 service", err)
	}
}

func TestRevokeBlocksToken(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	ctx := context.Background()

	token, _, _ := svc.MintAgent("agent-1", []string{"heartbeat"})
	p, err := svc.Validate(ctx, token, "")
	if err != nil {
		t.Fatalf("Validate before revoke: %v", err)
	}
	if err := svc.Revoke(ctx, p.JTI, p.ExpiresAt); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Validate(ctx, token, ""); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Errorf("err = %v, want ErrTokenRevoked", err)
	}
}

func TestRefreshIssuesFreshJTI(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	ctx := context.Background()

	token, _, _ := svc.MintAgent("agent-1", []string{"heartbeat"})
	p, err := svc.Validate(ctx, token, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	refreshed, claims, err := svc.Refresh(p)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed == token {
		t.Error("refresh returned the same token")
	}
	if claims.ID == p.JTI {
		t.Error("refresh kept the old jti")
	}
	p2, err := svc.Validate(ctx, refreshed, "")
	if err != nil {
		t.Fatalf("Validate refreshed: %v", err)
	}
	if p2.AgentID != "agent-1" || len(p2.Scopes) != 1 {
		t.Errorf("refreshed principal = %+v", p2)
	}
}

func TestTempTokenLifecycle(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	ctx := context.Background()

	token, claims, err := svc.MintTemp(ctx, "agent-9", "weather", "fp-1", "agent-key-abc")
	if err != nil {
		t.Fatalf("MintTemp: %v", err)
	}
	if !strings.HasPrefix(claims.Subject, "temp_") {
		t.Errorf("temp subject = %q", claims.Subject)
	}
	if !claims.TempRegistration {
		t.Error("temp_registration flag not set")
	}
	if claims.UsedKey == "" || claims.UsedKey == "agent-key-abc" {
		t.Errorf("used key should be stored hashed, got %q", claims.UsedKey)
	}

	parsed, err := svc.TempClaims(token)
	if err != nil {
		t.Fatalf("TempClaims: %v", err)
	}
	rec, err := svc.ConsumeTemp(ctx, parsed.ID)
	if err != nil {
		t.Fatalf("ConsumeTemp: %v", err)
	}
	if rec.AgentID != "agent-9" {
		t.Errorf("record agent = %q", rec.AgentID)
	}

	if _, err := svc.ConsumeTemp(ctx, parsed.ID); !errors.Is(err, auth.ErrTempTokenConsumed) {
		t.Errorf("second consume err = %v, want ErrTempTokenConsumed", err)
	}
}

func TestTempClaimsRejectsNonTemp(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	token, _, _ := svc.MintAgent("agent-1", nil)
	if _, err := svc.TempClaims(token); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestConsumeUnknownTemp(t *testing.T) {
	svc, _ := newTokenService(t, time.Hour)
	if _, err := svc.ConsumeTemp(context.Background(), "no-such-jti"); !errors.Is(err, auth.ErrTempTokenUnknown) {
		t.Errorf("err = %v, want ErrTempTokenUnknown", err)
	}
}
