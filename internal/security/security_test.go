package security_test

import (
	"strings"
	"testing"

	"github.com/arcp-dev/arcp/internal/security"
)

func TestValidatePIN(t *testing.T) {
	tests := []struct {
		name    string
		pin     string
		wantErr bool
	}{
		{"valid digits", "8372", false},
		{"valid mixed", "a1b2c3d4", false},
		{"too short", "123", true},
		{"too long", strings.Repeat("a1", 17), true},
		{"symbols rejected", "12-34", true},
		{"space rejected", "12 34", true},
		{"weak 1234", "1234", true},
		{"weak password", "password", true},
		{"weak uppercased", "PASSWORD", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidatePIN(tt.pin)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePIN(%q) = %v, wantErr %v", tt.pin, err, tt.wantErr)
			}
		})
	}
}

func TestPINHashRoundtrip(t *testing.T) {
	hash := security.HashPIN("a1b2c3", "server-salt")
	if !security.VerifyPIN(hash, "a1b2c3", "server-salt") {
		t.Error("correct pin rejected")
	}
	if security.VerifyPIN(hash, "a1b2c4", "server-salt") {
		t.Error("wrong pin accepted")
	}
	if security.VerifyPIN(hash, "a1b2c3", "other-salt") {
		t.Error("wrong salt accepted")
	}
}

func TestDeriveSessionKey(t *testing.T) {
	base := security.DeriveSessionKey("user_admin", "fp-1", "jti-1")
	if base == security.DeriveSessionKey("user_other", "fp-1", "jti-1") {
		t.Error("user change did not change key")
	}
	if base == security.DeriveSessionKey("user_admin", "fp-2", "jti-1") {
		t.Error("fingerprint change did not change key")
	}
	if base == security.DeriveSessionKey("user_admin", "fp-1", "jti-2") {
		t.Error("token change did not change key")
	}
	if base != security.DeriveSessionKey("user_admin", "fp-1", "jti-1") {
		t.Error("key not deterministic")
	}
}

func TestIPFilter(t *testing.T) {
	f, err := security.NewIPFilter(
		[]string{"10.0.0.0/8", "192.168.1.5"},
		[]string{"10.9.0.0/16"},
	)
	if err != nil {
		t.Fatalf("NewIPFilter: %v", err)
	}
	tests := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.5", true},
		{"10.9.4.4", false}, // deny wins inside the allowed block
		{"8.8.8.8", false},  // not in allow list
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := f.Allowed(tt.addr); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIPFilterEmptyAllowAdmits(t *testing.T) {
	f, err := security.NewIPFilter(nil, []string{"172.16.0.0/12"})
	if err != nil {
		t.Fatalf("NewIPFilter: %v", err)
	}
	if !f.Allowed("8.8.8.8") {
		t.Error("empty allow list should admit undenied addresses")
	}
	if f.Allowed("172.16.3.3") {
		t.Error("denied address admitted")
	}
}

func TestIPFilterBadRule(t *testing.T) {
	if _, err := security.NewIPFilter([]string{"300.1.1.1"}, nil); err == nil {
		t.Error("bad ip rule accepted")
	}
	if _, err := security.NewIPFilter([]string{"10.0.0.0/40"}, nil); err == nil {
		t.Error("bad cidr rule accepted")
	}
}

func TestHostAllowed(t *testing.T) {
	trusted := []string{"arcp.example.com", "*.internal.example.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"arcp.example.com", true},
		{"arcp.example.com:8001", true},
		{"ARCP.Example.Com", true},
		{"svc.internal.example.com", true},
		{"evil.com", false},
		{"internal.example.com.evil.com", false},
	}
	for _, tt := range tests {
		if got := security.HostAllowed(tt.host, trusted); got != tt.want {
			t.Errorf("HostAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
	if !security.HostAllowed("anything.example", nil) {
		t.Error("empty trusted list should allow all hosts")
	}
	if !security.HostAllowed("anything.example", []string{"*"}) {
		t.Error("star entry should allow all hosts")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"control chars", "a\x00b\x1bc", "abc"},
		{"newlines collapse", "line1\n\n  line2\tline3", "line1 line2 line3"},
		{"trimmed", "  padded  ", "padded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := security.Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	long := security.Sanitize(strings.Repeat("x", 600))
	if len([]rune(long)) != 257 {
		t.Errorf("truncated length = %d runes, want 257", len([]rune(long)))
	}
}
