// Package security provides the request hardening helpers shared by the
// auth core and the HTTP edge.
//
// Covered concerns:
//   - fingerprint and PIN hashing (salted SHA-256, constant-time compare)
//   - PIN format rules and the weak-PIN blocklist
//   - session key derivation for PIN binding
//   - IP allow/deny filtering with CIDR support
//   - trusted host checks
//   - sanitization of client-supplied text before it reaches logs or
//     error payloads
package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"unicode"
)

// ── Hashing ─────────────────────────────────────────────────

// HashFingerprint reduces a client fingerprint to its storable form.
func HashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// HashPIN hashes a session PIN under the server salt.
func HashPIN(pin, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + pin))
	return hex.EncodeToString(sum[:])
}

// VerifyPIN compares a candidate PIN against a stored hash without
// leaking timing.
func VerifyPIN(storedHash, pin, salt string) bool {
	candidate := HashPIN(pin, salt)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}

// DeriveSessionKey binds a session to its user, device fingerprint, and
// token. Any of the three changing yields a different key.
func DeriveSessionKey(userID, fingerprint, tokenRef string) string {
	sum := sha256.Sum256([]byte(userID + "|" + fingerprint + "|" + tokenRef))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual reports string equality without leaking timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ── PIN rules ───────────────────────────────────────────────

const (
	PINMinLength = 4
	PINMaxLength = 32
)

// weakPINs are rejected outright regardless of format.
var weakPINs = map[string]bool{
	"0000":     true,
	"1111":     true,
	"1234":     true,
	"4321":     true,
	"9999":     true,
	"123456":   true,
	"654321":   true,
	"111111":   true,
	"000000":   true,
	"password": true,
	"qwerty":   true,
	"abcd":     true,
	"admin":    true,
}

// ValidatePIN enforces the PIN format: 4 to 32 characters, letters and
// digits only, not on the weak-PIN blocklist.
func ValidatePIN(pin string) error {
	if len(pin) < PINMinLength || len(pin) > PINMaxLength {
		return fmt.Errorf("pin must be %d to %d characters", PINMinLength, PINMaxLength)
	}
	for _, r := range pin {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return fmt.Errorf("pin must contain only letters and digits")
		}
	}
	if weakPINs[strings.ToLower(pin)] {
		return fmt.Errorf("pin is too common")
	}
	return nil
}

// ── IP filtering ────────────────────────────────────────────

// IPFilter holds parsed allow and deny rules. Deny wins over allow; an
// empty allow list admits everyone not denied.
type IPFilter struct {
	allowNets []*net.IPNet
	allowIPs  map[string]bool
	denyNets  []*net.IPNet
	denyIPs   map[string]bool
}

// NewIPFilter parses rule lists of single addresses and CIDR blocks.
func NewIPFilter(allow, deny []string) (*IPFilter, error) {
	f := &IPFilter{
		allowIPs: make(map[string]bool),
		denyIPs:  make(map[string]bool),
	}
	for _, rule := range allow {
		if err := f.add(rule, &f.allowNets, f.allowIPs); err != nil {
			return nil, err
		}
	}
	for _, rule := range deny {
		if err := f.add(rule, &f.denyNets, f.denyIPs); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *IPFilter) add(rule string, nets *[]*net.IPNet, ips map[string]bool) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil
	}
	if strings.Contains(rule, "/") {
		_, block, err := net.ParseCIDR(rule)
		if err != nil {
			return fmt.Errorf("security: bad cidr rule %q: %w", rule, err)
		}
		*nets = append(*nets, block)
		return nil
	}
	ip := net.ParseIP(rule)
	if ip == nil {
		return fmt.Errorf("security: bad ip rule %q", rule)
	}
	ips[ip.String()] = true
	return nil
}

// Allowed applies the deny list, then the allow list.
func (f *IPFilter) Allowed(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if f.denyIPs[ip.String()] {
		return false
	}
	for _, block := range f.denyNets {
		if block.Contains(ip) {
			return false
		}
	}
	if len(f.allowIPs) == 0 && len(f.allowNets) == 0 {
		return true
	}
	if f.allowIPs[ip.String()] {
		return true
	}
	for _, block := range f.allowNets {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter carries no rules at all.
func (f *IPFilter) Empty() bool {
	return len(f.allowIPs) == 0 && len(f.allowNets) == 0 &&
		len(f.denyIPs) == 0 && len(f.denyNets) == 0
}

// ── Trusted hosts ───────────────────────────────────────────

// HostAllowed checks a request Host header against the trusted list.
// Entries match exactly; a leading "*." entry matches any subdomain;
// "*" trusts everything. Ports are stripped before matching.
func HostAllowed(host string, trusted []string) bool {
	if len(trusted) == 0 {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, entry := range trusted {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "*":
			return true
		case strings.HasPrefix(entry, "*."):
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
		case entry == host:
			return true
		}
	}
	return false
}

// ── Sanitization ────────────────────────────────────────────

const sanitizeMaxLen = 256

// Sanitize makes client-supplied text safe to echo into logs and error
// payloads: control characters go, whitespace collapses, and the result
// is capped at 256 runes.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			b.WriteRune(' ')
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	runes := []rune(out)
	if len(runes) > sanitizeMaxLen {
		out = string(runes[:sanitizeMaxLen]) + "…"
	}
	return out
}
