package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	m, err := NewJWTManager("0123456789abcdef", "synaptica-platform", "patient-matching", time.Minute)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.IssueToken("ops@example.org", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "ops@example.org" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestValidateRejectsForeignAndExpiredTokens(t *testing.T) {
	m, _ := NewJWTManager("0123456789abcdef", "synaptica-platform", "patient-matching", time.Minute)
	other, _ := NewJWTManager("fedcba9876543210", "synaptica-platform", "patient-matching", time.Minute)
	wrongAudience, _ := NewJWTManager("0123456789abcdef", "synaptica-platform", "gateway", time.Minute)

	foreign, _ := other.IssueToken("x", "admin")
	if _, err := m.ValidateToken(foreign); err == nil {
		t.Fatal("expected signature mismatch")
	}
	misdirected, _ := wrongAudience.IssueToken("x", "admin")
	if _, err := m.ValidateToken(misdirected); err == nil {
		t.Fatal("expected audience mismatch")
	}

	token, _ := m.IssueToken("x", "admin")
	m.nowFunc = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := m.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
	if _, err := m.ValidateToken(""); err == nil {
		t.Fatal("expected empty token to fail")
	}
}

func TestNewJWTManagerRequiresLongSecret(t *testing.T) {
	if _, err := NewJWTManager("short", "i", "a", 0); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}
