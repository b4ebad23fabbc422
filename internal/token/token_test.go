package token

import (
	"errors"
	"testing"
	"time"

	"github.com/execbox/execbox/internal/execerr"
)

func TestIssueVerifyRoundTrips(t *testing.T) {
	s := NewFromSecret("test-secret")
	tok, err := s.Issue("s1", []string{"pypi.org", "github.com"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.SessionID != "s1" {
		t.Fatalf("expected session id %q, got %q", "s1", v.SessionID)
	}
	if len(v.Hosts) != 2 || v.Hosts[0] != "pypi.org" || v.Hosts[1] != "github.com" {
		t.Fatalf("expected the allowlist to round-trip, got %v", v.Hosts)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	s := NewFromSecret("test-secret")
	tok, err := s.Issue("s1", []string{"pypi.org"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tampered := tok[:len(tok)-2] + "xx"
	if _, err := s.Verify(tampered); !errors.Is(err, execerr.TokenInvalid) {
		t.Fatalf("expected TokenInvalid for a tampered token, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewFromSecret("secret-a")
	verifier := NewFromSecret("secret-b")

	tok, err := issuer.Issue("s1", []string{"pypi.org"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(tok); !errors.Is(err, execerr.TokenInvalid) {
		t.Fatalf("expected TokenInvalid across different secrets, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s := NewFromSecret("test-secret")
	// A large negative ttl puts exp well in the past even after the issue
	// slack is added.
	tok, err := s.Issue("s1", []string{"pypi.org"}, -time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(tok); !errors.Is(err, execerr.TokenInvalid) {
		t.Fatalf("expected TokenInvalid for an expired token, got %v", err)
	}
}

func TestGeneratedServiceVerifiesItsOwnTokens(t *testing.T) {
	s, err := NewGenerated()
	if err != nil {
		t.Fatalf("NewGenerated: %v", err)
	}
	tok, err := s.Issue("s1", []string{"example.com"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(tok); err != nil {
		t.Fatalf("expected a generated service to verify its own tokens: %v", err)
	}
}
