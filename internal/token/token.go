// Package token implements issuance and verification of short-lived
// signed session tokens binding a session id to a host allowlist. Shared
// by the manager (issuer) and the egress proxy (verifier).
package token

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/execbox/execbox/internal/execerr"
)

// claims is the JWT payload: sub=sessionId, hosts=allowlist, iat/exp
// standard registered claims.
type claims struct {
	Hosts []string `json:"hosts"`
	jwt.RegisteredClaims
}

// Service issues and verifies tokens with a single symmetric secret.
type Service struct {
	secret []byte
}

// NewFromSecret builds a Service around an explicit shared secret, for
// deployments where the manager and proxy run as separate processes and
// must agree on the signing key out of band.
func NewFromSecret(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// NewGenerated derives a fresh signing key from random material via HKDF
// expansion. A Service built this way can only verify tokens issued by
// itself, so running the proxy out-of-process from this manager instance
// requires an explicit SIGNING_KEY instead.
func NewGenerated() (*Service, error) {
	ikm := make([]byte, 32)
	if _, err := rand.Read(ikm); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	kdf := hkdf.New(nil, ikm, nil, []byte("execbox-session-token"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	log.Printf("token: no SIGNING_KEY configured, generated an ephemeral signing key; " +
		"the egress proxy cannot verify these tokens unless run in this same process")
	return &Service{secret: secret}, nil
}

// Issue mints a token binding sessionID to hosts, valid for ttl plus a
// small slack window so an in-flight request at the moment of session
// destruction doesn't get rejected mid-call.
func (s *Service) Issue(sessionID string, hosts []string, ttl time.Duration) (string, error) {
	const slack = 30 * time.Second
	now := time.Now()
	c := claims{
		Hosts: hosts,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl + slack)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verified is the result of a successful token verification.
type Verified struct {
	SessionID string
	Hosts     []string
}

// Verify checks signature and expiry and returns the embedded claims.
// Verification never performs DNS lookups or any other I/O.
func (s *Service) Verify(tokenString string) (Verified, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %v", execerr.TokenInvalid, err)
	}
	return Verified{SessionID: c.Subject, Hosts: c.Hosts}, nil
}
