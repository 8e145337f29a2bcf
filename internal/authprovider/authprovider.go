// Package authprovider implements the default bearer-credential
// verifier consumed by internal/transport at connection upgrade (spec
// §4.11, §6). AuthProvider itself is an external collaborator per
// spec.md §1; this package supplies the one implementation the agent
// needs to run standalone: a static shared-secret token, or a
// JWKS-style set of locally-configured public keys, grounded in the
// teacher's validateHandoffJWT (internal/direct/server.go).
package authprovider

import (
	"context"
	"crypto"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what a successful Verify yields about the caller.
type Identity struct {
	Subject string
	Email   string
}

// Provider verifies a bearer credential extracted from the transport
// handshake. ok=false means the credential was well-formed but
// rejected (403); a non-nil err means the provider itself failed
// (500) — spec §4.11's distinction.
type Provider interface {
	Verify(ctx context.Context, token string) (identity Identity, ok bool, err error)
}

// StaticToken accepts exactly one shared-secret token, the simplest
// form spec §6 names ("optional bearer token as ?token=...").
type StaticToken struct {
	Token string
}

// NewStaticToken builds a StaticToken provider. An empty token means
// "auth disabled" — Verify always succeeds.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{Token: token}
}

func (s *StaticToken) Verify(_ context.Context, token string) (Identity, bool, error) {
	if s.Token == "" {
		return Identity{Subject: "anonymous"}, true, nil
	}
	if token == s.Token {
		return Identity{Subject: "static-token"}, true, nil
	}
	return Identity{}, false, nil
}

// Claims mirrors the teacher's HandoffClaims: standard registered
// claims plus the identity fields the dispatcher cares about.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// JWKS verifies a signed JWT bearer token against a locally configured
// set of public keys, selected by the token's "kid" header — the
// no-network-fetch shape of a JWKS verifier, appropriate for an agent
// that pins its own signing keys rather than trusting a remote issuer.
type JWKS struct {
	keys map[string]crypto.PublicKey
}

// NewJWKS builds a verifier from a kid -> public key map.
func NewJWKS(keys map[string]crypto.PublicKey) *JWKS {
	return &JWKS{keys: keys}
}

func (j *JWKS) Verify(_ context.Context, tokenStr string) (Identity, bool, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Identity{}, false, nil
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := j.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	})
	if err != nil {
		// A malformed or unverifiable token is a rejection, not a
		// provider failure.
		return Identity{}, false, nil
	}
	if !token.Valid {
		return Identity{}, false, nil
	}
	return Identity{Subject: claims.Subject, Email: claims.Email}, true, nil
}
