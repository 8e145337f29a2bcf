package authprovider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStaticTokenEmptyMeansDisabled(t *testing.T) {
	p := NewStaticToken("")
	id, ok, err := p.Verify(context.Background(), "anything")
	if err != nil || !ok {
		t.Fatalf("expected success with auth disabled, got ok=%v err=%v", ok, err)
	}
	if id.Subject == "" {
		t.Error("expected a non-empty subject")
	}
}

func TestStaticTokenMatches(t *testing.T) {
	p := NewStaticToken("s3cret")
	if _, ok, err := p.Verify(context.Background(), "s3cret"); err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
}

func TestStaticTokenRejectsMismatch(t *testing.T) {
	p := NewStaticToken("s3cret")
	_, ok, err := p.Verify(context.Background(), "wrong")
	if err != nil {
		t.Fatalf("unexpected provider error: %v", err)
	}
	if ok {
		t.Fatal("expected rejection for mismatched token")
	}
}

func signToken(t *testing.T, key *ecdsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWKSAcceptsValidToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	j := NewJWKS(map[string]crypto.PublicKey{"k1": &key.PublicKey})

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "user@example.com",
	}
	tokenStr := signToken(t, key, "k1", claims)

	id, ok, err := j.Verify(context.Background(), tokenStr)
	if err != nil || !ok {
		t.Fatalf("expected acceptance, got ok=%v err=%v", ok, err)
	}
	if id.Subject != "user-1" || id.Email != "user@example.com" {
		t.Errorf("got identity %+v", id)
	}
}

func TestJWKSRejectsUnknownKeyID(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	j := NewJWKS(map[string]crypto.PublicKey{"k1": &key.PublicKey})

	tokenStr := signToken(t, key, "unknown-kid", Claims{})
	_, ok, err := j.Verify(context.Background(), tokenStr)
	if err != nil {
		t.Fatalf("unexpected provider error: %v", err)
	}
	if ok {
		t.Fatal("expected rejection for unknown kid")
	}
}

func TestJWKSRejectsWrongKey(t *testing.T) {
	signingKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	otherKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	j := NewJWKS(map[string]crypto.PublicKey{"k1": &otherKey.PublicKey})

	tokenStr := signToken(t, signingKey, "k1", Claims{})
	_, ok, _ := j.Verify(context.Background(), tokenStr)
	if ok {
		t.Fatal("expected rejection when signature doesn't match the configured key")
	}
}

func TestJWKSRejectsExpiredToken(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	j := NewJWKS(map[string]crypto.PublicKey{"k1": &key.PublicKey})

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tokenStr := signToken(t, key, "k1", claims)
	_, ok, _ := j.Verify(context.Background(), tokenStr)
	if ok {
		t.Fatal("expected rejection for expired token")
	}
}

func TestJWKSRejectsEmptyToken(t *testing.T) {
	j := NewJWKS(map[string]crypto.PublicKey{})
	_, ok, err := j.Verify(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected provider error: %v", err)
	}
	if ok {
		t.Fatal("expected rejection for empty token")
	}
}
