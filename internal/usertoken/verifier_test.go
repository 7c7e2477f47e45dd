package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := BearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("BearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestVerifySubjectRefreshesOnRotatedKey(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)

	var active atomic.Value
	active.Store("kid-1")
	var fetches atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		kid := active.Load().(string)
		key := key1.PublicKey
		if kid == "kid-2" {
			key = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, key)}})
	}))
	defer jwksServer.Close()

	ctx := context.Background()
	v, err := NewVerifier(ctx, Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "chat"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	first := signToken(t, key1, "kid-1", jwt.RegisteredClaims{Subject: "user-a"})
	if sub, err := v.VerifySubject(ctx, first); err != nil || sub != "user-a" {
		t.Fatalf("verify first token: sub=%s err=%v", sub, err)
	}

	active.Store("kid-2")
	second := signToken(t, key2, "kid-2", jwt.RegisteredClaims{Subject: "user-b"})
	if sub, err := v.VerifySubject(ctx, second); err != nil || sub != "user-b" {
		t.Fatalf("verify rotated token: sub=%s err=%v", sub, err)
	}
	if fetches.Load() != 2 {
		t.Fatalf("expected one refresh after rotation, got %d fetches", fetches.Load())
	}
}

func TestVerifySubjectRejectsBadTokens(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	ctx := context.Background()
	v, err := NewVerifier(ctx, Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "chat", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	cases := map[string]string{
		"future iat":     signToken(t, key, "kid-1", jwt.RegisteredClaims{Subject: "u", IssuedAt: jwt.NewNumericDate(time.Now().Add(2 * time.Minute))}),
		"wrong audience": signToken(t, key, "kid-1", jwt.RegisteredClaims{Subject: "u", Audience: jwt.ClaimStrings{"other"}}),
		"missing sub":    signToken(t, key, "kid-1", jwt.RegisteredClaims{}),
		"wrong key":      signToken(t, other, "kid-1", jwt.RegisteredClaims{Subject: "u"}),
		"garbage":        "not.a.token",
	}
	for name, token := range cases {
		if _, err := v.VerifySubject(ctx, token); err == nil {
			t.Fatalf("%s: expected verification failure", name)
		}
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// signToken fills issuer, audience and validity defaults before signing.
func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	now := time.Now()
	if claims.Issuer == "" {
		claims.Issuer = "issuer-a"
	}
	if claims.Audience == nil {
		claims.Audience = jwt.ClaimStrings{"chat"}
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Minute))
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
