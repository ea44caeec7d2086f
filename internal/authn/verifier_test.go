package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/simpleclaw/fleet/internal/model"
)

// jwksServer publishes the public half of key under kid "k1".
func jwksServer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testVerifier(t *testing.T, key *rsa.PrivateKey) *OIDCVerifier {
	t.Helper()
	srv := jwksServer(t, key)
	keys, err := keyfunc.NewDefaultCtx(context.Background(), []string{srv.URL})
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	return &OIDCVerifier{
		provider: model.AuthProviderGoogle,
		audience: "client-1",
		issuers:  map[string]bool{"https://accounts.google.com": true},
		methods:  []string{"RS256"},
		keys:     keys,
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            "client-1",
		"sub":            "g-123",
		"email":          "Alice@Example.com",
		"email_verified": true,
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
	}
}

func TestVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	v := testVerifier(t, key)
	ctx := context.Background()

	id, err := v.Verify(ctx, signToken(t, key, baseClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "g-123" || id.Email != "alice@example.com" || id.Provider != model.AuthProviderGoogle {
		t.Fatalf("identity = %+v", id)
	}

	cases := []struct {
		name   string
		mutate func(c jwt.MapClaims)
	}{
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "other-app" }},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"unverified email", func(c jwt.MapClaims) { c["email_verified"] = false }},
		{"no email", func(c jwt.MapClaims) { delete(c, "email") }},
	}
	for _, tc := range cases {
		c := baseClaims()
		tc.mutate(c)
		if _, err := v.Verify(ctx, signToken(t, key, c)); err == nil {
			t.Errorf("%s: token accepted", tc.name)
		}
	}
}

func TestVerify_StringVerifiedClaim(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	v := testVerifier(t, key)

	c := baseClaims()
	c["email_verified"] = "true"
	if _, err := v.Verify(context.Background(), signToken(t, key, c)); err != nil {
		t.Fatalf("string email_verified rejected: %v", err)
	}
}

func TestNewAPIToken(t *testing.T) {
	a, err := NewAPIToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := NewAPIToken()
	if !strings.HasPrefix(a, "flt_") || len(a) != 4+64 || a == b {
		t.Fatalf("tokens = %q %q", a, b)
	}
}
