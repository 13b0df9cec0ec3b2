package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	requests atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "k1",
			Algorithm: "RS256",
			Use:       "sig",
		}}})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func serviceClaims(audience, issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   issuer,
		"aud":   audience,
		"sub":   "scheduler",
		"email": "scheduler@project.iam.gserviceaccount.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestRequireServiceAcceptsValidToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := NewServiceVerifier(NewJWKSCache(fixture.server.URL, nil, nil), "https://api.example.com", []string{"https://accounts.google.com"}, nil)

	var got *ServiceIdentity
	handler := verifier.RequireService()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ServiceIdentityFromContext(r.Context())
	}))

	for i := 0; i < 2; i++ {
		token := fixture.sign(t, "k1", serviceClaims("https://api.example.com", "https://accounts.google.com"))
		rec, _ := serve(t, handler, "Bearer "+token)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}
	if got == nil || got.Subject != "scheduler" {
		t.Fatalf("unexpected service identity %+v", got)
	}
	if n := fixture.requests.Load(); n != 1 {
		t.Fatalf("expected jwks to be cached, fetched %d times", n)
	}
}

func TestRequireServiceRejectsMismatches(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := NewServiceVerifier(NewJWKSCache(fixture.server.URL, nil, nil), "aud-1", []string{"https://accounts.google.com"}, nil)
	handler := verifier.RequireService()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))

	cases := map[string]string{
		"audience": fixture.sign(t, "k1", serviceClaims("aud-2", "https://accounts.google.com")),
		"issuer":   fixture.sign(t, "k1", serviceClaims("aud-1", "https://evil.example.com")),
		"kid":      fixture.sign(t, "unknown", serviceClaims("aud-1", "https://accounts.google.com")),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rec, body := serve(t, handler, "Bearer "+token)
			if rec.Code != http.StatusUnauthorized || body["error"] != "invalid_token" {
				t.Fatalf("expected 401 invalid_token, got %d %v", rec.Code, body)
			}
		})
	}
}

func TestRequireServiceUnavailableJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	token := fixture.sign(t, "k1", serviceClaims("aud-1", "https://accounts.google.com"))
	fixture.server.Close()

	verifier := NewServiceVerifier(NewJWKSCache(fixture.server.URL, nil, nil), "aud-1", nil, nil)
	handler := verifier.RequireService()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec, _ := serve(t, handler, "Bearer "+token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMaxAge(t *testing.T) {
	if got := maxAge("no-cache, max-age=120"); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	if got := maxAge(""); got != defaultJWKSTTL {
		t.Fatalf("expected default ttl, got %s", got)
	}
}
