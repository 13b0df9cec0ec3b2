package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, handler http.Handler, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Code != http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
	}
	return rec, body
}

func TestRequireUserAttachesIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "u1",
		Claims: map[string]interface{}{"role": []interface{}{"Staff", "admin", "staff"}, "email": " a@example.com "},
	}}

	var got *Identity
	handler := NewAuthenticator(verifier).RequireUser(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))

	rec, _ := serve(t, handler, "Bearer tok-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if verifier.received != "tok-1" {
		t.Fatalf("expected token to be forwarded, got %q", verifier.received)
	}
	if got == nil || got.UID != "u1" || got.Email != "a@example.com" {
		t.Fatalf("unexpected identity %+v", got)
	}
	if len(got.Roles) != 2 || !got.HasRole(RoleStaff) {
		t.Fatalf("expected deduplicated roles, got %v", got.Roles)
	}
}

func TestRequireUserDefaultsToShopperRole(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "u2", Claims: map[string]interface{}{}}}
	authn := NewAuthenticator(verifier)

	var got *Identity
	ok := authn.RequireUser()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))
	if rec, _ := serve(t, ok, "bearer tok"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !got.HasRole(RoleUser) {
		t.Fatalf("expected user role, got %v", got.Roles)
	}

	staffOnly := authn.RequireUser(RoleStaff, RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rec, body := serve(t, staffOnly, "Bearer tok")
	if rec.Code != http.StatusForbidden || body["error"] != "insufficient_role" {
		t.Fatalf("expected 403 insufficient_role, got %d %v", rec.Code, body)
	}
}

func TestRequireUserRejectsBadCredentials(t *testing.T) {
	never := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})

	cases := []struct {
		name   string
		header string
		err    error
		code   string
	}{
		{name: "missing header", header: "", code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", code: "unauthenticated"},
		{name: "empty token", header: "Bearer   ", code: "unauthenticated"},
		{name: "verifier rejects", header: "Bearer tok", err: errors.New("bad signature"), code: "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewAuthenticator(&stubTokenVerifier{err: tc.err}).RequireUser()(never)
			rec, body := serve(t, handler, tc.header)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestClaimRolesShapes(t *testing.T) {
	if roles := claimRoles("ADMIN"); len(roles) != 1 || roles[0] != RoleAdmin {
		t.Fatalf("string claim: %v", roles)
	}
	if roles := claimRoles(map[string]any{"staff": true, "admin": false}); len(roles) != 1 || roles[0] != RoleStaff {
		t.Fatalf("map claim: %v", roles)
	}
	if roles := claimRoles(42); len(roles) != 0 {
		t.Fatalf("unexpected roles for number claim: %v", roles)
	}
}
