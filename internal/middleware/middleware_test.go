// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/internal/auth"
)

func TestRequestIDGenerated(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request id in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("request id %q is not a uuid", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header = %q, context = %q", got, seen)
	}
}

func TestRequestIDHonorsUpstream(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "upstream-7" {
		t.Errorf("request id = %q, want upstream-7", seen)
	}
}

type fakeVerifier struct {
	claims *auth.Claims
	err    error
}

func (f fakeVerifier) Verify(string) (*auth.Claims, error) { return f.claims, f.err }

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	claims := &auth.Claims{Email: "alice@example.com"}
	claims.Subject = "user-1"

	tests := []struct {
		name       string
		verifier   Authenticator
		header     string
		query      string
		wantStatus int
		wantUser   string
	}{
		{
			name:       "bearer header",
			verifier:   fakeVerifier{claims: claims},
			header:     "Bearer tok",
			wantStatus: http.StatusOK,
			wantUser:   "user-1",
		},
		{
			name:       "token query param",
			verifier:   fakeVerifier{claims: claims},
			query:      "?token=tok",
			wantStatus: http.StatusOK,
			wantUser:   "user-1",
		},
		{
			name:       "missing token",
			verifier:   fakeVerifier{claims: claims},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid token",
			verifier:   fakeVerifier{err: errors.New("bad signature")},
			header:     "Bearer tok",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed scheme",
			verifier:   fakeVerifier{claims: claims},
			header:     "Basic dXNlcg==",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotUser string
			h := Authenticate(tt.verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if c := ClaimsFrom(r.Context()); c != nil {
					gotUser = c.Subject
				}
			}))

			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotUser != tt.wantUser {
				t.Errorf("subject = %q, want %q", gotUser, tt.wantUser)
			}
		})
	}
}
