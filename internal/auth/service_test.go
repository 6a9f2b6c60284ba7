// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rollcall-app/rollcall/internal/bus"
	"github.com/rollcall-app/rollcall/internal/store"
	"github.com/rollcall-app/rollcall/internal/throttle"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()

	b := bus.NewMemory()
	t.Cleanup(func() { b.Close() })

	st, err := store.Open("", b, store.Options{AllowUnverified: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	th := throttle.New(throttle.DefaultConfig())
	issuer := NewTokenIssuer([]byte(testSecret), time.Hour)
	// Low bcrypt cost keeps the test fast.
	return NewService(st, th, issuer, time.Hour, 4)
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	user, err := s.Register(ctx, "alice@example.com", "Alice", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash != "" {
		t.Error("register must not return the password hash")
	}

	sess, err := s.Login(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.UserID != user.ID {
		t.Errorf("session user = %q, want %q", sess.UserID, user.ID)
	}

	claims, err := s.Verify(sess.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != user.ID || claims.Email != "alice@example.com" {
		t.Errorf("claims = %q/%q", claims.Subject, claims.Email)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownUserSameError(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	_, err := s.Login(context.Background(), "nobody@example.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(ctx, "alice@example.com", "Imposter", "other"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestLoginThrottledAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	// Even the correct password is rejected during the lockout.
	_, err := s.Login(ctx, "alice@example.com", "hunter22")
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("err = %v, want ThrottledError", err)
	}
	if throttled.Wait <= 0 || throttled.Wait > 30*time.Second {
		t.Errorf("wait = %s, want within (0, 30s]", throttled.Wait)
	}
}

func TestLoginThrottleIgnoresEmailCasing(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}

	variants := []string{
		"alice@example.com", "ALICE@example.com", "Alice@Example.com",
		"alice@EXAMPLE.com", "aLiCe@example.com",
	}
	for _, v := range variants {
		s.Login(ctx, v, "wrong")
	}

	_, err := s.Login(ctx, "alice@example.com", "hunter22")
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("err = %v, want ThrottledError across casing variants", err)
	}
}

func TestSuccessfulLoginClearsThrottle(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		s.Login(ctx, "alice@example.com", "wrong")
	}
	if _, err := s.Login(ctx, "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("login at 4 failures: %v", err)
	}

	// The window restarted; four more failures still do not lock.
	for i := 0; i < 4; i++ {
		s.Login(ctx, "alice@example.com", "wrong")
	}
	if _, err := s.Login(ctx, "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("login after clear: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer([]byte(testSecret), time.Minute)
	now := time.Unix(1700000000, 0)
	issuer.now = func() time.Time { return now }

	token, err := issuer.Issue("u1", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(token); err != nil {
		t.Fatalf("verify fresh token: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuer.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer([]byte(testSecret), time.Hour)
	token, err := issuer.Issue("u1", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}

	other := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	if _, err := other.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}
