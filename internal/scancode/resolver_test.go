// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package scancode

import (
	"context"
	"errors"
	"testing"

	"github.com/rollcall-app/rollcall/internal/bus"
	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/store"
)

const (
	testEventID = "7b1d2f3a-9c4e-4d5b-8a6f-0e1c2d3b4a59"
	otherID     = "11111111-2222-4333-8444-555555555555"
)

func newTestResolver(t *testing.T) (*Resolver, store.Store) {
	t.Helper()

	b := bus.NewMemory()
	t.Cleanup(func() { b.Close() })

	st, err := store.Open("", b, store.Options{AllowUnverified: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return NewResolver(st), st
}

func seedEvent(t *testing.T, st store.Store, id, accessCode string) {
	t.Helper()

	ctx := context.Background()
	_, err := st.Insert(ctx, models.TableEvents, store.Row{
		"id":          id,
		"name":        "Launch Party",
		"access_code": accessCode,
		"active":      true,
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	_, err = st.Insert(ctx, models.TableLocations, store.Row{
		"id":                     id,
		"event_id":               id,
		"latitude":               -22.5609,
		"longitude":              17.0658,
		"geofence_radius_meters": 75,
	})
	if err != nil {
		t.Fatalf("seed location: %v", err)
	}
}

func TestResolveDirectUUID(t *testing.T) {
	t.Parallel()

	r, st := newTestResolver(t)
	seedEvent(t, st, testEventID, "party26")

	res, err := r.Resolve(context.Background(), testEventID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Event.ID != testEventID {
		t.Errorf("event id = %q, want %q", res.Event.ID, testEventID)
	}
	if res.Method != models.VerificationQRScan {
		t.Errorf("method = %q, want qr_scan", res.Method)
	}
	if res.Location.Radius() != 75.0 {
		t.Errorf("radius = %v, want 75", res.Location.Radius())
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	r, st := newTestResolver(t)
	seedEvent(t, st, testEventID, "party26")

	codes := []string{
		"https://rollcall.example/e/" + testEventID,
		"https://rollcall.example/events/" + testEventID + "/checkin",
		"rollcall://" + testEventID,
	}
	for _, code := range codes {
		res, err := r.Resolve(context.Background(), code)
		if err != nil {
			t.Fatalf("resolve %q: %v", code, err)
		}
		if res.Event.ID != testEventID {
			t.Errorf("resolve %q: event id = %q", code, res.Event.ID)
		}
	}
}

func TestResolveAccessCode(t *testing.T) {
	t.Parallel()

	r, st := newTestResolver(t)
	seedEvent(t, st, testEventID, "party26")

	res, err := r.Resolve(context.Background(), "party26")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Event.ID != testEventID {
		t.Errorf("event id = %q, want %q", res.Event.ID, testEventID)
	}
	if res.Method != models.VerificationDirect {
		t.Errorf("method = %q, want direct", res.Method)
	}
}

// A code shaped like a UUID must never fall through to access-code lookup,
// even if an event happens to use that UUID text as its access code.
func TestResolveUUIDNeverFallsThrough(t *testing.T) {
	t.Parallel()

	r, st := newTestResolver(t)
	seedEvent(t, st, testEventID, otherID)

	_, err := r.Resolve(context.Background(), otherID)
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("err = %v, want ErrUnresolvable", err)
	}
}

func TestResolveAmbiguousAccessCode(t *testing.T) {
	t.Parallel()

	r, st := newTestResolver(t)
	seedEvent(t, st, testEventID, "dup")
	seedEvent(t, st, otherID, "dup")

	_, err := r.Resolve(context.Background(), "dup")
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("err = %v, want ErrAmbiguous", err)
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()

	r, _ := newTestResolver(t)

	for _, code := range []string{"", "   ", "nope", "https://rollcall.example/about"} {
		if _, err := r.Resolve(context.Background(), code); !errors.Is(err, ErrUnresolvable) {
			t.Errorf("resolve %q: err = %v, want ErrUnresolvable", code, err)
		}
	}
}

func TestExtractUUIDFromURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   string
		wantID string
		wantOK bool
	}{
		{"https://rollcall.example/e/" + testEventID, testEventID, true},
		{"https://rollcall.example/" + otherID + "/x/" + testEventID, testEventID, true},
		{"rollcall://" + testEventID, testEventID, true},
		{"https://rollcall.example/about", "", false},
		{"not a url", "", false},
		{"plain-access-code", "", false},
	}
	for _, tt := range tests {
		id, ok := extractUUIDFromURL(tt.code)
		if ok != tt.wantOK || id != tt.wantID {
			t.Errorf("extractUUIDFromURL(%q) = (%q, %v), want (%q, %v)", tt.code, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
