// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/realtime"
	"github.com/rollcall-app/rollcall/internal/store"
)

func TestCounterWorkerTracksCheckIns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	mux := realtime.New(f.store)
	t.Cleanup(mux.Shutdown)

	worker := NewCounterWorker(f.store, mux, 100)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	served := make(chan error, 1)
	go func() { served <- worker.Serve(ctx) }()

	// Give the worker a beat to subscribe before committing.
	time.Sleep(50 * time.Millisecond)

	a := f.arbiter(fixedSource(centerLat, centerLon), true)
	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := a.AttemptCheckIn(ctx, user, testEventID, models.VisibilityPublic); err != nil {
			t.Fatalf("check in %s: %v", user, err)
		}
	}

	// Duplicate attempts must not inflate the counter.
	if _, err := a.AttemptCheckIn(ctx, "alice", testEventID, models.VisibilityPublic); err != nil {
		t.Fatalf("duplicate attempt: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		rows, err := f.store.Get(ctx, models.TableEvents, store.Filter{Column: "id", Value: testEventID})
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 1 {
			if count, _ := rows[0]["attendee_count"].(float64); count == 3 {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("attendee_count never reached 3: %v", rows)
		case <-time.After(25 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestCounterWorkerName(t *testing.T) {
	t.Parallel()

	w := NewCounterWorker(nil, nil, 0)
	if w.String() == "" {
		t.Error("worker should have a name for supervisor logs")
	}
}
