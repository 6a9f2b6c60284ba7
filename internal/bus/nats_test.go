// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// newTestNATS starts an embedded server on a random port and connects a
// bus to it.
func newTestNATS(t *testing.T) *NATS {
	t.Helper()

	srv, err := NewEmbeddedServer(ServerConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	b, err := ConnectNATS(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := newTestNATS(t)

	ch, cancel, err := b.Subscribe(context.Background(), "change.checkins")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancel()

	if err := b.Publish("change.checkins", []byte("one")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case got := <-ch:
		if string(got) != "one" {
			t.Errorf("got %q, want %q", got, "one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSCancelDuringPublishBurst(t *testing.T) {
	t.Parallel()

	b := newTestNATS(t)

	ch, cancel, err := b.Subscribe(context.Background(), "change.checkins")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	// Keep publishing while the subscription is torn down; deliveries
	// racing the cancel must not write to the closed channel.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Publish("change.checkins", []byte("x"))
			}
		}
	}()

	// Let some messages flow first.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first message")
	}

	cancel()
	cancel() // idempotent

	close(stop)
	wg.Wait()

	// Drain to the close; buffered messages may remain but the channel
	// must end closed.
	for {
		if _, ok := <-ch; !ok {
			return
		}
	}
}

func TestNATSSubjectIsolation(t *testing.T) {
	t.Parallel()

	b := newTestNATS(t)

	ch, cancel, err := b.Subscribe(context.Background(), "change.events")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancel()

	if err := b.Publish("change.checkins", []byte("other-table")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case got := <-ch:
		t.Errorf("unexpected message on change.events: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSContextCancelReleasesSubscription(t *testing.T) {
	t.Parallel()

	b := newTestNATS(t)

	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, err := b.Subscribe(ctx, "change.checkins")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	cancelCtx()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
