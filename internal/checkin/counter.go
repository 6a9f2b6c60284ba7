// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/realtime"
	"github.com/rollcall-app/rollcall/internal/store"
)

// counterBuffer bounds pending counter updates. Under sustained overload
// newer events are dropped; counts converge again on the next quiet stretch
// because each update re-reads the row.
const counterBuffer = 512

// counterUpdateTimeout caps retries for a single counter update.
const counterUpdateTimeout = 10 * time.Second

// CounterWorker maintains events.attendee_count from the check-in change
// stream. It runs under the supervision tree as a suture.Service.
type CounterWorker struct {
	store   store.Store
	mux     *realtime.Multiplexer
	limiter *rate.Limiter
}

// NewCounterWorker creates the worker. updatesPerSecond bounds write
// pressure on the store during check-in bursts.
func NewCounterWorker(st store.Store, mux *realtime.Multiplexer, updatesPerSecond float64) *CounterWorker {
	if updatesPerSecond <= 0 {
		updatesPerSecond = 50
	}
	return &CounterWorker{
		store:   st,
		mux:     mux,
		limiter: rate.NewLimiter(rate.Limit(updatesPerSecond), int(updatesPerSecond)),
	}
}

// Serve subscribes to check-in inserts and applies counter increments until
// ctx ends. It implements suture.Service.
func (w *CounterWorker) Serve(ctx context.Context) error {
	events := make(chan store.ChangeEvent, counterBuffer)
	unsub, err := w.mux.Subscribe(models.TableCheckIns, nil, func(ev store.ChangeEvent) {
		select {
		case events <- ev:
		default:
			logging.Warn().Str("table", ev.Table).Msg("counter worker backlog full, dropping event")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe checkins: %w", err)
	}
	defer unsub()

	logging.Info().Msg("attendee counter worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Op != store.OpInsert {
				continue
			}
			eventID, _ := ev.Row["event_id"].(string)
			if eventID == "" {
				continue
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := w.increment(ctx, eventID); err != nil {
				logging.Error().Err(err).Str("event_id", eventID).Msg("attendee counter update failed")
			}
		}
	}
}

// increment applies a +1 to the event's counter, retrying transient store
// failures with exponential backoff.
func (w *CounterWorker) increment(ctx context.Context, eventID string) error {
	args, err := json.Marshal(store.IncrementAttendeesArgs{EventID: eventID, Delta: 1})
	if err != nil {
		return fmt.Errorf("encode increment args: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = counterUpdateTimeout

	return backoff.Retry(func() error {
		_, err := w.store.CallAtomic(ctx, store.OpIncrementAttendees, args)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrEventNotFound):
			return backoff.Permanent(err)
		default:
			metrics.CounterWorkerRetries.Inc()
			return err
		}
	}, backoff.WithContext(bo, ctx))
}

// String names the worker in supervisor logs.
func (w *CounterWorker) String() string {
	return "checkin.CounterWorker"
}
