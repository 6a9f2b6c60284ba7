// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package checkin arbitrates check-in attempts.
//
// The arbiter resolves the scanned code, acquires a device location in
// parallel with a duplicate pre-check, applies a local geofence pre-filter,
// and commits through the store's atomic operation. Only the commit is
// authoritative: the pre-check and pre-filter exist to cut latency and
// wasted round trips, never to decide the outcome.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/rollcall-app/rollcall/internal/geo"
	"github.com/rollcall-app/rollcall/internal/location"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/scancode"
	"github.com/rollcall-app/rollcall/internal/store"
)

// Status classifies a successful arbitration.
type Status string

const (
	// StatusCommitted means a new check-in row was written.
	StatusCommitted Status = "committed"

	// StatusDuplicate means an earlier check-in already covers the pair;
	// the outcome carries the original record.
	StatusDuplicate Status = "duplicate"
)

// Outcome is the result of a successful check-in attempt.
type Outcome struct {
	Status         Status                    `json:"status"`
	CheckInID      string                    `json:"checkin_id"`
	EventID        string                    `json:"event_id"`
	EventName      string                    `json:"event_name"`
	WithinGeofence bool                      `json:"within_geofence"`
	DistanceMeters float64                   `json:"distance_meters,omitempty"`
	Verification   models.VerificationMethod `json:"verification"`
	Visibility     models.VisibilityMode     `json:"visibility"`
	CheckedInAt    time.Time                 `json:"checked_in_at"`
}

// ErrInvalidVisibility rejects visibility values outside the known modes.
var ErrInvalidVisibility = errors.New("invalid visibility mode")

// Config tunes arbitration behavior.
type Config struct {
	// AllowUnverified permits commits without a location sample.
	AllowUnverified bool
}

// Arbiter coordinates the check-in pipeline. Safe for concurrent use; the
// store's atomic commit serializes racing attempts for the same pair.
type Arbiter struct {
	store    store.Store
	resolver *scancode.Resolver
	source   location.Source
	breaker  *gobreaker.CircuitBreaker[json.RawMessage]
	cfg      Config
}

// NewArbiter builds an arbiter. source is typically a location.Cached so
// rapid successive attempts share one device fix.
func NewArbiter(st store.Store, resolver *scancode.Resolver, source location.Source, cfg Config) *Arbiter {
	breaker := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "checkin-commit",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Business rejections are healthy responses, not store failures.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var tooFar *store.TooFarError
			return errors.As(err, &tooFar) ||
				errors.Is(err, store.ErrEventNotFound) ||
				errors.Is(err, store.ErrEventInactive) ||
				errors.Is(err, store.ErrLocationRequired)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return &Arbiter{
		store:    st,
		resolver: resolver,
		source:   source,
		breaker:  breaker,
		cfg:      cfg,
	}
}

// AttemptCheckIn runs the full pipeline for one scanned code, acquiring the
// location from the arbiter's configured source.
func (a *Arbiter) AttemptCheckIn(ctx context.Context, userID, code string, visibility models.VisibilityMode) (*Outcome, error) {
	return a.AttemptCheckInAt(ctx, userID, code, visibility, nil)
}

// AttemptCheckInAt runs the pipeline with a caller-supplied location sample,
// as reported by an untrusted client. A nil sample falls back to the
// configured source. The sample only feeds the local pre-filter and the
// commit arguments; the geofence decision stays server-side.
func (a *Arbiter) AttemptCheckInAt(ctx context.Context, userID, code string, visibility models.VisibilityMode, sample *models.LocationSample) (*Outcome, error) {
	start := time.Now()
	outcome, err := a.attempt(ctx, userID, code, visibility, sample)
	metrics.RecordCheckIn(outcomeLabel(outcome, err), time.Since(start))
	return outcome, err
}

func (a *Arbiter) attempt(ctx context.Context, userID, code string, visibility models.VisibilityMode, sample *models.LocationSample) (*Outcome, error) {
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	if !visibility.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVisibility, visibility)
	}

	res, err := a.resolver.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if !res.Event.Active {
		return nil, store.ErrEventInactive
	}

	// Location acquisition runs while the duplicate pre-check hits the
	// store. A known duplicate returns without waiting for a device fix;
	// the fix still lands in the cache for the next attempt.
	type locResult struct {
		sample models.LocationSample
		err    error
	}
	locCh := make(chan locResult, 1)
	if sample != nil {
		locCh <- locResult{sample: *sample}
	} else {
		go func() {
			s, err := a.source.GetLocation(ctx)
			locCh <- locResult{sample: s, err: err}
		}()
	}

	if existing := a.findExisting(ctx, userID, res.Event.ID); existing != nil {
		return &Outcome{
			Status:         StatusDuplicate,
			CheckInID:      existing.ID,
			EventID:        res.Event.ID,
			EventName:      res.Event.Name,
			WithinGeofence: existing.WithinGeofence,
			Verification:   existing.Verification,
			Visibility:     existing.Visibility,
			CheckedInAt:    existing.CheckedInAt,
		}, nil
	}

	loc := <-locCh
	args := store.CheckInCommitArgs{
		UserID:       userID,
		EventID:      res.Event.ID,
		Visibility:   visibility,
		Verification: res.Method,
	}

	switch {
	case loc.err == nil:
		// Local pre-filter: reject obviously-distant attempts without a
		// commit round trip. The commit recomputes on its own clock. An
		// event with no geofence record resolves to a zero-value location;
		// measuring against it would be meaningless, so the commit alone
		// answers for those.
		if res.Location.EventID != "" {
			dist := geo.DistanceMeters(loc.sample.Latitude, loc.sample.Longitude, res.Location.Latitude, res.Location.Longitude)
			if radius := res.Location.Radius(); dist > radius {
				return nil, &store.TooFarError{DistanceMeters: dist, RadiusMeters: radius}
			}
		}
		args.Latitude = &loc.sample.Latitude
		args.Longitude = &loc.sample.Longitude
	case a.cfg.AllowUnverified:
		logging.Debug().
			Str("user_id", userID).
			Str("event_id", res.Event.ID).
			Msg("proceeding without location sample")
	default:
		return nil, store.ErrLocationRequired
	}

	return a.commit(ctx, res, &args)
}

// commit runs the atomic operation behind the circuit breaker.
func (a *Arbiter) commit(ctx context.Context, res *scancode.Resolution, args *store.CheckInCommitArgs) (*Outcome, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode commit args: %w", err)
	}

	raw, err := a.breaker.Execute(func() (json.RawMessage, error) {
		return a.store.CallAtomic(ctx, store.OpCheckInCommit, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("check-in temporarily unavailable: %w", err)
		}
		return nil, err
	}

	var result store.CheckInCommitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode commit result: %w", err)
	}

	status := StatusCommitted
	if result.AlreadyCheckedIn {
		status = StatusDuplicate
	}
	verification := args.Verification
	if args.Latitude != nil {
		verification = models.VerificationGeolocation
	}
	return &Outcome{
		Status:         status,
		CheckInID:      result.CheckInID,
		EventID:        result.EventID,
		EventName:      res.Event.Name,
		WithinGeofence: result.WithinGeofence,
		DistanceMeters: result.DistanceMeters,
		Verification:   verification,
		Visibility:     args.Visibility,
		CheckedInAt:    result.CheckedInAt,
	}, nil
}

// findExisting returns the user's live check-in for the event, if any.
// Failures here are swallowed: the pre-check only saves latency and the
// atomic commit repeats the question authoritatively.
func (a *Arbiter) findExisting(ctx context.Context, userID, eventID string) *models.CheckIn {
	rows, err := a.store.Get(ctx, models.TableCheckIns,
		store.Filter{Column: "user_id", Value: userID},
		store.Filter{Column: "event_id", Value: eventID},
	)
	if err != nil {
		logging.Debug().Err(err).Msg("duplicate pre-check failed")
		return nil
	}
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			continue
		}
		var ci models.CheckIn
		if err := json.Unmarshal(data, &ci); err != nil {
			continue
		}
		if !ci.Cancelled {
			return &ci
		}
	}
	return nil
}

// outcomeLabel maps an arbitration result to a metrics label.
func outcomeLabel(outcome *Outcome, err error) string {
	switch {
	case err == nil && outcome.Status == StatusDuplicate:
		return "duplicate"
	case err == nil:
		return "committed"
	default:
		var tooFar *store.TooFarError
		if errors.As(err, &tooFar) {
			return "too_far"
		}
		if errors.Is(err, store.ErrEventInactive) ||
			errors.Is(err, store.ErrLocationRequired) ||
			errors.Is(err, scancode.ErrUnresolvable) ||
			errors.Is(err, scancode.ErrAmbiguous) ||
			errors.Is(err, ErrInvalidVisibility) {
			return "rejected"
		}
		return "error"
	}
}
