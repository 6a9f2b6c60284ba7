// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package throttle rate-limits failed login attempts per identifier.
//
// Failures are tracked in a sliding window. When the window fills, the
// identifier is locked out for a fixed period and every attempt during the
// lockout is rejected with the remaining wait. State lives in memory;
// entries expire lazily and through an optional background sweep.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/rollcall-app/rollcall/internal/logging"
)

// Config controls the throttle thresholds.
type Config struct {
	// MaxAttempts is how many failures inside Window trigger a lockout.
	MaxAttempts int

	// Window is the sliding interval over which failures accumulate.
	Window time.Duration

	// Lockout is how long attempts are rejected once the window fills.
	Lockout time.Duration
}

// DefaultConfig matches the server defaults: five failures in five minutes
// lock the identifier out for thirty seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Window:      5 * time.Minute,
		Lockout:     30 * time.Second,
	}
}

// Decision is the outcome of a throttle check.
type Decision struct {
	// Allowed reports whether the attempt may proceed.
	Allowed bool

	// Wait is how long the caller must wait when not allowed. It maps
	// directly to a Retry-After header.
	Wait time.Duration
}

// entry tracks one identifier's recent failures.
type entry struct {
	failures    []time.Time
	lockedUntil time.Time
}

// Throttle is a sliding-window login throttle. Safe for concurrent use.
type Throttle struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	onLockout func(id string)
}

// New creates a throttle with the given thresholds.
func New(cfg Config) *Throttle {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Throttle{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// SetOnLockout registers a callback fired whenever an identifier locks out.
// Used for metrics and audit hooks.
func (t *Throttle) SetOnLockout(fn func(id string)) {
	t.mu.Lock()
	t.onLockout = fn
	t.mu.Unlock()
}

// CheckAllowed reports whether an attempt for id may proceed right now.
// It never mutates failure history; call RecordFailure or Clear with the
// attempt's outcome.
func (t *Throttle) CheckAllowed(id string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Decision{Allowed: true}
	}

	now := t.now()
	if now.Before(e.lockedUntil) {
		return Decision{Wait: e.lockedUntil.Sub(now)}
	}

	t.pruneLocked(id, e, now)
	return Decision{Allowed: true}
}

// RecordFailure registers a failed attempt for id and returns the resulting
// decision for the next attempt. Filling the window starts a lockout.
func (t *Throttle) RecordFailure(id string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}

	// Failures during an active lockout extend nothing; the caller should
	// have checked first, but double-counting here would punish retries
	// that raced the unlock.
	if now.Before(e.lockedUntil) {
		return Decision{Wait: e.lockedUntil.Sub(now)}
	}

	t.pruneLocked(id, e, now)
	e.failures = append(e.failures, now)

	if len(e.failures) < t.cfg.MaxAttempts {
		return Decision{Allowed: true}
	}

	e.lockedUntil = now.Add(t.cfg.Lockout)
	e.failures = e.failures[:0]

	logging.Warn().
		Str("id", id).
		Dur("lockout", t.cfg.Lockout).
		Msg("login throttle engaged")

	if t.onLockout != nil {
		go t.onLockout(id)
	}
	return Decision{Wait: t.cfg.Lockout}
}

// Clear forgets all throttle state for id. Called on successful login.
func (t *Throttle) Clear(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// pruneLocked drops failures that slid out of the window and removes the
// entry entirely once nothing remains. Caller holds t.mu.
func (t *Throttle) pruneLocked(id string, e *entry, now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept

	if len(e.failures) == 0 && !now.Before(e.lockedUntil) {
		delete(t.entries, id)
	}
}

// sweep removes every expired entry. Returns how many were dropped.
func (t *Throttle) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	before := len(t.entries)
	for id, e := range t.entries {
		t.pruneLocked(id, e, now)
	}
	return before - len(t.entries)
}

// RunCleanup sweeps expired state at the given interval until ctx ends.
func (t *Throttle) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.sweep(); n > 0 {
				logging.Debug().Int("count", n).Msg("swept expired throttle entries")
			}
		}
	}
}
