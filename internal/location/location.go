// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package location abstracts device position acquisition for check-ins.
//
// A Source produces point-in-time samples. Cached wraps a Source with a
// freshness window so rapid successive check-ins reuse a recent fix, and
// bounds each acquisition with a timeout. Location failure is never fatal
// here; callers decide whether an unverified check-in proceeds.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
	"github.com/rollcall-app/rollcall/internal/models"
)

// ErrUnavailable means no location sample could be produced in time. All
// source failures, including timeouts, map to this error.
var ErrUnavailable = errors.New("device location unavailable")

// Source produces device position samples.
type Source interface {
	GetLocation(ctx context.Context) (models.LocationSample, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (models.LocationSample, error)

// GetLocation implements Source.
func (f SourceFunc) GetLocation(ctx context.Context) (models.LocationSample, error) {
	return f(ctx)
}

// None returns a Source that never produces a sample. Server deployments
// use it when the only location input is what clients report per request.
func None() Source {
	return SourceFunc(func(context.Context) (models.LocationSample, error) {
		return models.LocationSample{}, ErrUnavailable
	})
}

// Cached decorates a Source with a freshness cache and an acquisition
// timeout. A sample younger than maxAge is served without touching the
// underlying source. Acquisitions are serialized so concurrent callers
// share one fix instead of racing the hardware.
type Cached struct {
	src     Source
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time

	mu     sync.Mutex
	sample models.LocationSample
	have   bool
}

// NewCached wraps src. timeout bounds each acquisition; maxAge is the
// freshness window for cached samples.
func NewCached(src Source, timeout, maxAge time.Duration) *Cached {
	return &Cached{
		src:     src,
		timeout: timeout,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// GetLocation returns a fresh-enough sample, acquiring a new one as needed.
// It returns ErrUnavailable when the source fails or the timeout elapses.
func (c *Cached) GetLocation(ctx context.Context) (models.LocationSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.have && c.now().Sub(c.sample.CapturedAt) <= c.maxAge {
		metrics.LocationAcquisitions.WithLabelValues("cached").Inc()
		return c.sample, nil
	}

	sample, err := c.acquire(ctx)
	if err != nil {
		metrics.LocationAcquisitions.WithLabelValues("unavailable").Inc()
		logging.Debug().Err(err).Msg("location acquisition failed")
		return models.LocationSample{}, ErrUnavailable
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = c.now()
	}
	c.sample = sample
	c.have = true
	metrics.LocationAcquisitions.WithLabelValues("fresh").Inc()
	return sample, nil
}

// acquire runs the source under the timeout. The source runs in its own
// goroutine so a misbehaving implementation cannot block past the deadline.
func (c *Cached) acquire(ctx context.Context) (models.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		sample models.LocationSample
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.src.GetLocation(ctx)
		ch <- result{sample: s, err: err}
	}()

	select {
	case r := <-ch:
		return r.sample, r.err
	case <-ctx.Done():
		return models.LocationSample{}, ctx.Err()
	}
}

// Invalidate drops the cached sample so the next call hits the source.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.have = false
	c.mu.Unlock()
}
