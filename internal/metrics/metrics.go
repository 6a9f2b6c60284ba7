// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package metrics exposes Prometheus instrumentation for the check-in
// pipeline, the realtime layer, authentication, and the HTTP API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Check-in pipeline.
	CheckInsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkins_total",
			Help: "Total number of check-in attempts by outcome",
		},
		[]string{"outcome"}, // "committed", "duplicate", "too_far", "rejected", "error"
	)

	CheckInDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "checkin_duration_seconds",
			Help:    "End-to-end check-in arbitration duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	LocationAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_acquisitions_total",
			Help: "Total number of device location acquisitions",
		},
		[]string{"result"}, // "fresh", "cached", "unavailable"
	)

	CounterWorkerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendee_counter_retries_total",
			Help: "Total number of attendee counter update retries",
		},
	)

	// Realtime layer.
	LiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_live_channels",
			Help: "Current number of distinct subscribed realtime channels",
		},
	)

	LiveListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_listeners",
			Help: "Current number of registered realtime listeners",
		},
	)

	RealtimeEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Total number of change events delivered to listeners",
		},
		[]string{"table"},
	)

	RealtimeListenerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_listener_panics_total",
			Help: "Total number of recovered listener panics",
		},
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Total number of upstream watch reconnect attempts",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of live WebSocket connections",
		},
	)

	// Authentication.
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "Total number of login attempts by result",
		},
		[]string{"result"}, // "success", "bad_credentials", "throttled"
	)

	ThrottleLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "login_throttle_lockouts_total",
			Help: "Total number of login throttle lockouts",
		},
	)

	// HTTP API.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	// Store.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of record store operations",
		},
		[]string{"operation", "table"},
	)

	StoreConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_conflict_retries_total",
			Help: "Total number of optimistic transaction conflict retries",
		},
	)
)

// RecordCheckIn records a completed check-in attempt.
func RecordCheckIn(outcome string, duration time.Duration) {
	CheckInsTotal.WithLabelValues(outcome).Inc()
	CheckInDuration.Observe(duration.Seconds())
}

// RecordAPIRequest records a finished HTTP request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordLogin records a login attempt result.
func RecordLogin(result string) {
	LoginAttempts.WithLabelValues(result).Inc()
}
