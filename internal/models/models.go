// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package models defines the durable record shapes shared by the store, the
// check-in arbiter, and the API layer.
package models

import "time"

// Table names used with the record store.
const (
	TableEvents    = "events"
	TableLocations = "event_locations"
	TableCheckIns  = "checkins"
	TableUsers     = "users"
)

// VisibilityMode controls whether a check-in is shown with the attendee's
// identity or anonymously.
type VisibilityMode string

const (
	VisibilityPublic  VisibilityMode = "public"
	VisibilityPrivate VisibilityMode = "private"
)

// Valid reports whether the mode is one of the known values.
func (v VisibilityMode) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// VerificationMethod records how presence was established for a check-in.
type VerificationMethod string

const (
	// VerificationGeolocation means a location sample was acquired and the
	// server validated it against the event geofence.
	VerificationGeolocation VerificationMethod = "geolocation"

	// VerificationQRScan means the attendee presented a scanned code but no
	// location sample was available.
	VerificationQRScan VerificationMethod = "qr_scan"

	// VerificationDirect means the attendee typed an access code and no
	// location sample was available.
	VerificationDirect VerificationMethod = "direct"
)

// Event is a published event that attendees can check in to.
type Event struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id"`
	AccessCode    string    `json:"access_code,omitempty"`
	Active        bool      `json:"active"`
	AttendeeCount int       `json:"attendee_count"`
	StartsAt      time.Time `json:"starts_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventLocation is the immutable geofence definition for an event. It is
// created when the event is published and read-only to the check-in path.
type EventLocation struct {
	EventID              string  `json:"event_id"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	GeofenceRadiusMeters int     `json:"geofence_radius_meters"`
	Active               bool    `json:"active"`
}

// DefaultGeofenceRadiusMeters applies when an event location does not set an
// explicit radius.
const DefaultGeofenceRadiusMeters = 50

// Radius returns the geofence radius, falling back to the default.
func (l *EventLocation) Radius() float64 {
	if l.GeofenceRadiusMeters > 0 {
		return float64(l.GeofenceRadiusMeters)
	}
	return DefaultGeofenceRadiusMeters
}

// LocationSample is a point-in-time device position. Samples are never
// persisted as a source of truth; only the sample submitted with the
// authoritative commit governs the geofence decision.
type LocationSample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// CheckIn is the durable record asserting presence at an event.
//
// Invariant: at most one non-cancelled check-in exists per (UserID, EventID)
// pair, enforced by the store's atomic commit operation.
type CheckIn struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	EventID        string             `json:"event_id"`
	CheckedInAt    time.Time          `json:"checked_in_at"`
	Latitude       *float64           `json:"latitude,omitempty"`
	Longitude      *float64           `json:"longitude,omitempty"`
	WithinGeofence bool               `json:"within_geofence"`
	Visibility     VisibilityMode     `json:"visibility_mode"`
	Verification   VerificationMethod `json:"verification_method"`
	Cancelled      bool               `json:"cancelled"`
}

// User is an account that can log in and check in to events.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
