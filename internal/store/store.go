// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package store defines the record-store contract the check-in core is
// written against, plus a durable BadgerDB implementation.
//
// The contract is deliberately backend-agnostic: generic row CRUD, a named
// atomic operation entry point, and a change-notification stream. The
// check-in arbiter and the realtime multiplexer consume only this interface;
// the BadgerDB implementation is one provider of it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Row is a generic record. Values round-trip through JSON, so numbers
// unmarshal as float64.
type Row map[string]any

// Filter is a single-column equality constraint.
type Filter struct {
	Column string
	Value  string
}

// Matches reports whether the row satisfies the filter.
func (f Filter) Matches(row Row) bool {
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// Op identifies the kind of change carried by a ChangeEvent.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is one row-level change emitted by Watch.
type ChangeEvent struct {
	Table string `json:"table"`
	Op    Op     `json:"op"`
	Row   Row    `json:"row"`
}

// Stream is a live sequence of change events for one Watch call.
type Stream interface {
	// Events returns the channel change events arrive on. The channel is
	// closed when the stream ends.
	Events() <-chan ChangeEvent

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// Store is the record-store contract.
type Store interface {
	// Get returns all rows in the table matching every filter.
	Get(ctx context.Context, table string, filters ...Filter) ([]Row, error)

	// Insert stores a new row and returns it with any assigned fields (id).
	Insert(ctx context.Context, table string, row Row) (Row, error)

	// Update applies the patch to every matching row and returns the number
	// of rows changed.
	Update(ctx context.Context, table string, patch Row, filters ...Filter) (int, error)

	// Delete removes every matching row and returns the number removed.
	Delete(ctx context.Context, table string, filters ...Filter) (int, error)

	// CallAtomic invokes a named server-side operation that runs as a single
	// transaction. Arguments and results are JSON documents.
	CallAtomic(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

	// Watch opens a change stream for the table, optionally narrowed by a
	// single-column filter. The stream ends when ctx is done or Close is
	// called.
	Watch(ctx context.Context, table string, filter *Filter) (Stream, error)
}

// Sentinel errors shared by store implementations.
var (
	// ErrUnknownOperation is returned by CallAtomic for an unregistered name.
	ErrUnknownOperation = errors.New("unknown atomic operation")

	// ErrEventNotFound is returned by the check-in commit when the event or
	// its location record does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrEventInactive is returned by the check-in commit when the event's
	// active flag is false.
	ErrEventInactive = errors.New("event is not active")

	// ErrLocationRequired is returned by the check-in commit when no
	// coordinates were submitted and unverified check-ins are disabled.
	ErrLocationRequired = errors.New("location sample required")
)

// TooFarError is the server-side geofence rejection. It carries the
// recomputed distance so callers can tell the user how much closer to get.
type TooFarError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("outside geofence: %.1fm from center, radius %.1fm", e.DistanceMeters, e.RadiusMeters)
}

// CloneRow returns a shallow copy of the row.
func CloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// matchesAll reports whether a row satisfies every filter.
func matchesAll(row Row, filters []Filter) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}
