// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package scancode resolves opaque scanned codes to events.
//
// A code may arrive as a raw event UUID, a deep link / QR URL containing a
// UUID in its path, or a short human-typed access code. Strategies are tried
// strictly in that order; a code matching the UUID pattern never falls
// through to the later strategies even when no such event exists.
package scancode

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/store"
)

// Resolution is a successfully resolved code.
type Resolution struct {
	Event    models.Event
	Location models.EventLocation

	// Method is the verification method implied by how the code arrived:
	// qr_scan for UUID/URL codes, direct for typed access codes. It applies
	// only when no location sample ends up backing the check-in.
	Method models.VerificationMethod
}

// Resolver errors.
var (
	// ErrUnresolvable means no strategy produced exactly one event.
	ErrUnresolvable = errors.New("scan code does not resolve to an event")

	// ErrAmbiguous means a strategy matched more than one event.
	ErrAmbiguous = errors.New("scan code is ambiguous")
)

// Resolver maps scan codes to events through the record store.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve applies the ordered strategies to the code.
func (r *Resolver) Resolve(ctx context.Context, code string) (*Resolution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrUnresolvable
	}

	// Strategy 1: direct UUID.
	if id, err := uuid.Parse(code); err == nil {
		return r.lookupByID(ctx, id.String(), models.VerificationQRScan)
	}

	// Strategy 2: URL path extraction.
	if id, ok := extractUUIDFromURL(code); ok {
		return r.lookupByID(ctx, id, models.VerificationQRScan)
	}

	// Strategy 3: access-code lookup.
	return r.lookupByAccessCode(ctx, code)
}

// lookupByID loads the event and its location by event id.
func (r *Resolver) lookupByID(ctx context.Context, id string, method models.VerificationMethod) (*Resolution, error) {
	rows, err := r.store.Get(ctx, models.TableEvents, store.Filter{Column: "id", Value: id})
	if err != nil {
		return nil, fmt.Errorf("lookup event %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrUnresolvable
	}
	return r.buildResolution(ctx, rows[0], method)
}

// lookupByAccessCode loads the event by its short access code.
func (r *Resolver) lookupByAccessCode(ctx context.Context, code string) (*Resolution, error) {
	rows, err := r.store.Get(ctx, models.TableEvents, store.Filter{Column: "access_code", Value: code})
	if err != nil {
		return nil, fmt.Errorf("lookup access code: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, ErrUnresolvable
	case 1:
		return r.buildResolution(ctx, rows[0], models.VerificationDirect)
	default:
		return nil, ErrAmbiguous
	}
}

// buildResolution decodes the event row and fetches its location record.
func (r *Resolver) buildResolution(ctx context.Context, row store.Row, method models.VerificationMethod) (*Resolution, error) {
	var event models.Event
	if err := decodeRow(row, &event); err != nil {
		return nil, err
	}

	res := &Resolution{Event: event, Method: method}

	locRows, err := r.store.Get(ctx, models.TableLocations, store.Filter{Column: "event_id", Value: event.ID})
	if err != nil {
		return nil, fmt.Errorf("lookup event location: %w", err)
	}
	if len(locRows) > 0 {
		if err := decodeRow(locRows[0], &res.Location); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// extractUUIDFromURL scans a deep link's path segments for an event UUID.
// The last UUID-shaped segment wins, so links like
// https://rollcall.example/e/<uuid> and app://checkin/<uuid> both resolve.
func extractUUIDFromURL(code string) (string, bool) {
	u, err := url.Parse(code)
	if err != nil || u.Scheme == "" {
		return "", false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if u.Host != "" && u.Path == "" {
		segments = nil
	}

	for i := len(segments) - 1; i >= 0; i-- {
		if id, err := uuid.Parse(segments[i]); err == nil {
			return id.String(), true
		}
	}

	// Deep links of the form app://<uuid> carry the id as the host.
	if id, err := uuid.Parse(u.Host); err == nil {
		return id.String(), true
	}
	return "", false
}

// decodeRow converts a generic store row into a typed struct.
func decodeRow(row store.Row, out any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}
