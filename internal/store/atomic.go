// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/internal/geo"
	"github.com/rollcall-app/rollcall/internal/models"
)

// Atomic operation names accepted by CallAtomic.
const (
	// OpCheckInCommit is the authoritative check-in commit: one transaction
	// that re-validates the event, recomputes the geofence from server-held
	// coordinates, and inserts the check-in row if absent.
	OpCheckInCommit = "checkin.commit"

	// OpIncrementAttendees adjusts an event's attendee counter.
	OpIncrementAttendees = "event.increment_attendees"
)

// CheckInCommitArgs are the arguments to OpCheckInCommit. Coordinates are
// the raw client sample; the commit never trusts any client-side geofence
// conclusion.
type CheckInCommitArgs struct {
	UserID       string                    `json:"user_id"`
	EventID      string                    `json:"event_id"`
	Latitude     *float64                  `json:"latitude,omitempty"`
	Longitude    *float64                  `json:"longitude,omitempty"`
	Visibility   models.VisibilityMode     `json:"visibility_mode"`
	Verification models.VerificationMethod `json:"verification_method"`
}

// CheckInCommitResult is the outcome of OpCheckInCommit. AlreadyCheckedIn
// means the row existed before this call; CheckInID then references the
// original row.
type CheckInCommitResult struct {
	CheckInID        string    `json:"check_in_id"`
	EventID          string    `json:"event_id"`
	AlreadyCheckedIn bool      `json:"already_checked_in"`
	WithinGeofence   bool      `json:"within_geofence"`
	DistanceMeters   float64   `json:"distance_meters"`
	CheckedInAt      time.Time `json:"checked_in_at"`
}

// IncrementAttendeesArgs are the arguments to OpIncrementAttendees.
type IncrementAttendeesArgs struct {
	EventID string `json:"event_id"`
	Delta   int    `json:"delta"`
}

// CallAtomic dispatches a named atomic operation.
func (s *Badger) CallAtomic(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch name {
	case OpCheckInCommit:
		var a CheckInCommitArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", name, err)
		}
		res, err := s.commitCheckIn(&a)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)

	case OpIncrementAttendees:
		var a IncrementAttendeesArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", name, err)
		}
		return nil, s.incrementAttendees(&a)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
}

// uniqCheckInKey is the serialization point for one (user, event) pair.
func uniqCheckInKey(eventID, userID string) []byte {
	return []byte(uniqCheckInPrefix + eventID + ":" + userID)
}

// commitCheckIn performs the insert-if-absent check-in commit. It is the
// sole writer of within_geofence. Safe under concurrent invocation: the
// transaction reads the uniqueness key, so two racing commits for the same
// pair conflict and the retry observes the winner's row.
func (s *Badger) commitCheckIn(args *CheckInCommitArgs) (*CheckInCommitResult, error) {
	if args.UserID == "" || args.EventID == "" {
		return nil, errors.New("check-in commit requires user_id and event_id")
	}
	if !args.Visibility.Valid() {
		args.Visibility = models.VisibilityPublic
	}

	var (
		result  CheckInCommitResult
		created *models.CheckIn
	)

	err := s.update(func(txn *badger.Txn) error {
		created = nil
		result = CheckInCommitResult{EventID: args.EventID}

		event, location, err := loadEventForCommit(txn, args.EventID)
		if err != nil {
			return err
		}
		if !event.Active || !location.Active {
			return ErrEventInactive
		}

		// Duplicate prevention: the uniqueness key read participates in
		// conflict detection, so racing first-time commits serialize here.
		existingID, err := readUniqCheckIn(txn, args.EventID, args.UserID)
		if err != nil {
			return err
		}
		if existingID != "" {
			existing, err := readCheckIn(txn, existingID)
			if err != nil {
				return err
			}
			if existing != nil && !existing.Cancelled {
				result.CheckInID = existing.ID
				result.AlreadyCheckedIn = true
				result.WithinGeofence = existing.WithinGeofence
				result.CheckedInAt = existing.CheckedInAt
				return nil
			}
		}

		row := models.CheckIn{
			ID:           uuid.New().String(),
			UserID:       args.UserID,
			EventID:      args.EventID,
			CheckedInAt:  time.Now().UTC(),
			Visibility:   args.Visibility,
			Verification: args.Verification,
		}

		switch {
		case args.Latitude != nil && args.Longitude != nil:
			// Server-side geofence decision from server-held coordinates.
			distance := geo.DistanceMeters(*args.Latitude, *args.Longitude, location.Latitude, location.Longitude)
			radius := location.Radius()
			if distance > radius {
				return &TooFarError{DistanceMeters: distance, RadiusMeters: radius}
			}
			row.Latitude = args.Latitude
			row.Longitude = args.Longitude
			row.WithinGeofence = true
			row.Verification = models.VerificationGeolocation
			result.DistanceMeters = distance

		case s.opts.AllowUnverified:
			// Policy: no sample degrades verification instead of blocking.
			row.WithinGeofence = true
			if row.Verification == models.VerificationGeolocation || row.Verification == "" {
				row.Verification = models.VerificationQRScan
			}

		default:
			return ErrLocationRequired
		}

		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("encode check-in: %w", err)
		}
		if err := txn.Set(rowKey(models.TableCheckIns, row.ID), data); err != nil {
			return err
		}
		if err := txn.Set(uniqCheckInKey(args.EventID, args.UserID), []byte(row.ID)); err != nil {
			return err
		}

		created = &row
		result.CheckInID = row.ID
		result.WithinGeofence = row.WithinGeofence
		result.CheckedInAt = row.CheckedInAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created != nil {
		s.publish(ChangeEvent{Table: models.TableCheckIns, Op: OpInsert, Row: checkInRow(created)})
	}
	return &result, nil
}

// incrementAttendees adjusts the attendee counter on the event row.
func (s *Badger) incrementAttendees(args *IncrementAttendeesArgs) error {
	var updated Row

	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(models.TableEvents, args.EventID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}

		var row Row
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}

		count, _ := row["attendee_count"].(float64)
		row["attendee_count"] = count + float64(args.Delta)

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := txn.Set(rowKey(models.TableEvents, args.EventID), data); err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment attendees: %w", err)
	}

	s.publish(ChangeEvent{Table: models.TableEvents, Op: OpUpdate, Row: updated})
	return nil
}

// loadEventForCommit reads the event and its location record inside a txn.
func loadEventForCommit(txn *badger.Txn, eventID string) (*models.Event, *models.EventLocation, error) {
	var event models.Event
	item, err := txn.Get(rowKey(models.TableEvents, eventID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, ErrEventNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &event)
	}); err != nil {
		return nil, nil, fmt.Errorf("decode event: %w", err)
	}

	var location models.EventLocation
	item, err = txn.Get(rowKey(models.TableLocations, eventID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, ErrEventNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &location)
	}); err != nil {
		return nil, nil, fmt.Errorf("decode event location: %w", err)
	}

	return &event, &location, nil
}

// readUniqCheckIn returns the indexed check-in id for a pair, or empty.
func readUniqCheckIn(txn *badger.Txn, eventID, userID string) (string, error) {
	item, err := txn.Get(uniqCheckInKey(eventID, userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var id string
	err = item.Value(func(val []byte) error {
		id = string(val)
		return nil
	})
	return id, err
}

// readCheckIn loads a check-in row by id, or nil when absent.
func readCheckIn(txn *badger.Txn, id string) (*models.CheckIn, error) {
	item, err := txn.Get(rowKey(models.TableCheckIns, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var row models.CheckIn
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	}); err != nil {
		return nil, fmt.Errorf("decode check-in: %w", err)
	}
	return &row, nil
}

// checkInRow converts a CheckIn to the generic row shape used by change
// events and Get.
func checkInRow(c *models.CheckIn) Row {
	data, err := json.Marshal(c)
	if err != nil {
		return Row{"id": c.ID}
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return Row{"id": c.ID}
	}
	return row
}
