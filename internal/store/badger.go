// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/internal/bus"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
)

// Key layout in BadgerDB.
const (
	rowKeyPrefix = "row:"
	// uniqCheckInPrefix indexes checkin:<eventID>:<userID> -> check-in id.
	// This key is what serializes concurrent commits for the same pair.
	uniqCheckInPrefix = "uniq:checkin:"
)

// changeSubject is the bus subject carrying change events for a table.
func changeSubject(table string) string {
	return "change." + table
}

// maxTxnRetries bounds optimistic-transaction retries on write conflicts.
const maxTxnRetries = 10

// Options tunes store behavior.
type Options struct {
	// AllowUnverified permits the check-in commit to succeed with no
	// location sample, trusting the scanned code alone. Disabling it makes
	// the commit reject such requests with ErrLocationRequired.
	AllowUnverified bool
}

// Badger is a Store backed by BadgerDB. Writes publish change events on the
// bus so Watch streams observe them; the atomic check-in commit runs as a
// single transaction keyed on (userID, eventID).
type Badger struct {
	db   *badger.DB
	bus  bus.Bus
	opts Options

	closeOnce sync.Once
}

// Open opens (or creates) a Badger store at path. An empty path opens an
// in-memory store, used by tests and ephemeral deployments.
func Open(path string, b bus.Bus, opts Options) (*Badger, error) {
	var bopts badger.Options
	if path == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(path)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Badger{db: db, bus: b, opts: opts}, nil
}

// Close releases the underlying database.
func (s *Badger) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// rowKey builds the primary key for a row.
func rowKey(table, id string) []byte {
	return []byte(rowKeyPrefix + table + ":" + id)
}

// tablePrefix is the key prefix shared by all rows of a table.
func tablePrefix(table string) []byte {
	return []byte(rowKeyPrefix + table + ":")
}

// rowID extracts the row's id field.
func rowID(row Row) (string, bool) {
	id, ok := row["id"].(string)
	return id, ok && id != ""
}

// Get returns all rows in the table matching every filter.
func (s *Badger) Get(ctx context.Context, table string, filters ...Filter) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.StoreOperations.WithLabelValues("get", table).Inc()

	var rows []Row
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := tablePrefix(table)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var row Row
				if err := json.Unmarshal(val, &row); err != nil {
					return fmt.Errorf("decode row: %w", err)
				}
				if matchesAll(row, filters) {
					rows = append(rows, row)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	return rows, nil
}

// Insert stores a new row, assigning an id when the row has none.
func (s *Badger) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.StoreOperations.WithLabelValues("insert", table).Inc()

	stored := CloneRow(row)
	if _, ok := rowID(stored); !ok {
		stored["id"] = uuid.New().String()
	}
	id, _ := rowID(stored)

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}

	err = s.update(func(txn *badger.Txn) error {
		return txn.Set(rowKey(table, id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	s.publish(ChangeEvent{Table: table, Op: OpInsert, Row: stored})
	return stored, nil
}

// Update applies the patch to every matching row.
func (s *Badger) Update(ctx context.Context, table string, patch Row, filters ...Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	metrics.StoreOperations.WithLabelValues("update", table).Inc()

	var changed []Row
	err := s.update(func(txn *badger.Txn) error {
		changed = changed[:0]

		rows, err := s.collect(txn, table, filters)
		if err != nil {
			return err
		}
		for _, row := range rows {
			for k, v := range patch {
				row[k] = v
			}
			id, ok := rowID(row)
			if !ok {
				continue
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode row: %w", err)
			}
			if err := txn.Set(rowKey(table, id), data); err != nil {
				return err
			}
			changed = append(changed, row)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}

	for _, row := range changed {
		s.publish(ChangeEvent{Table: table, Op: OpUpdate, Row: row})
	}
	return len(changed), nil
}

// Delete removes every matching row.
func (s *Badger) Delete(ctx context.Context, table string, filters ...Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	metrics.StoreOperations.WithLabelValues("delete", table).Inc()

	var removed []Row
	err := s.update(func(txn *badger.Txn) error {
		removed = removed[:0]

		rows, err := s.collect(txn, table, filters)
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, ok := rowID(row)
			if !ok {
				continue
			}
			if err := txn.Delete(rowKey(table, id)); err != nil {
				return err
			}
			removed = append(removed, row)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}

	for _, row := range removed {
		s.publish(ChangeEvent{Table: table, Op: OpDelete, Row: row})
	}
	return len(removed), nil
}

// Watch opens a change stream for the table, narrowed by an optional filter.
func (s *Badger) Watch(ctx context.Context, table string, filter *Filter) (Stream, error) {
	raw, cancel, err := s.bus.Subscribe(ctx, changeSubject(table))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", table, err)
	}

	st := &busStream{
		events: make(chan ChangeEvent, 64),
		cancel: cancel,
	}

	go func() {
		defer close(st.events)
		for data := range raw {
			var ev ChangeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				logging.Warn().Err(err).Str("table", table).Msg("dropping undecodable change event")
				continue
			}
			if filter != nil && !filter.Matches(ev.Row) {
				continue
			}
			select {
			case st.events <- ev:
			default:
				logging.Warn().Str("table", table).Msg("watch consumer behind, dropping change event")
			}
		}
	}()

	return st, nil
}

// collect reads all rows of a table matching the filters inside a txn.
func (s *Badger) collect(txn *badger.Txn, table string, filters []Filter) ([]Row, error) {
	var rows []Row

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := tablePrefix(table)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			var row Row
			if err := json.Unmarshal(val, &row); err != nil {
				return fmt.Errorf("decode row: %w", err)
			}
			if matchesAll(row, filters) {
				rows = append(rows, row)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// update runs fn in a read-write transaction, retrying optimistic conflicts.
// Conflicts are how Badger serializes concurrent commits touching the same
// keys; retrying re-reads current state, which is exactly what the
// insert-if-absent commit needs.
func (s *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		metrics.StoreConflictRetries.Inc()
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", maxTxnRetries, err)
}

// publish emits a change event; delivery is best-effort.
func (s *Badger) publish(ev ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Str("table", ev.Table).Msg("encode change event")
		return
	}
	if err := s.bus.Publish(changeSubject(ev.Table), data); err != nil {
		logging.Warn().Err(err).Str("table", ev.Table).Msg("publish change event")
	}
}

// busStream adapts a bus subscription to the Stream interface.
type busStream struct {
	events chan ChangeEvent
	cancel func()
	once   sync.Once
}

func (s *busStream) Events() <-chan ChangeEvent {
	return s.events
}

func (s *busStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}
