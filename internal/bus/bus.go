// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package bus carries record-store change notifications between the store
// and Watch streams. Payloads are opaque bytes; the store owns the encoding.
package bus

import (
	"context"
	"errors"
	"sync"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 256

// Bus is a subject-based publish/subscribe transport.
type Bus interface {
	// Publish sends data to every current subscriber of the subject.
	Publish(subject string, data []byte) error

	// Subscribe returns a channel of payloads for the subject and a cancel
	// function that releases the subscription. The channel is closed on
	// cancel, on Close, or when ctx is done.
	Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error)

	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Memory is an in-process Bus. It backs single-node deployments and tests.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan []byte)}
}

// Publish sends data to every subscriber of the subject. A subscriber whose
// buffer is full misses the event; publishers never block.
func (m *Memory) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, ch := range m.subs[subject] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for the subject.
func (m *Memory) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}

	id := m.nextID
	m.nextID++

	ch := make(chan []byte, subscriberBuffer)
	if m.subs[subject] == nil {
		m.subs[subject] = make(map[int]chan []byte)
	}
	m.subs[subject][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.subs[subject]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(m.subs, subject)
				}
			}
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return ch, cancel, nil
}

// Close shuts the bus down and closes every subscriber channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for subject, subs := range m.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(m.subs, subject)
	}
	return nil
}
