// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package realtime multiplexes store change streams to in-process listeners.
//
// Subscriptions with the same table and filter share one upstream watch.
// The first subscriber on a channel opens the watch; the last one to leave
// closes it. A dropped upstream stream reconnects with capped exponential
// backoff, so listeners ride out bus restarts without resubscribing.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
	"github.com/rollcall-app/rollcall/internal/store"
)

// Handler receives change events for one subscription. Handlers run on the
// channel's pump goroutine; slow handlers delay later listeners on the same
// channel, never other channels.
type Handler func(store.ChangeEvent)

// ErrShutdown is returned by Subscribe after the multiplexer stops.
var ErrShutdown = errors.New("realtime multiplexer is shut down")

// reconnect backoff bounds for a dropped upstream stream.
const (
	reconnectInitialInterval = 250 * time.Millisecond
	reconnectMaxInterval     = 30 * time.Second
)

// ChannelKey is the canonical identity of a subscription target: the bare
// table name, or table:column=value when filtered. Subscriptions with equal
// keys share one upstream watch.
func ChannelKey(table string, filter *store.Filter) string {
	if filter == nil {
		return table
	}
	return fmt.Sprintf("%s:%s=%v", table, filter.Column, filter.Value)
}

// listener is one registered handler. Listeners keep registration order.
type listener struct {
	id int
	fn Handler
}

// channel fans one upstream watch out to its listeners.
type channel struct {
	key    string
	table  string
	filter *store.Filter
	cancel context.CancelFunc

	// ready closes once the creating subscriber has opened the first watch
	// (or failed to). Until then initErr must not be read. Later subscribers
	// on the same key block on ready instead of the registry lock, so a slow
	// watch never stalls unrelated channels.
	ready   chan struct{}
	initErr error

	mu        sync.Mutex
	listeners []listener
	nextID    int
}

// addListener registers fn and returns its id.
func (c *channel) addListener(fn Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	return id
}

// removeListener drops the listener and reports how many remain.
func (c *channel) removeListener(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
	return len(c.listeners)
}

// dispatch invokes every listener in registration order. A panicking
// listener is logged and skipped; the rest still run.
func (c *channel) dispatch(ev store.ChangeEvent) {
	c.mu.Lock()
	snapshot := make([]listener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.RealtimeListenerPanics.Inc()
					logging.Error().
						Str("channel", c.key).
						Interface("panic", r).
						Msg("realtime listener panicked")
				}
			}()
			l.fn(ev)
		}()
	}
	metrics.RealtimeEventsDelivered.WithLabelValues(ev.Table).Inc()
}

// Multiplexer shares upstream change streams across subscribers.
type Multiplexer struct {
	store store.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

// New creates a multiplexer over the store's change streams.
func New(s store.Store) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		store:    s,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}
}

// Subscribe registers fn for changes on table, optionally narrowed by
// filter. It returns an unsubscribe function that is safe to call more
// than once.
func (m *Multiplexer) Subscribe(table string, filter *store.Filter, fn Handler) (func(), error) {
	key := ChannelKey(table, filter)

	// Registry bookkeeping only under m.mu; the watch opens outside it.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}

	ch, existing := m.channels[key]
	var chCtx context.Context
	if !existing {
		var chCancel context.CancelFunc
		chCtx, chCancel = context.WithCancel(m.ctx)
		ch = &channel{key: key, table: table, cancel: chCancel, ready: make(chan struct{})}
		if filter != nil {
			f := *filter
			ch.filter = &f
		}
		m.channels[key] = ch
		metrics.LiveChannels.Set(float64(len(m.channels)))
	}
	id := ch.addListener(fn)
	metrics.LiveListeners.Inc()
	m.mu.Unlock()

	// Open the first watch (or wait on whoever is opening it) before
	// returning, so subscribers never miss changes made right after
	// Subscribe. The channel's own listener keeps it registered while the
	// watch is in flight.
	if !existing {
		m.initChannel(chCtx, ch)
	} else {
		<-ch.ready
	}
	if ch.initErr != nil {
		ch.removeListener(id)
		metrics.LiveListeners.Dec()
		return nil, ch.initErr
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			metrics.LiveListeners.Dec()
			m.mu.Lock()
			defer m.mu.Unlock()
			if ch.removeListener(id) == 0 && m.channels[key] == ch {
				ch.cancel()
				delete(m.channels, key)
				metrics.LiveChannels.Set(float64(len(m.channels)))
			}
		})
	}
	return unsubscribe, nil
}

// initChannel opens a new channel's first watch and starts its pump. It
// runs on the creating subscriber's goroutine, after m.mu is released, and
// closes ch.ready to publish the result to concurrent subscribers.
func (m *Multiplexer) initChannel(ctx context.Context, ch *channel) {
	defer close(ch.ready)

	stream, err := m.store.Watch(ctx, ch.table, ch.filter)
	if err != nil {
		ch.initErr = fmt.Errorf("watch %s: %w", ch.key, err)
		ch.cancel()
		m.dropChannel(ch)
		return
	}

	m.mu.Lock()
	if m.closed {
		// Shutdown won the race; it already emptied the registry and may be
		// past its wg.Wait, so the pump must not start.
		m.mu.Unlock()
		ch.initErr = ErrShutdown
		if cerr := stream.Close(); cerr != nil {
			logging.Debug().Err(cerr).Str("channel", ch.key).Msg("stream close")
		}
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.pump(ctx, ch, stream)
}

// dropChannel removes ch from the registry if it is still the registered
// entry for its key.
func (m *Multiplexer) dropChannel(ch *channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[ch.key] == ch {
		delete(m.channels, ch.key)
		metrics.LiveChannels.Set(float64(len(m.channels)))
	}
}

// pump owns the channel's upstream watch, reconnecting on failure until
// the channel is torn down. The initial stream comes from initChannel.
func (m *Multiplexer) pump(ctx context.Context, ch *channel, stream store.Stream) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0

	for {
		if stream == nil {
			var err error
			stream, err = m.store.Watch(ctx, ch.table, ch.filter)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.RealtimeReconnects.Inc()
				wait := bo.NextBackOff()
				logging.Warn().
					Err(err).
					Str("channel", ch.key).
					Dur("retry_in", wait).
					Msg("realtime watch failed, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}
		}
		bo.Reset()

		done := m.drain(ctx, ch, stream)
		stream = nil
		if done {
			return
		}

		// Stream ended while the channel is still wanted.
		metrics.RealtimeReconnects.Inc()
		logging.Warn().Str("channel", ch.key).Msg("realtime stream ended, reconnecting")
	}
}

// drain delivers stream events until the stream ends or ctx is canceled.
// It reports whether the pump should exit.
func (m *Multiplexer) drain(ctx context.Context, ch *channel, stream store.Stream) bool {
	defer func() {
		if err := stream.Close(); err != nil {
			logging.Debug().Err(err).Str("channel", ch.key).Msg("stream close")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-stream.Events():
			if !ok {
				return ctx.Err() != nil
			}
			ch.dispatch(ev)
		}
	}
}

// Shutdown tears down every channel and waits for the pumps to exit.
// Registered unsubscribe functions stay safe to call afterwards.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for key, ch := range m.channels {
		ch.cancel()
		delete(m.channels, key)
	}
	metrics.LiveChannels.Set(0)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// ChannelCount reports how many distinct channels are live.
func (m *Multiplexer) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
