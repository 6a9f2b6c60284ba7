// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/rollcall-app/rollcall/internal/logging"
)

// ServerConfig configures the embedded NATS server.
type ServerConfig struct {
	Host string
	Port int
}

// EmbeddedServer wraps a NATS server with lifecycle management, giving
// single-instance deployments a change-notification transport with no
// external dependencies.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded NATS server.
// Returns an error if the server fails to become ready within 30 seconds.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "rollcall-changes",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		MaxPayload: 1024 * 1024, // change events are small rows
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Shutdown gracefully stops the server.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}

// NATS is a Bus backed by a NATS connection. Subjects map one-to-one onto
// NATS subjects.
type NATS struct {
	conn *natsgo.Conn

	mu     sync.Mutex
	closed bool
}

// ConnectNATS dials the NATS server at url and returns a Bus over it.
func ConnectNATS(url string) (*NATS, error) {
	conn, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	return &NATS{conn: conn}, nil
}

// Publish sends data on the subject.
func (n *NATS) Publish(subject string, data []byte) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a subscriber for the subject.
func (n *NATS) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, nil, ErrClosed
	}
	n.mu.Unlock()

	ch := make(chan []byte, subscriberBuffer)

	// Unsubscribe does not wait for an in-flight callback, so the send and
	// the close must be serialized through sendMu or the callback could
	// write to a closed channel.
	var sendMu sync.Mutex
	done := false

	sub, err := n.conn.Subscribe(subject, func(msg *natsgo.Msg) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if done {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			logging.Warn().Str("subject", subject).Msg("bus subscriber behind, dropping change event")
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			sendMu.Lock()
			done = true
			sendMu.Unlock()
			close(ch)
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

// Close drains the connection. Subscriber channels are closed by their
// cancel functions; callers shutting down should cancel their contexts first.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	if err := n.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS: %w", err)
	}
	return nil
}
