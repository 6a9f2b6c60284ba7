// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package main is the entry point for the Rollcall server.
//
// Rollcall records event check-ins: attendees scan a code, the server
// arbitrates the attempt against the event's geofence, and live attendance
// flows to connected clients over websockets.
//
// Startup order:
//
//  1. Configuration: layered Koanf load (defaults, config.yaml, ROLLCALL_* env)
//  2. Logging: zerolog with the configured level and format
//  3. Bus: embedded NATS server, external NATS, or in-process memory bus
//  4. Store: Badger-backed record store with the check-in commit operation
//  5. Services: realtime multiplexer, check-in arbiter, login throttle, auth
//  6. Supervision: suture tree running the attendee counter, throttle
//     sweeper, and HTTP server
//
// Shutdown is graceful on SIGINT/SIGTERM: the HTTP listener drains with a
// timeout, workers stop, then the store and bus close.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rollcall-app/rollcall/internal/api"
	"github.com/rollcall-app/rollcall/internal/auth"
	"github.com/rollcall-app/rollcall/internal/bus"
	"github.com/rollcall-app/rollcall/internal/checkin"
	"github.com/rollcall-app/rollcall/internal/config"
	"github.com/rollcall-app/rollcall/internal/location"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/realtime"
	"github.com/rollcall-app/rollcall/internal/scancode"
	"github.com/rollcall-app/rollcall/internal/store"
	"github.com/rollcall-app/rollcall/internal/supervisor"
	"github.com/rollcall-app/rollcall/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Bool("allow_unverified", cfg.CheckIn.AllowUnverified).
		Msg("Starting Rollcall")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Change-notification bus. An embedded NATS server keeps single-node
	// deployments self-contained; the memory bus covers NATS-disabled runs.
	msgBus, cleanupBus, err := buildBus(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to start message bus")
	}
	defer cleanupBus()

	st, err := store.Open(cfg.Database.Path, msgBus, store.Options{
		AllowUnverified: cfg.CheckIn.AllowUnverified,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().Msg("Store opened")

	mux := realtime.New(st)
	defer mux.Shutdown()

	// The server has no position hardware of its own; clients report their
	// coordinates per request and the cached source only serves deployments
	// that wire in an external fix.
	source := location.NewCached(location.None(), cfg.CheckIn.LocationTimeout, cfg.CheckIn.LocationMaxAge)
	arbiter := checkin.NewArbiter(st, scancode.NewResolver(st), source, checkin.Config{
		AllowUnverified: cfg.CheckIn.AllowUnverified,
	})

	th := throttle.New(throttle.Config{
		MaxAttempts: cfg.Throttle.MaxAttempts,
		Window:      cfg.Throttle.Window,
		Lockout:     cfg.Throttle.Lockout,
	})

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret = randomSecret()
		logging.Warn().Msg("auth.jwt_secret not set, generated an ephemeral secret; sessions will not survive a restart")
	}
	issuer := auth.NewTokenIssuer(secret, cfg.Auth.TokenTTL)
	authSvc := auth.NewService(st, th, issuer, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)

	router := api.NewRouter(st, arbiter, authSvc, mux, api.Config{
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddWorker(checkin.NewCounterWorker(st, mux, 0))
	tree.AddWorker(supervisor.NewThrottleSweeper(th, cfg.Throttle.Window))
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.Timeout))

	logging.Info().Str("addr", server.Addr).Msg("Rollcall listening")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Rollcall stopped")
}

// buildBus selects the change-notification transport from configuration.
func buildBus(cfg *config.Config) (bus.Bus, func(), error) {
	if !cfg.NATS.Enabled {
		m := bus.NewMemory()
		return m, func() { m.Close() }, nil
	}

	if cfg.NATS.Embedded {
		srv, err := bus.NewEmbeddedServer(bus.ServerConfig{Host: cfg.NATS.Host, Port: cfg.NATS.Port})
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		conn, err := bus.ConnectNATS(srv.ClientURL())
		if err != nil {
			srv.Shutdown()
			return nil, nil, fmt.Errorf("connect to embedded NATS: %w", err)
		}
		logging.Info().Str("url", srv.ClientURL()).Msg("Embedded NATS server running")
		return conn, func() {
			conn.Close()
			srv.Shutdown()
		}, nil
	}

	conn, err := bus.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	logging.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
	return conn, func() { conn.Close() }, nil
}

// randomSecret produces a 32-byte hex-encoded signing secret.
func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logging.Fatal().Err(err).Msg("Failed to generate signing secret")
	}
	out := make([]byte, hex.EncodedLen(len(buf)))
	hex.Encode(out, buf)
	return out
}
