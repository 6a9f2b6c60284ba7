// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package api provides HTTP routing and handlers for the Rollcall server.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rollcall-app/rollcall/internal/auth"
	"github.com/rollcall-app/rollcall/internal/checkin"
	"github.com/rollcall-app/rollcall/internal/middleware"
	"github.com/rollcall-app/rollcall/internal/realtime"
	"github.com/rollcall-app/rollcall/internal/store"
)

// Config tunes the HTTP surface.
type Config struct {
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Router assembles the chi route tree.
type Router struct {
	handler *Handler
	auth    *auth.Service
	cfg     Config
}

// NewRouter wires handlers over the application services.
func NewRouter(st store.Store, arbiter *checkin.Arbiter, authSvc *auth.Service, mux *realtime.Multiplexer, cfg Config) *Router {
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Router{
		handler: NewHandler(st, arbiter, authSvc, mux),
		auth:    authSvc,
		cfg:     cfg,
	}
}

// Setup builds the full route tree.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)

		r.Get("/health", rt.handler.Health)

		r.Route("/auth", func(r chi.Router) {
			// Strict per-IP limit on credential endpoints; the login
			// throttle guards per-account on top of this.
			r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))
			r.Post("/register", rt.handler.Register)
			r.Post("/login", rt.handler.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))
			r.Use(middleware.Authenticate(rt.auth))

			r.Post("/checkins", rt.handler.CreateCheckIn)
			r.Get("/events/{eventID}", rt.handler.GetEvent)
			r.Get("/events/{eventID}/attendees", rt.handler.EventAttendees)
			r.Get("/ws", rt.handler.LiveStream)
		})
	})

	return r
}
