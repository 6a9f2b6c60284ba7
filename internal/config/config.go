// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

// Package config holds the application configuration and its layered loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Rollcall server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	CheckIn  CheckInConfig  `koanf:"checkin"`
	Throttle ThrottleConfig `koanf:"throttle"`
	Auth     AuthConfig     `koanf:"auth"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig configures the embedded record store.
type DatabaseConfig struct {
	// Path is the Badger data directory. Empty means in-memory, which is
	// only useful for tests.
	Path string `koanf:"path"`
}

// NATSConfig configures the message bus. With Embedded set the server runs
// an in-process NATS instance and ignores URL.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Embedded bool   `koanf:"embedded"`
	URL      string `koanf:"url"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
}

// CheckInConfig configures check-in arbitration.
type CheckInConfig struct {
	// LocationTimeout bounds how long a check-in waits for a device
	// location sample before degrading to an unverified attempt.
	LocationTimeout time.Duration `koanf:"location_timeout"`

	// LocationMaxAge is how long a cached location sample stays fresh.
	LocationMaxAge time.Duration `koanf:"location_max_age"`

	// AllowUnverified permits check-ins without a location sample. Such
	// check-ins are recorded with within_geofence=true and a non-location
	// verification method.
	AllowUnverified bool `koanf:"allow_unverified"`

	// DefaultRadiusMeters applies to events whose location record does not
	// set a geofence radius.
	DefaultRadiusMeters float64 `koanf:"default_radius_meters"`
}

// ThrottleConfig configures the login throttle.
type ThrottleConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Window      time.Duration `koanf:"window"`
	Lockout     time.Duration `koanf:"lockout"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	JWTSecret  string        `koanf:"jwt_secret"`
	TokenTTL   time.Duration `koanf:"token_ttl"`
	BcryptCost int           `koanf:"bcrypt_cost"`
}

// LoggingConfig configures the zerolog facade.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail fast.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}
	if c.CheckIn.LocationTimeout <= 0 {
		return fmt.Errorf("checkin.location_timeout must be positive, got %s", c.CheckIn.LocationTimeout)
	}
	if c.CheckIn.DefaultRadiusMeters <= 0 {
		return fmt.Errorf("checkin.default_radius_meters must be positive, got %v", c.CheckIn.DefaultRadiusMeters)
	}
	if c.Throttle.MaxAttempts < 1 {
		return fmt.Errorf("throttle.max_attempts must be at least 1, got %d", c.Throttle.MaxAttempts)
	}
	if c.Throttle.Window <= 0 || c.Throttle.Lockout <= 0 {
		return fmt.Errorf("throttle window and lockout must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost %d out of range [4,31]", c.Auth.BcryptCost)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes when set")
	}
	return nil
}
