// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Throttle.MaxAttempts != 5 {
		t.Errorf("throttle.max_attempts = %d, want 5", cfg.Throttle.MaxAttempts)
	}
	if cfg.CheckIn.LocationTimeout != 5*time.Second {
		t.Errorf("checkin.location_timeout = %s, want 5s", cfg.CheckIn.LocationTimeout)
	}
	if !cfg.CheckIn.AllowUnverified {
		t.Error("checkin.allow_unverified should default to true")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"negative location timeout", func(c *Config) { c.CheckIn.LocationTimeout = -time.Second }},
		{"zero radius", func(c *Config) { c.CheckIn.DefaultRadiusMeters = 0 }},
		{"zero attempts", func(c *Config) { c.Throttle.MaxAttempts = 0 }},
		{"zero lockout", func(c *Config) { c.Throttle.Lockout = 0 }},
		{"bcrypt cost too low", func(c *Config) { c.Auth.BcryptCost = 2 }},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	t.Parallel()

	tests := []struct {
		env  string
		want string
	}{
		{"ROLLCALL_SERVER_PORT", "server.port"},
		{"ROLLCALL_CHECKIN_LOCATION_TIMEOUT", "checkin.location_timeout"},
		{"ROLLCALL_CHECKIN_ALLOW_UNVERIFIED", "checkin.allow_unverified"},
		{"ROLLCALL_THROTTLE_MAX_ATTEMPTS", "throttle.max_attempts"},
		{"ROLLCALL_AUTH_JWT_SECRET", "auth.jwt_secret"},
		{"ROLLCALL_BOGUS", ""},
		{"ROLLCALL_UNKNOWN_SECTION", ""},
	}
	for _, tt := range tests {
		if got := envTransform(tt.env); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestLoadLayeredPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("server:\n  port: 9000\nthrottle:\n  max_attempts: 3\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("ROLLCALL_THROTTLE_MAX_ATTEMPTS", "7")
	t.Setenv("ROLLCALL_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// File overrides defaults.
	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000 from file", cfg.Server.Port)
	}
	// Env overrides file.
	if cfg.Throttle.MaxAttempts != 7 {
		t.Errorf("throttle.max_attempts = %d, want 7 from env", cfg.Throttle.MaxAttempts)
	}
	// Untouched keys keep defaults.
	if cfg.Throttle.Lockout != 30*time.Second {
		t.Errorf("throttle.lockout = %s, want default 30s", cfg.Throttle.Lockout)
	}
	// Comma-separated env slices split.
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != len(want) {
		t.Fatalf("cors_origins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
	for i := range want {
		if cfg.Server.CORSOrigins[i] != want[i] {
			t.Errorf("cors_origins[%d] = %q, want %q", i, cfg.Server.CORSOrigins[i], want[i])
		}
	}
}
