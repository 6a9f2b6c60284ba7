// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package models

import "testing"

func TestVisibilityModeValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode VisibilityMode
		want bool
	}{
		{VisibilityPublic, true},
		{VisibilityPrivate, true},
		{"", false},
		{"friends-only", false},
		{"Public", false},
	}
	for _, tt := range tests {
		if got := tt.mode.Valid(); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestEventLocationRadius(t *testing.T) {
	t.Parallel()

	loc := EventLocation{GeofenceRadiusMeters: 120}
	if got := loc.Radius(); got != 120 {
		t.Errorf("Radius() = %v, want 120", got)
	}

	unset := EventLocation{}
	if got := unset.Radius(); got != DefaultGeofenceRadiusMeters {
		t.Errorf("Radius() = %v, want default %d", got, DefaultGeofenceRadiusMeters)
	}

	negative := EventLocation{GeofenceRadiusMeters: -5}
	if got := negative.Radius(); got != DefaultGeofenceRadiusMeters {
		t.Errorf("Radius() = %v, want default for non-positive", got)
	}
}
