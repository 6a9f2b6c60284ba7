// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package geo

import (
	"math"
	"testing"
)

func TestDistanceMetersZero(t *testing.T) {
	t.Parallel()

	if d := DistanceMeters(-22.5609, 17.0658, -22.5609, 17.0658); d != 0 {
		t.Errorf("expected zero distance for identical points, got %f", d)
	}
}

func TestDistanceMetersKnownPoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tolerance              float64
	}{
		{
			// Event center in Windhoek, second point ~0.0018 degrees east.
			name: "windhoek short hop",
			lat1: -22.5609, lon1: 17.0658,
			lat2: -22.5609, lon2: 17.0676,
			want: 185, tolerance: 5,
		},
		{
			name: "paris to london",
			lat1: 48.8566, lon1: 2.3522,
			lat2: 51.5074, lon2: -0.1278,
			want: 343500, tolerance: 1000,
		},
		{
			name: "one degree of latitude",
			lat1: 0, lon1: 0,
			lat2: 1, lon2: 0,
			want: 111195, tolerance: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := DistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("DistanceMeters() = %f, want %f ± %f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestDistanceMetersSymmetric(t *testing.T) {
	t.Parallel()

	a := DistanceMeters(-22.5609, 17.0658, 51.5074, -0.1278)
	b := DistanceMeters(51.5074, -0.1278, -22.5609, 17.0658)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("distance not symmetric: %f vs %f", a, b)
	}
}

func TestWithinGeofence(t *testing.T) {
	t.Parallel()

	center := struct{ lat, lon float64 }{-22.5609, 17.0658}

	if !WithinGeofence(center.lat, center.lon, center.lat, center.lon, 50) {
		t.Error("point at center should be within geofence")
	}

	// ~185 m east of center must be rejected by a 50 m fence.
	if WithinGeofence(-22.5609, 17.0676, center.lat, center.lon, 50) {
		t.Error("point 185 m away should be outside a 50 m geofence")
	}
}

func TestWithinGeofenceBoundaryIsInside(t *testing.T) {
	t.Parallel()

	lat, lon := -22.5609, 17.0676
	d := DistanceMeters(lat, lon, -22.5609, 17.0658)

	// Closed disk: distance == radius counts as inside.
	if !WithinGeofence(lat, lon, -22.5609, 17.0658, d) {
		t.Error("point exactly on the boundary should be inside")
	}
	if WithinGeofence(lat, lon, -22.5609, 17.0658, d-0.001) {
		t.Error("point just outside the boundary should be outside")
	}
}

func TestDistanceMetersNaNPropagation(t *testing.T) {
	t.Parallel()

	if d := DistanceMeters(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Errorf("expected NaN propagation, got %f", d)
	}
}
