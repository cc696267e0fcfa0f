package types

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         Point{Lat: -15.3875, Lng: 28.3228},
			b:         Point{Lat: -15.3875, Lng: 28.3228},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "one degree of latitude",
			a:         Point{Lat: 0, Lng: 0},
			b:         Point{Lat: 1, Lng: 0},
			wantKm:    111.19,
			tolerance: 0.1,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         Point{Lat: 40.7128, Lng: -74.0060},
			b:         Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := Point{Lat: 25.0, Lng: 121.0}
	b := Point{Lat: 26.0, Lng: 122.0}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestUnavailable(t *testing.T) {
	if Unavailable("get ride", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	err := Unavailable("get ride", context.DeadlineExceeded)
	if !IsUnavailable(err) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause lost: %v", err)
	}
	if IsUnavailable(errors.New("boom")) {
		t.Fatal("plain error misclassified")
	}
}
