package pricing

import (
	"testing"
)

func TestCostPerSecondCents(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		resolution string
		want       int64
	}{
		{"lite 720p", "seedance-1.0-lite", "720p", 5},
		{"pro 1080p", "seedance-1.0-pro", "1080p", 18},
		{"jimeng 720p", "jimeng-s2.0", "720p", 8},
		{"unknown model", "no-such-model", "720p", 0},
		{"unknown resolution", "seedance-1.0-lite", "4k", 0},
		{"jimeng has no 480p", "jimeng-s2.0", "480p", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CostPerSecondCents(tt.model, tt.resolution); got != tt.want {
				t.Errorf("CostPerSecondCents(%q, %q) = %d, want %d", tt.model, tt.resolution, got, tt.want)
			}
		})
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name       string
		segments   []Segment
		model      string
		resolution string
		want       int64
	}{
		// 10s * 5c/s * 2 markup = 100 cents = 1 coin
		{"single segment exact coin", []Segment{{DurationSec: 10}}, "seedance-1.0-lite", "720p", 1},
		// 3s * 5c/s * 2 = 30 cents, rounds up to 1 coin
		{"fractional rounds up", []Segment{{DurationSec: 3}}, "seedance-1.0-lite", "720p", 1},
		// (10 + 5) * 18 * 2 = 540 cents = 6 coins
		{"multiple segments", []Segment{{DurationSec: 10}, {DurationSec: 5}}, "seedance-1.0-pro", "1080p", 6},
		// 2.5s * 10c/s * 2 = 50 cents, rounds up to 1 coin
		{"fractional duration", []Segment{{DurationSec: 2.5}}, "seedance-1.0-pro", "720p", 1},
		{"empty list is free", nil, "seedance-1.0-pro", "1080p", 0},
		{"unknown model is free", []Segment{{DurationSec: 100}}, "no-such-model", "720p", 0},
		{"zero duration ignored", []Segment{{DurationSec: 0}, {DurationSec: 10}}, "seedance-1.0-lite", "720p", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateCost(tt.segments, tt.model, tt.resolution); got != tt.want {
				t.Errorf("EstimateCost = %d, want %d", got, tt.want)
			}
		})
	}
}

// Cost must never decrease when total duration grows for a fixed
// model/resolution.
func TestEstimateCostMonotonic(t *testing.T) {
	var prev int64
	for secs := 1; secs <= 120; secs++ {
		got := EstimateCost([]Segment{{DurationSec: float64(secs)}}, "seedance-1.0-lite", "1080p")
		if got < prev {
			t.Fatalf("cost decreased at %ds: %d -> %d", secs, prev, got)
		}
		prev = got
	}
}

func TestEstimateCostDeterministic(t *testing.T) {
	segs := []Segment{{DurationSec: 7.3}, {DurationSec: 12.9}, {DurationSec: 4.1}}
	first := EstimateCost(segs, "jimeng-s2.0", "1080p")
	for i := 0; i < 10; i++ {
		if got := EstimateCost(segs, "jimeng-s2.0", "1080p"); got != first {
			t.Fatalf("EstimateCost not deterministic: %d vs %d", got, first)
		}
	}
}
