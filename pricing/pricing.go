package pricing

import (
	"math"
)

// Markup is the fixed multiplier applied to the provider's raw cost
// before converting cents to coins.
const Markup = 2

// CentsPerCoin is the conversion rate between provider cents and
// platform coins. Totals always round up so fractional cents never
// under-charge.
const CentsPerCoin = 100

// priceTable maps (model, resolution) to the provider's cost per
// second in cents. Combinations not listed here are not purchasable
// and price at zero.
var priceTable = map[string]map[string]int64{
	"seedance-1.0-lite": {
		"480p":  2,
		"720p":  5,
		"1080p": 9,
	},
	"seedance-1.0-pro": {
		"480p":  4,
		"720p":  10,
		"1080p": 18,
	},
	"jimeng-s2.0": {
		"720p":  8,
		"1080p": 15,
	},
}

// CostPerSecondCents looks up the provider's per-second price for a
// (model, resolution) pair. Unknown combinations contribute 0 rather
// than failing, so calculators can defensively sum any segment list.
func CostPerSecondCents(model, resolution string) int64 {
	byRes, ok := priceTable[model]
	if !ok {
		return 0
	}
	return byRes[resolution]
}

// Segment is the minimal shape the calculator needs from a planned
// video segment.
type Segment struct {
	DurationSec float64
}

// EstimateCost returns the coin price for generating the given
// segments at (model, resolution): per-second cents times duration,
// summed, marked up, then rounded up to whole coins. Deterministic, so
// the submission path and any later audit derive the identical amount.
func EstimateCost(segments []Segment, model, resolution string) int64 {
	if len(segments) == 0 {
		return 0
	}

	centsPerSec := CostPerSecondCents(model, resolution)

	var totalCents float64
	for _, seg := range segments {
		if seg.DurationSec <= 0 {
			continue
		}
		totalCents += float64(centsPerSec) * seg.DurationSec
	}

	totalCents *= Markup
	return int64(math.Ceil(totalCents / CentsPerCoin))
}

// EstimateSegmentCost is the single-segment convenience used for
// rehearsals and per-job reservations.
func EstimateSegmentCost(durationSec float64, model, resolution string) int64 {
	return EstimateCost([]Segment{{DurationSec: durationSec}}, model, resolution)
}

// Models returns the purchasable model identifiers.
func Models() []string {
	names := make([]string, 0, len(priceTable))
	for name := range priceTable {
		names = append(names, name)
	}
	return names
}
