// Package mileage computes trip reimbursement amounts from the French
// kilometric allowance schedule (barème kilométrique). The rate depends
// on the vehicle's fiscal horsepower and the cumulative distance driven
// in the year: three tiers, with a fixed uplift in the middle one.
package mileage

import (
	"math"

	apperrors "github.com/avitran/tripsync/internal/errors"
)

// Tier boundaries, in kilometres per year.
const (
	TierOneMaxKm = 5000
	TierTwoMaxKm = 20000
)

// band holds the schedule row for one fiscal-horsepower class.
// Rates are euros per kilometre; uplift is the fixed euro amount added
// in the middle tier.
type band struct {
	low    float64 // <= 5000 km
	mid    float64 // 5001..20000 km
	uplift float64
	high   float64 // > 20000 km
}

// bands is the published passenger-car schedule, keyed by fiscal
// horsepower bracket (3 and below, 4, 5, 6, 7 and above).
var bands = map[int]band{
	3: {low: 0.529, mid: 0.316, uplift: 1065, high: 0.370},
	4: {low: 0.606, mid: 0.340, uplift: 1330, high: 0.407},
	5: {low: 0.636, mid: 0.357, uplift: 1395, high: 0.427},
	6: {low: 0.665, mid: 0.374, uplift: 1457, high: 0.447},
	7: {low: 0.697, mid: 0.394, uplift: 1515, high: 0.470},
}

func bandFor(fiscalHP int) band {
	switch {
	case fiscalHP <= 3:
		return bands[3]
	case fiscalHP >= 7:
		return bands[7]
	default:
		return bands[fiscalHP]
	}
}

// AnnualAllowanceCents returns the total allowance for annualKm
// kilometres driven in the year by a vehicle of the given fiscal
// horsepower, in euro cents.
func AnnualAllowanceCents(fiscalHP int, annualKm float64) (int64, error) {
	if annualKm < 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, "annual distance cannot be negative")
	}
	b := bandFor(fiscalHP)
	var euros float64
	switch {
	case annualKm <= TierOneMaxKm:
		euros = annualKm * b.low
	case annualKm <= TierTwoMaxKm:
		euros = annualKm*b.mid + b.uplift
	default:
		euros = annualKm * b.high
	}
	return int64(math.Round(euros * 100)), nil
}

// TripAllowanceCents returns the marginal allowance for one trip of
// tripKm kilometres, given priorKm already driven this year. The
// marginal form keeps per-trip amounts summing to the annual total even
// when a trip straddles a tier boundary.
func TripAllowanceCents(fiscalHP int, priorKm, tripKm float64) (int64, error) {
	if tripKm < 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, "trip distance cannot be negative")
	}
	before, err := AnnualAllowanceCents(fiscalHP, priorKm)
	if err != nil {
		return 0, err
	}
	after, err := AnnualAllowanceCents(fiscalHP, priorKm+tripKm)
	if err != nil {
		return 0, err
	}
	cents := after - before
	if cents < 0 {
		// Crossing into the high tier can price the cumulative total
		// below the mid-tier figure; a single trip never pays negative.
		cents = 0
	}
	return cents, nil
}
