package mileage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnualAllowanceTiers(t *testing.T) {
	tests := []struct {
		name     string
		fiscalHP int
		annualKm float64
		want     int64
	}{
		{"low tier 5cv", 5, 4000, 254400},       // 4000 * 0.636
		{"tier boundary 5cv", 5, 5000, 318000},  // 5000 * 0.636
		{"mid tier 5cv", 5, 10000, 496500},      // 10000 * 0.357 + 1395
		{"high tier 5cv", 5, 25000, 1067500},    // 25000 * 0.427
		{"low tier 3cv", 3, 1000, 52900},        // 1000 * 0.529
		{"mid tier 7cv", 7, 15000, 742500},      // 15000 * 0.394 + 1515
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AnnualAllowanceCents(tt.fiscalHP, tt.annualKm)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHorsepowerClamping(t *testing.T) {
	// Below 3 and above 7 use the edge bands.
	low, err := AnnualAllowanceCents(1, 1000)
	require.NoError(t, err)
	band3, err := AnnualAllowanceCents(3, 1000)
	require.NoError(t, err)
	assert.Equal(t, band3, low)

	high, err := AnnualAllowanceCents(12, 1000)
	require.NoError(t, err)
	band7, err := AnnualAllowanceCents(7, 1000)
	require.NoError(t, err)
	assert.Equal(t, band7, high)
}

func TestTripAllowanceIsMarginal(t *testing.T) {
	// Per-trip amounts must sum to the annual figure even when trips
	// straddle the tier boundary.
	first, err := TripAllowanceCents(5, 0, 4800)
	require.NoError(t, err)
	second, err := TripAllowanceCents(5, 4800, 400) // crosses 5000 km
	require.NoError(t, err)

	annual, err := AnnualAllowanceCents(5, 5200)
	require.NoError(t, err)
	assert.Equal(t, annual, first+second)
}

func TestTripAllowanceNeverNegative(t *testing.T) {
	// Crossing into the high tier can price the cumulative total below
	// the mid-tier figure.
	got, err := TripAllowanceCents(5, 19950, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, int64(0))
}

func TestNegativeInputsRejected(t *testing.T) {
	_, err := AnnualAllowanceCents(5, -1)
	require.Error(t, err)

	_, err = TripAllowanceCents(5, 0, -10)
	require.Error(t, err)
}
