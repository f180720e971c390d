package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRound2(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1.005, 1.01},
		{1.004, 1.00},
		{99.999, 100.00},
		{0, 0},
		{2.675, 2.68},
		{-1.005, -1.01},
		{-1.004, -1.00},
		{1300.25, 1300.25},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, Round2(c.in), 1e-12, "Round2(%v)", c.in)
	}
}

func TestValidateDelta(t *testing.T) {
	assert.NoError(t, ValidateDelta(999_999, "test", 0))
	assert.NoError(t, ValidateDelta(-999_999, "test", 0))
	assert.Error(t, ValidateDelta(1_000_001, "test", 0))
	assert.Error(t, ValidateDelta(-1_000_001, "test", 0))
	assert.Error(t, ValidateDelta(math.NaN(), "test", 0))
	assert.Error(t, ValidateDelta(math.Inf(1), "test", 0))
	assert.Error(t, ValidateDelta(math.Inf(-1), "test", 0))

	// custom ceiling
	assert.Error(t, ValidateDelta(200, "test", 100))
	assert.NoError(t, ValidateDelta(1_000_001, "test", 2_000_000))
}

func TestValidateDeltaMessageNamesContext(t *testing.T) {
	err := ValidateDelta(math.NaN(), "applyPlannedPurchase wallet=7", 0)
	assert.ErrorContains(t, err, "applyPlannedPurchase wallet=7")
}
