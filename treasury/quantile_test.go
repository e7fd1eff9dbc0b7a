package treasury_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/treasury-engine/treasury"
)

func TestWeightedQuantile_TakesCumulativeWeightFraction(t *testing.T) {
	obs := []treasury.WeightedObs{
		{Value: 0, Weight: 1},
		{Value: 10, Weight: 1},
		{Value: 20, Weight: 2},
	}
	// Cumulative fractions: 0 -> 0.25, 10 -> 0.5, 20 -> 1.0
	assert.Equal(t, 0.0, treasury.WeightedQuantile(obs, 0.25))
	assert.Equal(t, 10.0, treasury.WeightedQuantile(obs, 0.50))
	assert.Equal(t, 20.0, treasury.WeightedQuantile(obs, 0.75))
}

func TestWeightedQuantile_AmountDominates(t *testing.T) {
	// One large invoice at delay 30 outweighs ten small ones at 0.
	obs := []treasury.WeightedObs{{Value: 30, Weight: 100000}}
	for i := 0; i < 10; i++ {
		obs = append(obs, treasury.WeightedObs{Value: 0, Weight: 100})
	}
	assert.Equal(t, 30.0, treasury.WeightedQuantile(obs, 0.5),
		"median is amount-weighted, not row-count")
}

func TestWinsorize_ClipsTails(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i)
	}
	values[99] = 100000 // single outlier

	clipped, did := treasury.Winsorize(values, 1, 99)
	assert.True(t, did)
	assert.LessOrEqual(t, clipped[99], 100000.0)
	assert.Less(t, clipped[99], 100000.0, "outlier pulled to the 99th percentile bound")
}

func TestRepairMonotonic(t *testing.T) {
	fixed := treasury.RepairMonotonic([]float64{5, 3, 8, 7})
	assert.Equal(t, []float64{5, 5, 8, 8}, fixed)
	for i := 1; i < len(fixed); i++ {
		assert.GreaterOrEqual(t, fixed[i], fixed[i-1])
	}
}

func TestRecencyWeight_HalfLife(t *testing.T) {
	assert.InDelta(t, 1.0, treasury.RecencyWeight(0, 90), 1e-9)
	assert.InDelta(t, 0.5, treasury.RecencyWeight(90, 90), 1e-9)
	assert.InDelta(t, 0.25, treasury.RecencyWeight(180, 90), 1e-9)
}

func TestKSStatistic(t *testing.T) {
	same := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 0, treasury.KSStatistic(same, same), 1e-9)

	shifted := []float64{11, 12, 13, 14, 15}
	assert.InDelta(t, 1.0, treasury.KSStatistic(same, shifted), 1e-9,
		"fully disjoint distributions have KS = 1")
}
