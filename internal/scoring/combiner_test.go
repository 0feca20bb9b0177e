package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rba-platform/login-guard/configs"
	"github.com/rba-platform/login-guard/internal/models"
)

func TestNormalizeWeightsSumToOne(t *testing.T) {
	cases := []map[string]float64{
		configs.DefaultFeatureWeights(),
		{models.FeatureBrowser: 10},
		{models.FeatureBrowser: 0.1, models.FeatureGeolocation: 99.9},
		{models.FeatureFailedLogin: 1, models.FeatureOS: 1, models.FeatureDevice: 1},
	}
	for _, weights := range cases {
		normalized := NormalizeWeights(weights)
		var sum float64
		for _, w := range normalized {
			sum += w
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestNormalizeWeightsAllZeroIsUniform(t *testing.T) {
	normalized := NormalizeWeights(map[string]float64{})
	for _, w := range normalized {
		require.InDelta(t, 1.0/8, w, 1e-12)
	}
}

func TestNormalizeWeightsNegativeTreatedAsZero(t *testing.T) {
	normalized := NormalizeWeights(map[string]float64{
		models.FeatureBrowser:     -5,
		models.FeatureFailedLogin: 2,
	})
	require.Zero(t, normalized[0])
	require.InDelta(t, 1.0, normalized[6], 1e-12)
}

func TestRuleScoreWeightedSum(t *testing.T) {
	combiner := NewRiskCombiner(true, 0.5, map[string]float64{
		models.FeatureBrowser:     1,
		models.FeatureGeolocation: 3,
	}, DefaultThresholds())

	vec := models.FeatureVector{Browser: 1, Geolocation: 0.5}
	// 0.25*1 + 0.75*0.5
	require.InDelta(t, 0.625, combiner.RuleScore(vec), 1e-12)
}

func TestCombineBlendsScores(t *testing.T) {
	combiner := NewRiskCombiner(true, 0.5, configs.DefaultFeatureWeights(), DefaultThresholds())

	vec := models.FeatureVector{FailedLogin: 1}
	result := combiner.Combine(0.4, vec)

	require.InDelta(t, 8.0/33, result.RuleScore, 1e-12)
	require.InDelta(t, 0.5*0.4+0.5*8.0/33, result.CombinedScore, 1e-12)
	require.Equal(t, models.TierMedium, result.Tier)
}

func TestCombineRuleDisabled(t *testing.T) {
	combiner := NewRiskCombiner(false, 0.5, configs.DefaultFeatureWeights(), DefaultThresholds())

	result := combiner.Combine(0.7, models.FeatureVector{FailedLogin: 1})
	require.Zero(t, result.RuleScore)
	require.InDelta(t, 0.7, result.CombinedScore, 1e-12)
	require.Equal(t, models.TierHigh, result.Tier)
}

func TestTierMapping(t *testing.T) {
	combiner := NewRiskCombiner(true, 0.5, nil, DefaultThresholds())

	require.Equal(t, models.TierLow, combiner.TierFor(0))
	require.Equal(t, models.TierLow, combiner.TierFor(0.2595))
	require.Equal(t, models.TierMedium, combiner.TierFor(0.2596))
	require.Equal(t, models.TierMedium, combiner.TierFor(0.5750))
	require.Equal(t, models.TierHigh, combiner.TierFor(0.5751))
	require.Equal(t, models.TierHigh, combiner.TierFor(1))
}
