package scoring

import (
	"github.com/rba-platform/login-guard/internal/models"
)

// RiskCombiner blends the isolation score with a weighted rule score
// and maps the result to a risk tier. Immutable after construction.
type RiskCombiner struct {
	useWeightedRule bool
	alpha           float64
	weights         []float64
	thresholds      Thresholds
}

// NewRiskCombiner builds a combiner. Weights are keyed by canonical
// feature name and normalized to sum to 1; an empty or all-zero map
// degrades to uniform weights.
func NewRiskCombiner(useWeightedRule bool, alpha float64, featureWeights map[string]float64, thresholds Thresholds) *RiskCombiner {
	return &RiskCombiner{
		useWeightedRule: useWeightedRule,
		alpha:           alpha,
		weights:         NormalizeWeights(featureWeights),
		thresholds:      thresholds,
	}
}

// NormalizeWeights returns the weights in canonical feature order,
// scaled so they sum to 1. Missing or non-positive entries count as
// zero; an all-zero map yields uniform weights.
func NormalizeWeights(featureWeights map[string]float64) []float64 {
	weights := make([]float64, len(models.FeatureNames))
	var sum float64
	for i, name := range models.FeatureNames {
		w := featureWeights[name]
		if w < 0 {
			w = 0
		}
		weights[i] = w
		sum += w
	}

	if sum == 0 {
		uniform := 1.0 / float64(len(weights))
		for i := range weights {
			weights[i] = uniform
		}
		return weights
	}

	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// RuleScore is the weighted sum of the feature vector.
func (c *RiskCombiner) RuleScore(vec models.FeatureVector) float64 {
	values := vec.Values()
	var score float64
	for i, w := range c.weights {
		score += w * values[i]
	}
	return clamp01(score)
}

// Combine blends the isolation score with the rule score and assigns
// the tier.
func (c *RiskCombiner) Combine(ifScore float64, vec models.FeatureVector) models.RiskResult {
	if !c.useWeightedRule {
		combined := clamp01(ifScore)
		return models.RiskResult{
			IFScore:       ifScore,
			RuleScore:     0,
			CombinedScore: combined,
			Tier:          c.TierFor(combined),
		}
	}

	ruleScore := c.RuleScore(vec)
	combined := clamp01(c.alpha*ifScore + (1-c.alpha)*ruleScore)
	return models.RiskResult{
		IFScore:       ifScore,
		RuleScore:     ruleScore,
		CombinedScore: combined,
		Tier:          c.TierFor(combined),
	}
}

// TierFor maps a combined score to a risk tier.
func (c *RiskCombiner) TierFor(combined float64) int {
	switch {
	case combined <= c.thresholds.Lower:
		return models.TierLow
	case combined <= c.thresholds.Upper:
		return models.TierMedium
	default:
		return models.TierHigh
	}
}
