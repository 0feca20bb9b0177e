package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/internal/models"
)

const eulerGamma = 0.5772156649015329

// treeNode is one node of a serialized isolation tree. Feature -1
// marks an external node.
type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

type isoTree struct {
	Nodes []treeNode `json:"nodes"`
}

type modelArtifact struct {
	Features   []string `json:"features"`
	ScoreMin   float64  `json:"score_min"`
	ScoreMax   float64  `json:"score_max"`
	SampleSize int      `json:"sample_size"`
	Forest     struct {
		Trees []isoTree `json:"trees"`
	} `json:"forest"`
}

// Thresholds are the tier cut points over the combined score.
type Thresholds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// DefaultThresholds are the calibrated cut points shipped with the
// model.
func DefaultThresholds() Thresholds {
	return Thresholds{Lower: 0.2595, Upper: 0.5750}
}

// LoadThresholds reads the companion thresholds file, falling back to
// the given defaults when the file is absent or unreadable.
func LoadThresholds(path string, defaults Thresholds) Thresholds {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Thresholds file unavailable, using defaults")
		return defaults
	}
	var t Thresholds
	if err := json.Unmarshal(data, &t); err != nil || t.Upper <= 0 {
		log.Warn().Str("path", path).Msg("Thresholds file invalid, using defaults")
		return defaults
	}
	return t
}

// IsolationScorer scores a feature vector with a pre-trained isolation
// forest. All state is immutable after load, so concurrent Score calls
// need no locking.
type IsolationScorer struct {
	available  bool
	features   []string
	trees      []isoTree
	avgPathLen float64
	scoreMin   float64
	scoreMax   float64
}

// LoadIsolationScorer loads the model artifact. A missing or corrupt
// artifact yields a degraded scorer that falls back to the mean of the
// feature vector; the condition is logged once here.
func LoadIsolationScorer(path string) *IsolationScorer {
	scorer, err := loadArtifact(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).
			Msg("Model artifact unavailable, falling back to mean-of-features scoring")
		return &IsolationScorer{available: false}
	}
	log.Info().Str("path", path).Int("trees", len(scorer.trees)).Msg("Isolation forest loaded")
	return scorer
}

func loadArtifact(path string) (*IsolationScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var art modelArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}

	if len(art.Forest.Trees) == 0 {
		return nil, errors.New("model artifact contains no trees")
	}
	if art.ScoreMax <= art.ScoreMin {
		return nil, errors.New("model artifact has invalid score calibration")
	}
	if art.SampleSize < 2 {
		return nil, errors.New("model artifact has invalid sample size")
	}

	features := art.Features
	if len(features) == 0 {
		features = models.FeatureNames
	}

	return &IsolationScorer{
		available:  true,
		features:   features,
		trees:      art.Forest.Trees,
		avgPathLen: averagePathLength(art.SampleSize),
		scoreMin:   art.ScoreMin,
		scoreMax:   art.ScoreMax,
	}, nil
}

// Available reports whether the model loaded.
func (s *IsolationScorer) Available() bool {
	return s.available
}

// Score maps a feature vector to a normalized anomaly score in [0,1],
// higher meaning more anomalous.
func (s *IsolationScorer) Score(vec models.FeatureVector) float64 {
	if !s.available {
		return clamp01(vec.Mean())
	}

	values := make([]float64, len(s.features))
	for i, name := range s.features {
		values[i] = vec.Get(name)
	}

	var total float64
	for _, tree := range s.trees {
		total += tree.pathLength(values)
	}
	meanPath := total / float64(len(s.trees))

	// Anomaly score per Liu et al., then aligned with the sign
	// convention where higher means more anomalous.
	anomaly := math.Pow(2, -meanPath/s.avgPathLen)
	raw := anomaly - 0.5

	normalized := (raw - s.scoreMin) / (s.scoreMax - s.scoreMin)
	return clamp01(normalized)
}

// pathLength walks the tree for one sample, adding the subtree
// correction term at the external node.
func (t isoTree) pathLength(values []float64) float64 {
	depth := 0.0
	idx := 0
	for {
		if idx < 0 || idx >= len(t.Nodes) {
			return depth
		}
		node := t.Nodes[idx]
		if node.Feature < 0 || node.Feature >= len(values) {
			return depth + averagePathLength(node.Size)
		}
		if values[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an
// unsuccessful BST search over n samples.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
