package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
)

// ErrModelCard is returned when a model card cannot be used.
var ErrModelCard = errors.New("invalid model card")

// ScoreOutput is a scorer's calibrated result.
type ScoreOutput struct {
	Score     float64 `json:"score"`     // calibrated, in [0,1]
	RawScore  float64 `json:"raw_score"` // uncalibrated, in [0,1]
	ModelType string  `json:"model_type"`
}

// ModelRef identifies a model artifact.
type ModelRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Scorer turns a feature vector into a calibrated fraud probability.
// Implementations are opaque to fusion; they may call out to a model server.
type Scorer interface {
	Score(ctx context.Context, x []float64) (*ScoreOutput, error)
	Model() ModelRef
	Spec() VectorizerSpec
}

// Calibration maps a raw score to a calibrated probability.
type Calibration struct {
	Method string  `json:"method"` // "platt" or "none"
	A      float64 `json:"a"`
	B      float64 `json:"b"`
}

// ModelCard is the JSON artifact describing a linear model.
type ModelCard struct {
	ModelRef
	ModelType string         `json:"model_type"`
	Spec      VectorizerSpec `json:"vectorizer_spec"`

	// Standardization applied before the dot product, per feature
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`

	Weights   []float64    `json:"weights"`
	Intercept float64      `json:"intercept"`
	Calibrate *Calibration `json:"calibration,omitempty"`

	// Baseline for attribution; zero vector when empty
	Baseline []float64 `json:"baseline,omitempty"`
}

// LinearScorer is an in-process logistic regression scorer with optional
// Platt calibration.
type LinearScorer struct {
	card ModelCard
}

// LoadModelCard reads a model card from disk.
func LoadModelCard(path string) (*ModelCard, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model card %s: %w", path, err)
	}
	var card ModelCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelCard, err)
	}
	return &card, nil
}

// NewLinearScorer validates card and returns a scorer for it.
func NewLinearScorer(card *ModelCard) (*LinearScorer, error) {
	if card.Name == "" || card.Version == "" {
		return nil, fmt.Errorf("%w: name and version are required", ErrModelCard)
	}
	if err := card.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelCard, err)
	}
	n := len(card.Spec.FeatureNames())
	if len(card.Weights) != n {
		return nil, fmt.Errorf("%w: expected %d weights, got %d", ErrModelCard, n, len(card.Weights))
	}
	for _, v := range [][]float64{card.Mean, card.Std, card.Baseline} {
		if len(v) != 0 && len(v) != n {
			return nil, fmt.Errorf("%w: vector length mismatch, expected %d", ErrModelCard, n)
		}
	}
	if len(card.Mean) != len(card.Std) {
		return nil, fmt.Errorf("%w: mean and std must be set together", ErrModelCard)
	}
	if slices.Contains(card.Std, 0) {
		return nil, fmt.Errorf("%w: std must be non-zero", ErrModelCard)
	}
	if card.Calibrate != nil && card.Calibrate.Method != "platt" && card.Calibrate.Method != "none" {
		return nil, fmt.Errorf("%w: unknown calibration method %q", ErrModelCard, card.Calibrate.Method)
	}
	if card.ModelType == "" {
		card.ModelType = "logreg"
	}
	return &LinearScorer{card: *card}, nil
}

// Model returns the model identity.
func (s *LinearScorer) Model() ModelRef {
	return s.card.ModelRef
}

// Spec returns the vector layout the model expects.
func (s *LinearScorer) Spec() VectorizerSpec {
	return s.card.Spec
}

// Baseline returns the attribution baseline, nil for the zero vector.
func (s *LinearScorer) Baseline() []float64 {
	return s.card.Baseline
}

// Score computes sigmoid(w.z + b) and applies calibration.
func (s *LinearScorer) Score(ctx context.Context, x []float64) (*ScoreOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(x) != len(s.card.Weights) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.card.Weights), len(x))
	}

	z := s.card.Intercept
	for i, v := range x {
		if len(s.card.Mean) > 0 {
			v = (v - s.card.Mean[i]) / s.card.Std[i]
		}
		z += s.card.Weights[i] * v
	}
	raw := sigmoid(z)

	score := raw
	if c := s.card.Calibrate; c != nil && c.Method == "platt" {
		score = sigmoid(c.A*raw + c.B)
	}

	return &ScoreOutput{
		Score:     clamp01(score),
		RawScore:  clamp01(raw),
		ModelType: s.card.ModelType,
	}, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
