package fraud

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineName identifies the fraud engine in provenance and evidence.
const EngineName = "fraud_engine"

// DefaultTopK is the number of attributed features.
const DefaultTopK = 3

// Source is the fraud signal source.
type Source struct {
	scorer   Scorer
	baseline []float64
	topK     int
}

// baseliner is implemented by scorers that carry an attribution baseline.
type baseliner interface {
	Baseline() []float64
}

// NewSource creates a fraud signal source. topK <= 0 uses DefaultTopK.
func NewSource(scorer Scorer, topK int) *Source {
	if topK <= 0 {
		topK = DefaultTopK
	}
	s := &Source{scorer: scorer, topK: topK}
	if b, ok := scorer.(baseliner); ok {
		s.baseline = b.Baseline()
	}
	return s
}

// Name implements domain.SignalSource.
func (s *Source) Name() string { return "fraud" }

// Present implements domain.SignalSource.
func (s *Source) Present(req *domain.RiskRequest) bool {
	return req != nil && req.Fraud != nil
}

// Detect implements domain.SignalSource.
func (s *Source) Detect(ctx context.Context, req *domain.RiskRequest) (*domain.Signal, error) {
	if !s.Present(req) {
		return nil, fmt.Errorf("%w: fraud sub-request is missing", domain.ErrInvalidInput)
	}
	return s.DetectFeatures(ctx, req.Fraud)
}

// DetectFeatures scores f and attributes the result to reason codes.
func (s *Source) DetectFeatures(ctx context.Context, f *domain.FraudFeatures) (*domain.Signal, error) {
	spec := s.scorer.Spec()
	x := spec.Vectorize(f)

	out, err := s.scorer.Score(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("fraud scoring failed: %w", err)
	}

	contribs := TopContributions(spec.FeatureNames(), x, s.baseline, s.topK)
	reasons, evidence := Attribute(contribs, f, EngineName)

	model := s.scorer.Model()
	return &domain.Signal{
		BaseScore: clamp01(out.Score),
		Reasons:   reasons,
		Evidence:  evidence,
		Provenance: domain.Provenance{
			Engine:       EngineName,
			ModelName:    model.Name,
			ModelVersion: model.Version,
		},
		Debug: map[string]any{
			"raw_score":  out.RawScore,
			"model_type": out.ModelType,
			"derived":    Derive(f),
		},
	}, nil
}
