package fraud

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EvidenceSource is the evidence source name for feature attributions.
const EvidenceSource = "fraud.explain"

// featureReasons maps base feature columns to the reason they indicate.
// Columns not listed still contribute to the score but never name a reason.
var featureReasons = map[string]domain.ReasonCode{
	"txns_1h":            domain.ReasonHighVelocity,
	"txns_24h":           domain.ReasonHighVelocity,
	"txn_amount":         domain.ReasonUnusualAmount,
	"avg_txn_amount_30d": domain.ReasonUnusualAmount,
	"failed_logins_24h":  domain.ReasonAccountBehaviorChange,
	"device_change_7d":   domain.ReasonAccountBehaviorChange,
	"txn_country":        domain.ReasonAccountBehaviorChange,
}

// Contribution is one attributed feature.
type Contribution struct {
	Feature  string
	Weight   float64
	Value    float64
	Baseline float64
}

// BaseFeature strips a one-hot suffix ("txn_country=GB" -> "txn_country").
func BaseFeature(name string) string {
	base, _, _ := strings.Cut(name, "=")
	return base
}

// ReasonFor returns the reason a feature maps to, if any.
func ReasonFor(feature string) (domain.ReasonCode, bool) {
	r, ok := featureReasons[BaseFeature(feature)]
	return r, ok
}

// TopContributions ranks features by |x - baseline| and returns the top k.
// A nil baseline is the zero vector. Ties keep feature order.
func TopContributions(names []string, x, baseline []float64, k int) []Contribution {
	out := make([]Contribution, 0, len(x))
	for i := range x {
		var b float64
		if i < len(baseline) {
			b = baseline[i]
		}
		out = append(out, Contribution{
			Feature:  names[i],
			Weight:   math.Abs(x[i] - b),
			Value:    x[i],
			Baseline: b,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// Attribute maps contributions to reasons and evidence. Every mapped
// contribution yields one evidence item; reasons are deduplicated first-seen.
func Attribute(contribs []Contribution, f *domain.FraudFeatures, engine string) ([]domain.ReasonCode, []domain.Evidence) {
	var reasons []domain.ReasonCode
	var evidence []domain.Evidence

	for _, c := range contribs {
		base := BaseFeature(c.Feature)
		reason, ok := featureReasons[base]
		if !ok {
			continue
		}
		reasons = append(reasons, reason)
		evidence = append(evidence, domain.Evidence{
			Source:      EvidenceSource,
			Description: fmt.Sprintf("Top contributing feature: %s", base),
			Value: map[string]any{
				"feature": base,
				"value":   RawValue(f, base),
				"weight":  c.Weight,
			},
			Metadata: map[string]any{
				domain.EvidenceEngineKey: engine,
				domain.EvidenceReasonKey: reason,
				"baseline":               c.Baseline,
				"model_explanation":      "abs(x-baseline)",
			},
		})
	}
	return domain.DedupeReasons(reasons), evidence
}
