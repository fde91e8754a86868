package domain

import (
	"time"
)

// NoRiskCategory is the reserved fallback category. It is never produced by
// category scoring.
const NoRiskCategory = "no_risk"

// Risk bands.
const (
	BandHigh    = "high"
	BandMedium  = "medium"
	BandLow     = "low"
	BandUnknown = "unknown"
)

// Decision metadata keys.
const (
	MetaRiskBand           = "risk_band"
	MetaSeverity           = "severity"
	MetaBaseScore          = "base_score"
	MetaMatchedReasonCodes = "matched_reason_codes"
	MetaPerCategoryScores  = "per_category_scores"
	MetaPolicyVersion      = "policy_version"
	MetaTaxonomyVersion    = "taxonomy_version"
	MetaInputsPresent      = "inputs_present"
	MetaProvenance         = "provenance"
	MetaSignalsAbsent      = "signals_absent"
)

// RiskDecision is the fused, auditable outcome of one scoring request.
// It is created once by the decision engine and treated as immutable.
type RiskDecision struct {
	ID              string         `json:"id"`
	RiskScore       float64        `json:"riskScore"`
	RiskCategory    string         `json:"riskCategory"`
	RiskBand        string         `json:"riskBand"`
	Reasons         []ReasonCode   `json:"reasons"`
	Evidence        []Evidence     `json:"evidence"`
	Provenance      Provenance     `json:"provenance"`
	Metadata        map[string]any `json:"metadata"`
	TaxonomyVersion string         `json:"taxonomyVersion,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// CategoryScore is one entry of the per-category breakdown.
type CategoryScore struct {
	Category       string       `json:"category"`
	Score          float64      `json:"score"`
	Band           string       `json:"band"`
	Severity       float64      `json:"severity"`
	MatchedCount   int          `json:"matched_count"`
	MatchedReasons []ReasonCode `json:"matched_reasons"`
}

// IsNoRisk reports whether the decision fell back to the no-risk outcome.
func (d *RiskDecision) IsNoRisk() bool {
	return d.RiskCategory == NoRiskCategory
}

// ShouldAlert reports whether the decision lands in the high band.
func (d *RiskDecision) ShouldAlert() bool {
	return d.RiskBand == BandHigh
}

// CategoryScores returns the per-category breakdown stored in metadata.
func (d *RiskDecision) CategoryScores() []CategoryScore {
	v, _ := d.Metadata[MetaPerCategoryScores].([]CategoryScore)
	return v
}
