// Package decision implements category scoring and the no-risk fallback.
// The engine aggregates fused reasons and a blended base score into a
// single RiskDecision against the active taxonomy.
package decision

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// TaxonomyProvider returns the taxonomy to score against.
type TaxonomyProvider interface {
	Current() *domain.Taxonomy
}

// Engine scores taxonomy categories and picks the winning one.
// It has no I/O and never fails for well-formed input.
type Engine struct {
	taxonomy TaxonomyProvider
	policy   Policy

	// Now and NewID supply the only non-deterministic fields of a decision.
	Now   func() time.Time
	NewID func() string
}

// NewEngine creates a decision engine bound to a taxonomy provider.
func NewEngine(taxonomy TaxonomyProvider, policy Policy) *Engine {
	return &Engine{
		taxonomy: taxonomy,
		policy:   policy,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    func() string { return uuid.New().String() },
	}
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

type candidate struct {
	cat     *domain.CategoryConfig
	score   float64
	band    string
	matched []domain.ReasonCode
}

// Decide fuses the observed reasons and base score into a decision.
//
// Algorithm:
// 1. Intersect every category's reasons with the observed reasons
// 2. score = min(1, base*severity + boost) for each non-empty intersection
// 3. Fall back to no_risk when nothing matched or the signal is weak
// 4. Otherwise pick the best by (score, severity, matched count), earliest category on ties
func (e *Engine) Decide(
	reasons []domain.ReasonCode,
	evidence []domain.Evidence,
	baseScore float64,
	provenance domain.Provenance,
	metadata map[string]any,
) *domain.RiskDecision {
	tax := e.taxonomy.Current()
	distinct := domain.SortedReasons(reasons)

	observed := make(map[domain.ReasonCode]struct{}, len(distinct))
	for _, r := range distinct {
		observed[r] = struct{}{}
	}

	var candidates []candidate
	for i := range tax.Categories {
		cat := &tax.Categories[i]
		if cat.Key == domain.NoRiskCategory {
			continue
		}

		var matched []domain.ReasonCode
		for _, r := range cat.Reasons {
			if _, ok := observed[r]; ok {
				matched = append(matched, r)
			}
		}
		if len(matched) == 0 {
			continue
		}
		matched = domain.SortedReasons(matched)

		score := Clamp(baseScore*cat.Severity + e.policy.boost(len(matched)))
		candidates = append(candidates, candidate{
			cat:     cat,
			score:   score,
			band:    bandFor(score, cat.Thresholds),
			matched: matched,
		})
	}

	decision := &domain.RiskDecision{
		ID:              e.NewID(),
		Reasons:         distinct,
		Evidence:        append([]domain.Evidence(nil), evidence...),
		Provenance:      provenance,
		TaxonomyVersion: tax.Version,
		CreatedAt:       e.Now(),
	}

	meta := make(map[string]any, len(metadata)+7)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[domain.MetaBaseScore] = baseScore
	meta[domain.MetaMatchedReasonCodes] = distinct
	meta[domain.MetaPolicyVersion] = e.policy.Version
	meta[domain.MetaTaxonomyVersion] = tax.Version

	if e.isNoRisk(candidates, baseScore, len(distinct)) {
		score := Clamp(baseScore)
		decision.RiskCategory = domain.NoRiskCategory
		decision.RiskScore = score
		decision.RiskBand = domain.BandLow
		meta[domain.MetaRiskBand] = domain.BandLow
		meta[domain.MetaSeverity] = 0.0
		meta[domain.MetaPerCategoryScores] = []domain.CategoryScore{{
			Category:       domain.NoRiskCategory,
			Score:          score,
			Band:           domain.BandLow,
			Severity:       0,
			MatchedCount:   len(distinct),
			MatchedReasons: distinct,
		}}
		decision.Metadata = meta
		return decision
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if beats(c, best) {
			best = c
		}
	}

	decision.RiskCategory = best.cat.Key
	decision.RiskScore = best.score
	decision.RiskBand = best.band
	meta[domain.MetaRiskBand] = best.band
	meta[domain.MetaSeverity] = best.cat.Severity
	meta[domain.MetaPerCategoryScores] = breakdown(candidates)
	decision.Metadata = meta
	return decision
}

func (e *Engine) isNoRisk(candidates []candidate, baseScore float64, distinct int) bool {
	if len(candidates) == 0 {
		return true
	}
	return baseScore < e.policy.NoRiskMaxBase && distinct <= e.policy.NoRiskMaxReasons
}

// beats reports whether c strictly outranks best. Full ties keep best, so
// the earlier category in taxonomy order wins.
func beats(c, best candidate) bool {
	if c.score != best.score {
		return c.score > best.score
	}
	if c.cat.Severity != best.cat.Severity {
		return c.cat.Severity > best.cat.Severity
	}
	return len(c.matched) > len(best.matched)
}

func breakdown(candidates []candidate) []domain.CategoryScore {
	out := make([]domain.CategoryScore, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.CategoryScore{
			Category:       c.cat.Key,
			Score:          c.score,
			Band:           c.band,
			Severity:       c.cat.Severity,
			MatchedCount:   len(c.matched),
			MatchedReasons: c.matched,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func bandFor(score float64, th *domain.Thresholds) string {
	if th == nil {
		return domain.BandUnknown
	}
	if score >= th.ScoreHigh {
		return domain.BandHigh
	}
	if score >= th.ScoreMedium {
		return domain.BandMedium
	}
	return domain.BandLow
}

// Clamp bounds v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
