package decision

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func genReasons() gopter.Gen {
	all := domain.AllReasonCodes()
	return gen.SliceOf(gen.IntRange(0, len(all)-1)).Map(func(idx []int) []domain.ReasonCode {
		out := make([]domain.ReasonCode, 0, len(idx))
		for _, i := range idx {
			out = append(out, all[i])
		}
		return out
	})
}

// Property: 0 <= risk_score <= 1 for any base score and reason set
func TestDecideScoreBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	engine := newTestEngine(testTaxonomy())

	properties.Property("risk score is clamped to [0,1]", prop.ForAll(
		func(reasons []domain.ReasonCode, base float64) bool {
			d := engine.Decide(reasons, nil, base, domain.Provenance{}, nil)
			return d.RiskScore >= 0 && d.RiskScore <= 1
		},
		genReasons(),
		gen.Float64Range(-2, 3),
	))

	properties.Property("clamp is idempotent", prop.ForAll(
		func(v float64) bool {
			return Clamp(Clamp(v)) == Clamp(v)
		},
		gen.Float64(),
	))

	properties.TestingRun(t)
}

// Property: Decide(x) == Decide(x) byte for byte
func TestDecideDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	engine := newTestEngine(testTaxonomy())

	properties.Property("decisions are reproducible", prop.ForAll(
		func(reasons []domain.ReasonCode, base float64) bool {
			a, errA := json.Marshal(engine.Decide(reasons, nil, base, domain.Provenance{}, nil))
			b, errB := json.Marshal(engine.Decide(reasons, nil, base, domain.Provenance{}, nil))
			return errA == nil && errB == nil && string(a) == string(b)
		},
		genReasons(),
		gen.Float64Range(0, 1),
	))

	properties.Property("no_risk is chosen only by the fallback", prop.ForAll(
		func(reasons []domain.ReasonCode, base float64) bool {
			d := engine.Decide(reasons, nil, base, domain.Provenance{}, nil)
			if !d.IsNoRisk() {
				return true
			}
			weak := base < 0.60 && len(d.Reasons) <= 1
			return weak || !anyCategoryMatches(reasons)
		},
		genReasons(),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func anyCategoryMatches(reasons []domain.ReasonCode) bool {
	for _, c := range testTaxonomy().Categories {
		for _, r := range reasons {
			if c.HasReason(r) {
				return true
			}
		}
	}
	return false
}
