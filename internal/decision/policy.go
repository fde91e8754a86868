package decision

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Policy holds the no-risk guard and corroboration boost constants.
// It is versioned so audit records can say which policy produced a decision.
type Policy struct {
	Version string

	// A decision falls back to no_risk when base < NoRiskMaxBase and at most
	// NoRiskMaxReasons distinct reasons were observed.
	NoRiskMaxBase    float64
	NoRiskMaxReasons int

	// boost = min(BoostCap, BoostPerReason * |matched|)
	BoostPerReason float64
	BoostCap       float64
}

// DefaultPolicy returns the 2024-01 policy.
func DefaultPolicy() Policy {
	return Policy{
		Version:          "2024-01",
		NoRiskMaxBase:    0.60,
		NoRiskMaxReasons: 1,
		BoostPerReason:   0.03,
		BoostCap:         0.10,
	}
}

// PolicyFromConfig builds a Policy from configuration.
func PolicyFromConfig(cfg domain.DecisionConfig) (Policy, error) {
	p := Policy{
		Version:          cfg.PolicyVersion,
		NoRiskMaxBase:    cfg.NoRiskMaxBase,
		NoRiskMaxReasons: cfg.NoRiskMaxReasons,
		BoostPerReason:   cfg.BoostPerReason,
		BoostCap:         cfg.BoostCap,
	}
	return p, p.Validate()
}

// Validate checks that the policy constants are usable.
func (p Policy) Validate() error {
	switch {
	case p.Version == "":
		return fmt.Errorf("%w: policy version is required", domain.ErrInvalidInput)
	case p.NoRiskMaxBase < 0 || p.NoRiskMaxBase > 1:
		return fmt.Errorf("%w: no-risk max base %v out of [0,1]", domain.ErrInvalidInput, p.NoRiskMaxBase)
	case p.NoRiskMaxReasons < 0:
		return fmt.Errorf("%w: no-risk max reasons must be >= 0", domain.ErrInvalidInput)
	case p.BoostPerReason < 0 || p.BoostCap < 0 || p.BoostCap > 1:
		return fmt.Errorf("%w: boost constants out of range", domain.ErrInvalidInput)
	}
	return nil
}

func (p Policy) boost(matched int) float64 {
	b := p.BoostPerReason * float64(matched)
	if b > p.BoostCap {
		return p.BoostCap
	}
	return b
}
