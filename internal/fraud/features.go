package fraud

import "github.com/opensource-finance/kestrel/internal/domain"

// Derived holds features computed from the raw record for diagnostics.
type Derived struct {
	Velocity1h     float64 `json:"velocity_1h"`
	Velocity24h    float64 `json:"velocity_24h"`
	AmountRatio30d float64 `json:"amount_ratio_30d"`
}

// Derive computes the derived features. A non-positive 30 day average
// leaves the amount unscaled.
func Derive(f *domain.FraudFeatures) Derived {
	denom := f.AvgTxnAmount30d
	if denom <= 0 {
		denom = 1
	}
	return Derived{
		Velocity1h:     float64(f.Txns1h),
		Velocity24h:    float64(f.Txns24h),
		AmountRatio30d: f.TxnAmount / denom,
	}
}
