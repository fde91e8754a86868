// Package fraud implements the transaction fraud signal source.
package fraud

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// VectorizerSpec fixes the column layout of the model input vector:
// numeric columns first, then one one-hot block per categorical column.
type VectorizerSpec struct {
	NumericCols      []string            `json:"numeric_cols"`
	CategoricalCols  []string            `json:"categorical_cols"`
	OneHotCategories map[string][]string `json:"onehot_categories"`
}

// DefaultSpec returns the layout the shipped models are trained on.
func DefaultSpec() VectorizerSpec {
	return VectorizerSpec{
		NumericCols: []string{
			"txn_amount", "txns_1h", "txns_24h", "avg_txn_amount_30d",
			"account_age_days", "device_change_7d", "failed_logins_24h",
		},
		CategoricalCols: []string{"txn_currency", "txn_country"},
		OneHotCategories: map[string][]string{
			"txn_currency": {"GBP", "EUR", "USD"},
			"txn_country":  {"GB", "IE", "FR", "DE", "US"},
		},
	}
}

// FeatureNames returns vector column names; one-hot columns are "col=value".
func (s VectorizerSpec) FeatureNames() []string {
	names := append([]string(nil), s.NumericCols...)
	for _, c := range s.CategoricalCols {
		for _, v := range s.OneHotCategories[c] {
			names = append(names, c+"="+v)
		}
	}
	return names
}

// Validate checks that every column is known to FraudFeatures.
func (s VectorizerSpec) Validate() error {
	for _, c := range s.NumericCols {
		if _, ok := numericValue(&domain.FraudFeatures{}, c); !ok {
			return fmt.Errorf("unknown numeric column %q", c)
		}
	}
	for _, c := range s.CategoricalCols {
		if _, ok := categoricalValue(&domain.FraudFeatures{}, c); !ok {
			return fmt.Errorf("unknown categorical column %q", c)
		}
		if len(s.OneHotCategories[c]) == 0 {
			return fmt.Errorf("categorical column %q has no categories", c)
		}
	}
	return nil
}

// Vectorize lays f out according to s. Unknown categories encode as all zeros.
func (s VectorizerSpec) Vectorize(f *domain.FraudFeatures) []float64 {
	x := make([]float64, 0, len(s.NumericCols)+8)
	for _, c := range s.NumericCols {
		v, _ := numericValue(f, c)
		x = append(x, v)
	}
	for _, c := range s.CategoricalCols {
		got, _ := categoricalValue(f, c)
		for _, cat := range s.OneHotCategories[c] {
			if got == cat {
				x = append(x, 1)
			} else {
				x = append(x, 0)
			}
		}
	}
	return x
}

// RawValue returns the untransformed input for a base column name.
func RawValue(f *domain.FraudFeatures, col string) any {
	if v, ok := categoricalValue(f, col); ok {
		return v
	}
	if v, ok := numericValue(f, col); ok {
		return v
	}
	return nil
}

func numericValue(f *domain.FraudFeatures, col string) (float64, bool) {
	switch col {
	case "txn_amount":
		return f.TxnAmount, true
	case "txns_1h":
		return float64(f.Txns1h), true
	case "txns_24h":
		return float64(f.Txns24h), true
	case "avg_txn_amount_30d":
		return f.AvgTxnAmount30d, true
	case "account_age_days":
		return float64(f.AccountAgeDays), true
	case "device_change_7d":
		return float64(f.DeviceChange7d), true
	case "failed_logins_24h":
		return float64(f.FailedLogins24h), true
	}
	return 0, false
}

func categoricalValue(f *domain.FraudFeatures, col string) (string, bool) {
	switch col {
	case "txn_currency":
		return f.TxnCurrency, true
	case "txn_country":
		return f.TxnCountry, true
	}
	return "", false
}
