package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput is returned when a request fails validation before fusion.
var ErrInvalidInput = errors.New("invalid input")

var validate = validator.New(validator.WithRequiredStructEnabled())

// RiskRequest carries zero or more domain sub-requests.
type RiskRequest struct {
	TenantID string         `json:"tenantId,omitempty"`
	Fraud    *FraudFeatures `json:"fraud,omitempty"`
	Text     *TextCase      `json:"text,omitempty"`
}

// FraudFeatures is the raw transaction telemetry scored by the fraud source.
// Field names match the model's feature columns.
type FraudFeatures struct {
	TxnAmount       float64 `json:"txn_amount" validate:"gte=0"`
	TxnCurrency     string  `json:"txn_currency" validate:"required,len=3"`
	TxnCountry      string  `json:"txn_country" validate:"required,len=2"`
	Txns1h          int     `json:"txns_1h" validate:"gte=0"`
	Txns24h         int     `json:"txns_24h" validate:"gte=0"`
	AvgTxnAmount30d float64 `json:"avg_txn_amount_30d" validate:"gte=0"`
	AccountAgeDays  int     `json:"account_age_days" validate:"gte=0"`
	DeviceChange7d  int     `json:"device_change_7d" validate:"gte=0"`
	FailedLogins24h int     `json:"failed_logins_24h" validate:"gte=0"`
}

// TextCase is a free-text case narrative scored by the text source.
type TextCase struct {
	CaseID     string `json:"caseId" validate:"required"`
	Channel    string `json:"channel" validate:"required,oneof=chat email call_note complaint"`
	Text       string `json:"text" validate:"required"`
	CustomerID string `json:"customerId,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Validate rejects malformed sub-requests. Errors wrap ErrInvalidInput.
func (r *RiskRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidInput)
	}
	if r.Fraud != nil {
		if err := validate.Struct(r.Fraud); err != nil {
			return fmt.Errorf("%w: fraud: %s", ErrInvalidInput, describe(err))
		}
	}
	if r.Text != nil {
		if err := validate.Struct(r.Text); err != nil {
			return fmt.Errorf("%w: text: %s", ErrInvalidInput, describe(err))
		}
		if strings.TrimSpace(r.Text.Text) == "" {
			return fmt.Errorf("%w: text: text must not be blank", ErrInvalidInput)
		}
	}
	return nil
}

// Normalize fills optional defaults. It is applied after validation.
func (r *RiskRequest) Normalize() {
	if r.Text != nil && r.Text.Language == "" {
		r.Text.Language = "en"
	}
}

// InputsPresent reports which sub-requests are set.
func (r *RiskRequest) InputsPresent() map[string]bool {
	return map[string]bool{
		"fraud": r.Fraud != nil,
		"text":  r.Text != nil,
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
