package domain

// TextRule defines a lexicon rule for the text signal source.
type TextRule struct {
	ID          string `json:"id"`
	Description string `json:"description"`

	// Reason emitted when the pattern matches
	Reason ReasonCode `json:"reason"`

	// Pattern is a Go regular expression; matching is case-insensitive
	Pattern string `json:"pattern"`

	// Condition is an optional CEL guard over channel, language and customer_id.
	// Empty means always applicable.
	Condition string `json:"condition,omitempty"`

	Enabled bool `json:"enabled"`
}

// RuleMatch is a single lexicon hit inside a case narrative.
type RuleMatch struct {
	RuleID      string     `json:"ruleId"`
	Reason      ReasonCode `json:"reason"`
	Start       int        `json:"start"`
	End         int        `json:"end"`
	MatchedText string     `json:"matchedText"`
}
