package domain

import (
	"fmt"
	"sort"
)

// ReasonCode is a named risk indicator shared by every signal source and the taxonomy.
// The set is closed: sources may only emit codes listed here.
type ReasonCode string

const (
	ReasonHighVelocity          ReasonCode = "high_transaction_velocity"
	ReasonUnusualAmount         ReasonCode = "unusual_transaction_amount"
	ReasonDistressLanguage      ReasonCode = "distress_language_detected"
	ReasonRepeatComplaint       ReasonCode = "repeat_complaint"
	ReasonMisleadingInformation ReasonCode = "misleading_information"
	ReasonAccountBehaviorChange ReasonCode = "account_behavior_change"
)

var knownReasons = map[ReasonCode]struct{}{
	ReasonHighVelocity:          {},
	ReasonUnusualAmount:         {},
	ReasonDistressLanguage:      {},
	ReasonRepeatComplaint:       {},
	ReasonMisleadingInformation: {},
	ReasonAccountBehaviorChange: {},
}

// AllReasonCodes returns every known reason code in sorted order.
func AllReasonCodes() []ReasonCode {
	out := make([]ReasonCode, 0, len(knownReasons))
	for r := range knownReasons {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether r belongs to the closed reason set.
func (r ReasonCode) Valid() bool {
	_, ok := knownReasons[r]
	return ok
}

// ParseReasonCode converts a string into a ReasonCode.
func ParseReasonCode(s string) (ReasonCode, error) {
	r := ReasonCode(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown reason code %q", s)
	}
	return r, nil
}

// SortedReasons returns the distinct reasons in ascending order.
func SortedReasons(reasons []ReasonCode) []ReasonCode {
	seen := make(map[ReasonCode]struct{}, len(reasons))
	out := make([]ReasonCode, 0, len(reasons))
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DedupeReasons drops repeated reasons, keeping first-seen order.
func DedupeReasons(reasons []ReasonCode) []ReasonCode {
	seen := make(map[ReasonCode]struct{}, len(reasons))
	out := make([]ReasonCode, 0, len(reasons))
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
