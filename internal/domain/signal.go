package domain

import (
	"context"
)

// Signal is the transient output of one detection engine before fusion.
type Signal struct {
	BaseScore  float64        `json:"baseScore"`
	Reasons    []ReasonCode   `json:"reasons"`
	Evidence   []Evidence     `json:"evidence"`
	Provenance Provenance     `json:"provenance"`
	Debug      map[string]any `json:"debug,omitempty"`
}

// SignalSource is a detection engine that turns one domain's sub-request into a Signal.
// New domains plug into the orchestrator by implementing this interface.
type SignalSource interface {
	// Name is the sub-request key this source serves (e.g. "fraud", "text").
	Name() string

	// Present reports whether req carries input for this source.
	Present(req *RiskRequest) bool

	// Detect produces the signal for req. Implementations must honor ctx cancellation.
	Detect(ctx context.Context, req *RiskRequest) (*Signal, error)
}
