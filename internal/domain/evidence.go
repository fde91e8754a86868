package domain

// Evidence metadata keys used for reason traceability.
const (
	EvidenceEngineKey = "engine"
	EvidenceReasonKey = "reason"
)

// Evidence is a source-attributed observation supporting a reason code or
// giving context to a decision. Items are never mutated once created.
type Evidence struct {
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Value       any            `json:"value,omitempty"`
	Threshold   *float64       `json:"threshold,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Engine returns the name of the engine that emitted the evidence.
func (e Evidence) Engine() string {
	v, _ := e.Metadata[EvidenceEngineKey].(string)
	return v
}

// Reason returns the reason code this evidence supports, if any.
func (e Evidence) Reason() ReasonCode {
	switch v := e.Metadata[EvidenceReasonKey].(type) {
	case ReasonCode:
		return v
	case string:
		return ReasonCode(v)
	}
	return ""
}

// Provenance records which engine and model produced a signal or decision.
type Provenance struct {
	Engine        string `json:"engine"`
	ModelName     string `json:"modelName,omitempty"`
	ModelVersion  string `json:"modelVersion,omitempty"`
	PromptVersion string `json:"promptVersion,omitempty"`
}

// Float returns a pointer to v, for evidence thresholds.
func Float(v float64) *float64 {
	return &v
}
