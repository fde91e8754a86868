// Package audit turns decisions into immutable audit records and persists them.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Entity types recorded on audit events.
const (
	EntityTextCase    = "text_case"
	EntityTransaction = "transaction"
)

// NoopID is the audit ID reported when auditing is disabled.
const NoopID = "noop"

// WriteResult identifies the persisted audit record.
type WriteResult struct {
	AuditID string `json:"auditId"`
}

// Writer persists one decision together with the raw request that produced it.
type Writer interface {
	Write(ctx context.Context, tenantID string, dec *domain.RiskDecision, req *domain.RiskRequest) (*WriteResult, error)
}

// HashInput returns the SHA-256 of the RFC 8785 canonical JSON of v.
// Equal inputs hash equally regardless of field order or whitespace.
func HashInput(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Options carry process-level fields stamped on every record.
type Options struct {
	Env         string
	ServiceName string
}

type payload struct {
	Decision *domain.RiskDecision `json:"decision"`
	RawInput *domain.RiskRequest  `json:"raw_input"`
	Meta     payloadMeta          `json:"meta"`
}

type payloadMeta struct {
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// BuildRecord assembles the audit record for dec. Request and trace IDs are
// read from ctx.
func BuildRecord(ctx context.Context, tenantID string, dec *domain.RiskDecision, req *domain.RiskRequest, opts Options) (*domain.AuditRecord, error) {
	if dec == nil || req == nil {
		return nil, fmt.Errorf("%w: decision and request are required", domain.ErrInvalidInput)
	}

	inputHash, err := HashInput(req)
	if err != nil {
		return nil, err
	}

	requestID := domain.RequestIDFrom(ctx)
	traceID := domain.TraceIDFrom(ctx)

	body, err := json.Marshal(payload{
		Decision: dec,
		RawInput: req,
		Meta:     payloadMeta{RequestID: requestID, TraceID: traceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}

	entityType, entityID := pickEntity(req)
	createdAt := dec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return &domain.AuditRecord{
		ID:              dec.ID,
		TenantID:        tenantID,
		CreatedAt:       createdAt,
		EventType:       domain.EventTypeRiskDecision,
		Env:             opts.Env,
		ServiceName:     opts.ServiceName,
		RequestID:       requestID,
		TraceID:         traceID,
		Actor:           pickActor(req),
		EntityType:      entityType,
		EntityID:        entityID,
		ModelName:       dec.Provenance.ModelName,
		ModelVersion:    dec.Provenance.ModelVersion,
		PromptVersion:   dec.Provenance.PromptVersion,
		RiskCategory:    dec.RiskCategory,
		RiskScore:       dec.RiskScore,
		RiskBand:        dec.RiskBand,
		TaxonomyVersion: dec.TaxonomyVersion,
		ReasonCodes:     dec.Reasons,
		Evidence:        dec.Evidence,
		InputHash:       inputHash,
		Payload:         body,
	}, nil
}

func pickActor(req *domain.RiskRequest) string {
	if req.Text != nil {
		return req.Text.CustomerID
	}
	return ""
}

// pickEntity prefers the text case; fraud requests carry no transaction ID.
func pickEntity(req *domain.RiskRequest) (string, string) {
	if req.Text != nil && req.Text.CaseID != "" {
		return EntityTextCase, req.Text.CaseID
	}
	if req.Fraud != nil {
		return EntityTransaction, ""
	}
	return "", ""
}

// RepositoryWriter writes audit records to a domain.Repository.
type RepositoryWriter struct {
	repo domain.Repository
	opts Options
}

// NewRepositoryWriter creates a writer backed by repo.
func NewRepositoryWriter(repo domain.Repository, opts Options) *RepositoryWriter {
	return &RepositoryWriter{repo: repo, opts: opts}
}

// Write implements Writer.
func (w *RepositoryWriter) Write(ctx context.Context, tenantID string, dec *domain.RiskDecision, req *domain.RiskRequest) (*WriteResult, error) {
	rec, err := BuildRecord(ctx, tenantID, dec, req, w.opts)
	if err != nil {
		return nil, err
	}
	if err := w.repo.SaveDecision(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("failed to write audit record: %w", err)
	}
	return &WriteResult{AuditID: rec.ID}, nil
}

// NoopWriter discards records.
type NoopWriter struct{}

// Write implements Writer.
func (NoopWriter) Write(ctx context.Context, tenantID string, dec *domain.RiskDecision, req *domain.RiskRequest) (*WriteResult, error) {
	return &WriteResult{AuditID: NoopID}, nil
}
