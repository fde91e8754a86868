// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Repository defines the interface for audit persistence.
// All decision methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Decision audit trail
	SaveDecision(ctx context.Context, tenantID string, rec *AuditRecord) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*AuditRecord, error)
	ListDecisionsByEntity(ctx context.Context, tenantID string, entityType string, entityID string, since time.Time) ([]*AuditRecord, error)
	CountDecisionsByActor(ctx context.Context, tenantID string, actor string, since time.Time) (int64, error)

	// Taxonomy version pinning
	SaveTaxonomySnapshot(ctx context.Context, snap *TaxonomySnapshot) error
	GetTaxonomySnapshot(ctx context.Context, version string) (*TaxonomySnapshot, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AuditRecord is the persisted, regulator-facing record of one decision.
type AuditRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	CreatedAt   time.Time `json:"createdAt"`
	EventType   string    `json:"eventType"`
	Env         string    `json:"env"`
	ServiceName string    `json:"serviceName"`

	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`

	Actor      string `json:"actor,omitempty"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`

	ModelName     string `json:"modelName,omitempty"`
	ModelVersion  string `json:"modelVersion,omitempty"`
	PromptVersion string `json:"promptVersion,omitempty"`

	RiskCategory    string       `json:"riskCategory"`
	RiskScore       float64      `json:"riskScore"`
	RiskBand        string       `json:"riskBand"`
	TaxonomyVersion string       `json:"taxonomyVersion,omitempty"`
	ReasonCodes     []ReasonCode `json:"reasonCodes"`
	Evidence        []Evidence   `json:"evidence"`

	// InputHash is the SHA-256 of the canonical JSON of the raw request
	InputHash string `json:"inputHash"`

	// Payload holds the full decision and raw input
	Payload json.RawMessage `json:"payload"`
}

// EventTypeRiskDecision is the audit event type for fused decisions.
const EventTypeRiskDecision = "risk_decision"

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath  string
	BusyTimeout time.Duration

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	ApplicationName  string
	ConnectTimeout   time.Duration

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
