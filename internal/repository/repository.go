// Package repository provides audit persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput is domain.ErrInvalidInput so callers map it the same way.
	ErrInvalidInput = domain.ErrInvalidInput
	// ErrConflict is returned when a taxonomy version is re-saved with a different body.
	ErrConflict = errors.New("conflicting record")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an open database without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

// DB exposes the underlying handle for pool metrics.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const auditColumns = `id, tenant_id, created_at, event_type, env, service_name,
			request_id, trace_id, actor, entity_type, entity_id,
			model_name, model_version, prompt_version,
			risk_category, risk_score, risk_band, taxonomy_version,
			reason_codes, evidence, input_hash, payload`

// SaveDecision appends an audit record with tenant isolation.
// Records are immutable; saving an existing ID fails.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, rec *domain.AuditRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record ID is required", ErrInvalidInput)
	}

	reasons := rec.ReasonCodes
	if reasons == nil {
		reasons = []domain.ReasonCode{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to encode reason codes: %w", err)
	}
	evidence := rec.Evidence
	if evidence == nil {
		evidence = []domain.Evidence{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	query := `INSERT INTO audit_events (` + auditColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.CreatedAt.UTC(), rec.EventType, rec.Env, rec.ServiceName,
		rec.RequestID, rec.TraceID, rec.Actor, rec.EntityType, rec.EntityID,
		rec.ModelName, rec.ModelVersion, rec.PromptVersion,
		rec.RiskCategory, rec.RiskScore, rec.RiskBand, rec.TaxonomyVersion,
		string(reasonsJSON), string(evidenceJSON), rec.InputHash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision retrieves an audit record by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE tenant_id = ? AND id = ?`

	rec, err := scanAudit(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDecisionsByEntity returns an entity's audit records since a time, oldest first.
func (r *SQLRepository) ListDecisionsByEntity(ctx context.Context, tenantID string, entityType string, entityID string, since time.Time) ([]*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("%w: entity_type and entity_id are required", ErrInvalidInput)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND created_at >= ?
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityType, entityID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountDecisionsByActor counts an actor's audit records since a time.
func (r *SQLRepository) CountDecisionsByActor(ctx context.Context, tenantID string, actor string, since time.Time) (int64, error) {
	if tenantID == "" || actor == "" {
		return 0, fmt.Errorf("%w: tenantID and actor are required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM audit_events WHERE tenant_id = ? AND actor = ? AND created_at >= ?`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, actor, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}

// SaveTaxonomySnapshot pins a taxonomy version. Re-saving identical content
// is a no-op; re-saving a version with a different hash is a conflict.
func (r *SQLRepository) SaveTaxonomySnapshot(ctx context.Context, snap *domain.TaxonomySnapshot) error {
	if snap == nil || snap.Version == "" || snap.Hash == "" {
		return fmt.Errorf("%w: version and hash are required", ErrInvalidInput)
	}

	existing, err := r.GetTaxonomySnapshot(ctx, snap.Version)
	switch {
	case err == nil:
		if existing.Hash != snap.Hash {
			return fmt.Errorf("%w: taxonomy version %s already pinned with hash %s", ErrConflict, snap.Version, existing.Hash)
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	query := `INSERT INTO taxonomy_snapshots (version, hash, owner, body, loaded_at) VALUES (?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		snap.Version, snap.Hash, snap.Owner, string(snap.Body), snap.LoadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save taxonomy snapshot: %w", err)
	}
	return nil
}

// GetTaxonomySnapshot retrieves a pinned taxonomy by version.
func (r *SQLRepository) GetTaxonomySnapshot(ctx context.Context, version string) (*domain.TaxonomySnapshot, error) {
	query := `SELECT version, hash, owner, body, loaded_at FROM taxonomy_snapshots WHERE version = ?`

	var snap domain.TaxonomySnapshot
	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), version).Scan(
		&snap.Version, &snap.Hash, &snap.Owner, &body, &snap.LoadedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Body = []byte(body)
	return &snap, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var requestID, traceID, actor, entityType, entityID sql.NullString
	var modelName, modelVersion, promptVersion, taxonomyVersion sql.NullString
	var reasons, evidence, payload string

	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.CreatedAt, &rec.EventType, &rec.Env, &rec.ServiceName,
		&requestID, &traceID, &actor, &entityType, &entityID,
		&modelName, &modelVersion, &promptVersion,
		&rec.RiskCategory, &rec.RiskScore, &rec.RiskBand, &taxonomyVersion,
		&reasons, &evidence, &rec.InputHash, &payload,
	)
	if err != nil {
		return nil, err
	}

	rec.RequestID = requestID.String
	rec.TraceID = traceID.String
	rec.Actor = actor.String
	rec.EntityType = entityType.String
	rec.EntityID = entityID.String
	rec.ModelName = modelName.String
	rec.ModelVersion = modelVersion.String
	rec.PromptVersion = promptVersion.String
	rec.TaxonomyVersion = taxonomyVersion.String

	if err := json.Unmarshal([]byte(reasons), &rec.ReasonCodes); err != nil {
		return nil, fmt.Errorf("failed to decode reason codes for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode evidence for %s: %w", rec.ID, err)
	}
	rec.Payload = json.RawMessage(payload)

	return &rec, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
