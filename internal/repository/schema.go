package repository

// Schema definitions for the Kestrel audit store.
// Compatible with both SQLite and PostgreSQL.

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    event_type TEXT NOT NULL,
    env TEXT NOT NULL,
    service_name TEXT NOT NULL,
    request_id TEXT,
    trace_id TEXT,
    actor TEXT,
    entity_type TEXT,
    entity_id TEXT,
    model_name TEXT,
    model_version TEXT,
    prompt_version TEXT,
    risk_category TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_band TEXT NOT NULL,
    taxonomy_version TEXT,
    reason_codes TEXT NOT NULL,
    evidence TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(tenant_id, entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(tenant_id, actor, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events(tenant_id, risk_category);
`

// schemaTaxonomySnapshots pins the exact taxonomy body behind each version
// so historical decisions can be re-read against the rules that made them.
const schemaTaxonomySnapshots = `
CREATE TABLE IF NOT EXISTS taxonomy_snapshots (
    version TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    owner TEXT NOT NULL,
    body TEXT NOT NULL,
    loaded_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAuditEvents,
		schemaTaxonomySnapshots,
	}
}
