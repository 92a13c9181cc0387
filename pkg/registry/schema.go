package registry

import (
	"fmt"
	"strings"
)

// Dialect abstracts the differences between the sqlite and postgres
// backends: placeholder style, schema DDL, and notification support.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// TimeLayout is the fixed-width UTC encoding of the at column. Fixed width
// keeps lexicographic order equal to chronological order in both backends.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// registryColumns is the scan/insert column list, in one place so the
// insert statement and every SELECT stay aligned.
const registryColumns = `id, seq, entity_type, who, did, this, at,
	parent_id, related_to, owner_id, tenant_id, visibility,
	status, is_deleted, name, description, code, language, runtime,
	input, output, error, duration_ms, trace_id,
	prev_hash, curr_hash, signature, public_key, metadata`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS registry (
	id TEXT NOT NULL,
	seq INTEGER NOT NULL CHECK (seq >= 0),
	entity_type TEXT NOT NULL,
	who TEXT NOT NULL,
	did TEXT,
	this TEXT,
	at TEXT NOT NULL,
	parent_id TEXT,
	related_to TEXT,
	owner_id TEXT NOT NULL,
	tenant_id TEXT,
	visibility TEXT NOT NULL CHECK (visibility IN ('private','tenant','public')),
	status TEXT,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	name TEXT,
	description TEXT,
	code TEXT,
	language TEXT,
	runtime TEXT,
	input TEXT,
	output TEXT,
	error TEXT,
	duration_ms INTEGER,
	trace_id TEXT,
	prev_hash TEXT,
	curr_hash TEXT,
	signature TEXT,
	public_key TEXT,
	metadata TEXT,
	PRIMARY KEY (id, seq)
);

CREATE INDEX IF NOT EXISTS idx_registry_at ON registry(at DESC);
CREATE INDEX IF NOT EXISTS idx_registry_type_at ON registry(entity_type, at);
CREATE INDEX IF NOT EXISTS idx_registry_owner_tenant ON registry(owner_id, tenant_id);
CREATE INDEX IF NOT EXISTS idx_registry_trace ON registry(trace_id);
CREATE INDEX IF NOT EXISTS idx_registry_parent ON registry(parent_id);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_scheduled_request
	ON registry(parent_id)
	WHERE entity_type = 'request' AND status = 'scheduled' AND is_deleted = 0;

CREATE TRIGGER IF NOT EXISTS registry_no_update
	BEFORE UPDATE ON registry
BEGIN
	SELECT RAISE(ABORT, 'append-only violation');
END;

CREATE TRIGGER IF NOT EXISTS registry_no_delete
	BEFORE DELETE ON registry
BEGIN
	SELECT RAISE(ABORT, 'append-only violation');
END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS registry (
	id UUID NOT NULL,
	seq BIGINT NOT NULL CHECK (seq >= 0),
	entity_type TEXT NOT NULL,
	who TEXT NOT NULL,
	did TEXT,
	this TEXT,
	at TEXT NOT NULL,
	parent_id UUID,
	related_to JSONB,
	owner_id TEXT NOT NULL,
	tenant_id TEXT,
	visibility TEXT NOT NULL CHECK (visibility IN ('private','tenant','public')),
	status TEXT,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	name TEXT,
	description TEXT,
	code TEXT,
	language TEXT,
	runtime TEXT,
	input JSONB,
	output JSONB,
	error JSONB,
	duration_ms BIGINT,
	trace_id TEXT,
	prev_hash TEXT,
	curr_hash TEXT,
	signature TEXT,
	public_key TEXT,
	metadata JSONB,
	PRIMARY KEY (id, seq)
);

CREATE INDEX IF NOT EXISTS idx_registry_at ON registry(at DESC);
CREATE INDEX IF NOT EXISTS idx_registry_type_at ON registry(entity_type, at);
CREATE INDEX IF NOT EXISTS idx_registry_owner_tenant ON registry(owner_id, tenant_id);
CREATE INDEX IF NOT EXISTS idx_registry_trace ON registry(trace_id);
CREATE INDEX IF NOT EXISTS idx_registry_parent ON registry(parent_id);
CREATE INDEX IF NOT EXISTS idx_registry_related_gin ON registry USING GIN (related_to);
CREATE INDEX IF NOT EXISTS idx_registry_metadata_gin ON registry USING GIN (metadata);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_scheduled_request
	ON registry(parent_id)
	WHERE entity_type = 'request' AND status = 'scheduled' AND is_deleted = FALSE;

CREATE OR REPLACE FUNCTION registry_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'append-only violation';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS registry_no_mutate ON registry;
CREATE TRIGGER registry_no_mutate
	BEFORE UPDATE OR DELETE ON registry
	FOR EACH ROW EXECUTE FUNCTION registry_append_only();

CREATE OR REPLACE FUNCTION registry_notify_insert() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('timeline_updates', row_to_json(NEW)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS registry_insert_notify ON registry;
CREATE TRIGGER registry_insert_notify
	AFTER INSERT ON registry
	FOR EACH ROW EXECUTE FUNCTION registry_notify_insert();
`

// Schema returns the DDL for the dialect.
func (d Dialect) Schema() string {
	if d == DialectPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

// Rebind converts ? placeholders to the dialect's style. Queries in this
// package are written with ?; lib/pq requires $n.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isConflictErr matches unique-constraint violations from either driver
// without importing driver error types.
func isConflictErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // modernc sqlite
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key") // lib/pq 23505
}

// isAppendOnlyErr matches the trigger raise from either backend.
func isAppendOnlyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "append-only violation")
}
