package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loglineos/core/pkg/record"
)

// SQLStore implements Store over database/sql for both dialects.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	locker  locker
	hub     *hub
	clock   func() time.Time
}

// Open connects, applies the schema, and wires locks and notifications.
// Driver names: "sqlite" (modernc) and "postgres" (lib/pq).
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver := "sqlite"
	if dialect == DialectPostgres {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	s := NewWithDB(db, dialect)
	if _, err := db.ExecContext(ctx, dialect.Schema()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s schema: %w", dialect, err)
	}
	return s, nil
}

// NewWithDB wraps an existing handle; the caller owns schema setup.
func NewWithDB(db *sql.DB, dialect Dialect) *SQLStore {
	var l locker
	if dialect == DialectPostgres {
		l = newPGLocker(db)
	} else {
		l = newMemoryLocker()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		locker:  l,
		hub:     newHub(),
		clock:   time.Now,
	}
}

// WithClock overrides the insert timestamp source for tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// DB exposes the underlying handle for scoped-connection capabilities.
func (s *SQLStore) DB() *sql.DB { return s.db }

// IsPostgres reports the backend dialect; the ctx provider installs
// session variables only on postgres.
func (s *SQLStore) IsPostgres() bool { return s.dialect == DialectPostgres }

func (s *SQLStore) Insert(ctx context.Context, sess Session, r *record.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if sess.UserID == "" {
		return fmt.Errorf("%w: session has no user_id", ErrVisibility)
	}
	// Owner must be the session actor, tenant null or the session's.
	if r.OwnerID != sess.UserID {
		return fmt.Errorf("%w: owner_id %q is not session actor %q", ErrVisibility, r.OwnerID, sess.UserID)
	}
	if r.TenantID != "" && r.TenantID != sess.TenantID {
		return fmt.Errorf("%w: tenant_id %q is not session tenant %q", ErrVisibility, r.TenantID, sess.TenantID)
	}
	// Ownership of a logical id is immutable: once any revision exists,
	// every later revision must carry the same owner. Without this check a
	// foreign session could append (id, seq+1) and become the id's current
	// revision.
	ownerQuery := s.dialect.Rebind(`SELECT owner_id FROM registry WHERE id = ? ORDER BY seq ASC LIMIT 1`)
	var firstOwner string
	switch err := s.db.QueryRowContext(ctx, ownerQuery, r.ID).Scan(&firstOwner); {
	case errors.Is(err, sql.ErrNoRows):
		// First revision of this id.
	case err != nil:
		return fmt.Errorf("check id owner: %w", err)
	case firstOwner != r.OwnerID:
		return fmt.Errorf("%w: id %s is owned by %q", ErrVisibility, r.ID, firstOwner)
	}
	if r.At.IsZero() {
		r.At = s.clock().UTC()
	}

	related, err := jsonOrNull(r.RelatedTo)
	if err != nil {
		return fmt.Errorf("encode related_to: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO registry (` + registryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Seq, string(r.EntityType), r.Who, nullStr(r.Did), nullStr(r.This),
		r.At.UTC().Format(TimeLayout),
		nullStr(r.ParentID), related, r.OwnerID, nullStr(r.TenantID), string(r.Visibility),
		nullStr(r.Status), r.IsDeleted,
		nullStr(r.Name), nullStr(r.Description), nullStr(r.Code), nullStr(r.Language), nullStr(r.Runtime),
		rawOrNull(r.Input), rawOrNull(r.Output), rawOrNull(r.Error),
		durationOrNull(r), nullStr(r.TraceID),
		nullStr(r.PrevHash), nullStr(r.CurrHash), nullStr(r.Signature), nullStr(r.PublicKey),
		rawOrNull(r.Metadata),
	)
	if err != nil {
		if isConflictErr(err) {
			return fmt.Errorf("%w: (%s, %d)", ErrConflict, r.ID, r.Seq)
		}
		if isAppendOnlyErr(err) {
			return fmt.Errorf("%w: %v", ErrAppendOnly, err)
		}
		return fmt.Errorf("insert record: %w", err)
	}

	s.hub.publish(*r)
	return nil
}

// visibilityCond builds the row-visibility predicate with bound parameters.
func visibilityCond(sess Session) (string, []any) {
	if sess.TenantID == "" {
		return "(owner_id = ? OR visibility = 'public')", []any{sess.UserID}
	}
	return "(owner_id = ? OR visibility = 'public' OR (visibility = 'tenant' AND tenant_id = ?))",
		[]any{sess.UserID, sess.TenantID}
}

func (s *SQLStore) Select(ctx context.Context, sess Session, q Query) ([]record.Record, error) {
	visCond, args := visibilityCond(sess)
	conds := []string{"is_deleted = ?", visCond}
	args = append([]any{false}, args...)

	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if q.EntityType != "" {
		add("entity_type = ?", string(q.EntityType))
	}
	if q.Status != "" {
		add("status = ?", q.Status)
	}
	if q.OwnerID != "" {
		add("owner_id = ?", q.OwnerID)
	}
	if q.Visibility != "" {
		add("visibility = ?", string(q.Visibility))
	}
	if q.ParentID != "" {
		add("parent_id = ?", q.ParentID)
	}
	if q.TraceID != "" {
		add("trace_id = ?", q.TraceID)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.RelatedTo != "" {
		// related_to is stored as a JSON array; substring match on the
		// quoted id is dialect-portable and the ids are UUIDs.
		add("related_to LIKE ?", `%"`+q.RelatedTo+`"%`)
	}
	if !q.SinceAt.IsZero() {
		add("at > ?", q.SinceAt.UTC().Format(TimeLayout))
	}

	order := "at DESC, id DESC, seq DESC"
	if q.OldestFirst {
		order = "at ASC, id ASC, seq ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM registry WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		registryColumns, strings.Join(conds, " AND "), order, limit, q.Offset)

	return s.queryRecords(ctx, query, args...)
}

// sqlCondForbidden rejects raw literals at the capability boundary: kernels
// must bind every value.
func sqlCondForbidden(cond string) bool {
	return strings.ContainsAny(cond, `';`) || strings.Contains(cond, "--")
}

func (s *SQLStore) SQL(ctx context.Context, sess Session, cond string, args ...any) ([]record.Record, error) {
	if strings.TrimSpace(cond) == "" {
		return nil, fmt.Errorf("empty condition")
	}
	if sqlCondForbidden(cond) {
		return nil, fmt.Errorf("condition must bind values with ? placeholders, not literals")
	}
	visCond, visArgs := visibilityCond(sess)

	// "when" aliases "at" for kernels that query by that name.
	query := fmt.Sprintf(
		`SELECT %s FROM (SELECT *, at AS "when" FROM registry) AS visible_timeline WHERE is_deleted = ? AND %s AND (%s) ORDER BY at ASC, id ASC, seq ASC LIMIT 500`,
		registryColumns, visCond, cond)

	all := append([]any{false}, visArgs...)
	all = append(all, args...)
	return s.queryRecords(ctx, query, all...)
}

func (s *SQLStore) LatestByID(ctx context.Context, sess Session, id string) (*record.Record, error) {
	visCond, visArgs := visibilityCond(sess)
	query := fmt.Sprintf(
		`SELECT %s FROM registry WHERE id = ? AND is_deleted = ? AND %s ORDER BY seq DESC LIMIT 1`,
		registryColumns, visCond)
	args := append([]any{id, false}, visArgs...)

	rows, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return &rows[0], nil
}

func (s *SQLStore) CurrentManifestRow(ctx context.Context, sess Session) (*record.Record, error) {
	visCond, visArgs := visibilityCond(sess)
	query := fmt.Sprintf(
		`SELECT %s FROM registry WHERE entity_type = 'manifest' AND is_deleted = ? AND %s ORDER BY at DESC, seq DESC LIMIT 1`,
		registryColumns, visCond)
	args := append([]any{false}, visArgs...)

	rows, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no manifest", ErrNotFound)
	}
	return &rows[0], nil
}

// PendingRequests selects scheduled requests still awaiting dispatch. A
// request's lifecycle advances through status_patch rows with
// parent_id = request.id, so any patch at all marks it handled.
func (s *SQLStore) PendingRequests(ctx context.Context, sess Session, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	visCond, visArgs := visibilityCond(sess)
	query := fmt.Sprintf(`SELECT %s FROM registry
		WHERE entity_type = 'request' AND status = 'scheduled' AND is_deleted = ? AND %s
		AND NOT EXISTS (
			SELECT 1 FROM registry p
			WHERE p.entity_type = 'status_patch' AND p.parent_id = registry.id AND p.is_deleted = ?
		)
		ORDER BY at ASC, id ASC, seq ASC LIMIT %d`,
		registryColumns, visCond, limit)

	args := append([]any{false}, visArgs...)
	args = append(args, false)
	return s.queryRecords(ctx, query, args...)
}

func (s *SQLStore) CountTenantExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	query := s.dialect.Rebind(
		`SELECT COUNT(*) FROM registry WHERE entity_type = 'execution' AND tenant_id = ? AND at >= ? AND is_deleted = ?`)
	var n int
	err := s.db.QueryRowContext(ctx, query, tenantID, since.UTC().Format(TimeLayout), false).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

func (s *SQLStore) TryLock(ctx context.Context, key string) (bool, error) {
	return s.locker.tryLock(ctx, keyHash(key))
}

func (s *SQLStore) Unlock(ctx context.Context, key string) error {
	return s.locker.unlock(ctx, keyHash(key))
}

func (s *SQLStore) Subscribe(ctx context.Context) <-chan record.Record {
	return s.hub.subscribe(ctx)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.hub.close()
	return s.db.Close()
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan registry: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (record.Record, error) {
	var (
		r                                    record.Record
		entityType, at                       string
		did, this, parentID, related         sql.NullString
		tenantID, status                     sql.NullString
		name, description, code              sql.NullString
		language, runtime                    sql.NullString
		input, output, errCol, metadata      sql.NullString
		durationMS                           sql.NullInt64
		traceID, prevHash, currHash          sql.NullString
		signature, publicKey                 sql.NullString
	)
	err := rows.Scan(
		&r.ID, &r.Seq, &entityType, &r.Who, &did, &this, &at,
		&parentID, &related, &r.OwnerID, &tenantID, (*string)(&r.Visibility),
		&status, &r.IsDeleted, &name, &description, &code, &language, &runtime,
		&input, &output, &errCol, &durationMS, &traceID,
		&prevHash, &currHash, &signature, &publicKey, &metadata,
	)
	if err != nil {
		return r, fmt.Errorf("scan row: %w", err)
	}

	r.EntityType = record.EntityType(entityType)
	parsed, err := time.Parse(TimeLayout, at)
	if err != nil {
		return r, fmt.Errorf("parse at %q: %w", at, err)
	}
	r.At = parsed
	r.Did = did.String
	r.This = this.String
	r.ParentID = parentID.String
	r.TenantID = tenantID.String
	r.Status = status.String
	r.Name = name.String
	r.Description = description.String
	r.Code = code.String
	r.Language = language.String
	r.Runtime = runtime.String
	r.DurationMS = durationMS.Int64
	r.TraceID = traceID.String
	r.PrevHash = prevHash.String
	r.CurrHash = currHash.String
	r.Signature = signature.String
	r.PublicKey = publicKey.String
	if related.Valid && related.String != "" {
		if err := json.Unmarshal([]byte(related.String), &r.RelatedTo); err != nil {
			return r, fmt.Errorf("decode related_to: %w", err)
		}
	}
	if input.Valid {
		r.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	if errCol.Valid {
		r.Error = json.RawMessage(errCol.String)
	}
	if metadata.Valid {
		r.Metadata = json.RawMessage(metadata.String)
	}
	return r, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// durationOrNull stores the duration as written on rows that measure one;
// a sub-millisecond run is a real 0, not an absent value. Other entity
// types have no duration and store NULL.
func durationOrNull(r *record.Record) any {
	switch r.EntityType {
	case record.EntityExecution, record.EntityProviderExecution:
		return r.DurationMS
	default:
		return nullInt(r.DurationMS)
	}
}

func rawOrNull(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func jsonOrNull(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
