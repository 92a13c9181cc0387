package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind_PostgresPlaceholders(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2",
		registry.DialectPostgres.Rebind("a = ? AND b = ?"))

	// SQLite keeps positional markers as-is.
	assert.Equal(t, "a = ? AND b = ?",
		registry.DialectSQLite.Rebind("a = ? AND b = ?"))
}

func pgMockStore(t *testing.T) (*registry.SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return registry.NewWithDB(db, registry.DialectPostgres), mock
}

func pgRecord(sess registry.Session) *record.Record {
	return &record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityMemory,
		Who:        sess.UserID,
		OwnerID:    sess.UserID,
		TenantID:   sess.TenantID,
		Visibility: record.VisibilityTenant,
	}
}

func TestInsert_PostgresUsesNumberedPlaceholders(t *testing.T) {
	sess := registry.Session{UserID: "user:alice", TenantID: "acme"}
	store, mock := pgMockStore(t)

	mock.ExpectExec(`(?s)INSERT INTO registry.+VALUES \(\$1, \$2,.+\$29\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), sess, pgRecord(sess)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_MapsDuplicateKeyToConflict(t *testing.T) {
	sess := registry.Session{UserID: "user:alice", TenantID: "acme"}
	store, mock := pgMockStore(t)

	mock.ExpectExec(`INSERT INTO registry`).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "registry_pkey"`))

	err := store.Insert(context.Background(), sess, pgRecord(sess))
	assert.ErrorIs(t, err, registry.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_MapsTriggerRaiseToAppendOnly(t *testing.T) {
	sess := registry.Session{UserID: "user:alice", TenantID: "acme"}
	store, mock := pgMockStore(t)

	mock.ExpectExec(`INSERT INTO registry`).
		WillReturnError(errors.New("pq: append-only violation"))

	err := store.Insert(context.Background(), sess, pgRecord(sess))
	assert.ErrorIs(t, err, registry.ErrAppendOnly)
	require.NoError(t, mock.ExpectationsWereMet())
}
