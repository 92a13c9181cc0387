package registry

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
)

// keyHash derives the advisory lock integer from a string key (FNV-64a).
// Both scopes in use — per-record ids and "throttle:"+tenant — go through
// this one function so the two backends agree on the keyspace.
func keyHash(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// locker is the cooperative mutual-exclusion backend. Locks are not ACID
// locks: they gate work, they do not guard transactions.
type locker interface {
	tryLock(ctx context.Context, key int64) (bool, error)
	unlock(ctx context.Context, key int64) error
}

// memoryLocker serves the sqlite backend. Single-node semantics: all
// workers share the process, so a map suffices.
type memoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: make(map[int64]bool)}
}

func (l *memoryLocker) tryLock(_ context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memoryLocker) unlock(_ context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// pgLocker uses pg_try_advisory_lock. Postgres advisory locks are
// session-scoped, so each held lock pins a dedicated connection until
// unlock; the connection is released on every unlock path.
type pgLocker struct {
	db   *sql.DB
	mu   sync.Mutex
	held map[int64]*sql.Conn
}

func newPGLocker(db *sql.DB) *pgLocker {
	return &pgLocker{db: db, held: make(map[int64]*sql.Conn)}
}

func (l *pgLocker) tryLock(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	if l.held[key] != nil {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !got {
		_ = conn.Close()
		return false, nil
	}

	l.mu.Lock()
	if l.held[key] != nil {
		// Raced against ourselves; release the duplicate.
		l.mu.Unlock()
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
		_ = conn.Close()
		return false, nil
	}
	l.held[key] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *pgLocker) unlock(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
	closeErr := conn.Close()
	if err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return closeErr
}
