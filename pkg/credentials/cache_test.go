package credentials_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loglineos/core/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ServesCachedCopyWithinTTL(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fetches := 0
	src := func(context.Context) (*credentials.Credentials, error) {
		fetches++
		return &credentials.Credentials{DSN: "postgres://db/one"}, nil
	}

	now := base
	cache := credentials.NewCache(src, time.Minute).WithClock(func() time.Time { return now })

	creds, err := cache.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/one", creds.DSN)

	_, err = cache.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	now = base.Add(2 * time.Minute)
	_, err = cache.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestCache_LastKnownGoodThenFailClosed(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	healthy := true
	src := func(context.Context) (*credentials.Credentials, error) {
		if !healthy {
			return nil, errors.New("secret backend down")
		}
		return &credentials.Credentials{DSN: "postgres://db/one"}, nil
	}

	now := base
	cache := credentials.NewCache(src, time.Minute).WithClock(func() time.Time { return now })
	_, err := cache.Current(ctx)
	require.NoError(t, err)

	healthy = false

	// Within TTL*2 the stale copy is served.
	now = base.Add(90 * time.Second)
	creds, err := cache.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/one", creds.DSN)

	// Beyond that the cache fails closed.
	now = base.Add(3 * time.Minute)
	_, err = cache.Current(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, credentials.ErrUnavailable)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()

	fetches := 0
	src := func(context.Context) (*credentials.Credentials, error) {
		fetches++
		return &credentials.Credentials{DSN: "postgres://db/one"}, nil
	}
	cache := credentials.NewCache(src, time.Minute)

	_, err := cache.Current(ctx)
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsn")
	require.NoError(t, os.WriteFile(path, []byte("postgres://db/secret\n"), 0o600))

	creds, err := credentials.FileSource(path)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/secret", creds.DSN)

	// Rotation: the file is re-read every fetch.
	require.NoError(t, os.WriteFile(path, []byte("postgres://db/rotated"), 0o600))
	creds, err = credentials.FileSource(path)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/rotated", creds.DSN)

	_, err = credentials.FileSource(filepath.Join(t.TempDir(), "absent"))(context.Background())
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	_, err = credentials.FileSource(empty)(context.Background())
	require.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	creds, err := credentials.StaticSource("file:registry.db")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file:registry.db", creds.DSN)

	_, err = credentials.StaticSource("")(context.Background())
	require.Error(t, err)
}
