package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loglineos/core/pkg/artifacts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Roundtrip(t *testing.T) {
	store := artifacts.NewMemoryStore()
	ctx := context.Background()
	data := []byte("wasm module bytes")

	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, artifacts.HashPrefix))
	assert.Equal(t, artifacts.Ref(data), ref)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	// Putting the same content again converges on the same ref.
	ref2, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
}

func TestMemoryStore_MissingAndMalformedRefs(t *testing.T) {
	store := artifacts.NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, artifacts.Ref([]byte("never stored")))
	require.Error(t, err)

	_, err = store.Get(ctx, "sha256:abcd")
	require.Error(t, err)

	_, err = store.Get(ctx, artifacts.HashPrefix+"nothex")
	require.Error(t, err)

	_, err = store.Get(ctx, artifacts.HashPrefix+"abcd")
	require.Error(t, err)
}

func TestFileStore_Roundtrip(t *testing.T) {
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	ref, err := store.Put(ctx, data)
	require.NoError(t, err)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, artifacts.Ref([]byte("other")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_DetectsCorruptedBlob(t *testing.T) {
	dir := t.TempDir()
	store, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("original content"))
	require.NoError(t, err)

	raw := strings.TrimPrefix(ref, artifacts.HashPrefix)
	path := filepath.Join(dir, raw+".blob")
	require.NoError(t, os.WriteFile(path, []byte("tampered content"), 0o644))

	_, err = store.Get(ctx, ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content verification")
}
