// Package artifacts is the content-addressed blob store for wasm function
// bodies. A function record with language='wasm' carries "blake3:<hex>" in
// its code column; the sandbox resolves the module bytes here. Blobs are
// immutable: a put of existing content is a no-op.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loglineos/core/pkg/crypto"
)

// HashPrefix tags artifact references in record code columns.
const HashPrefix = "blake3:"

// Store is the content-addressed storage contract.
type Store interface {
	// Put persists data and returns its "blake3:<hex>" reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by reference. Content is re-hashed on read;
	// a digest mismatch is an integrity failure.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists checks whether a reference resolves.
	Exists(ctx context.Context, ref string) (bool, error)
}

// parseRef validates a "blake3:<hex>" reference and returns the raw hex.
func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, HashPrefix) {
		return "", fmt.Errorf("invalid artifact ref %q: want %s<hex>", ref, HashPrefix)
	}
	raw := ref[len(HashPrefix):]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid artifact ref hex: %w", err)
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("artifact ref must be 32 hash bytes, got %d hex chars", len(raw))
	}
	return raw, nil
}

// Ref returns the reference that Put would assign to data.
func Ref(data []byte) string {
	return HashPrefix + crypto.HashBytes(data)
}

func verifyContent(ref string, data []byte) error {
	if Ref(data) != ref {
		return fmt.Errorf("artifact %s failed content verification", ref)
	}
	return nil
}

// FileStore is the filesystem backend.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(rawHex string) string {
	return filepath.Join(s.baseDir, rawHex+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Ref(data)
	raw := ref[len(HashPrefix):]
	path := s.path(raw)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to temp, then rename: concurrent putters of the same content
	// converge on the same blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s", ref)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if err := verifyContent(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

// MemoryStore is the test backend.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[ref] = cp
	}
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	if _, err := parseRef(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", ref)
	}
	return data, nil
}

func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, err := parseRef(ref); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok, nil
}
