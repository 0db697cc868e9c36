// Package artifacts stores version payload blobs under content-addressed keys.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// ErrNotFound is returned when a ref does not resolve to a stored blob.
var ErrNotFound = errors.New("artifact not found")

// BlobStore persists immutable blobs and returns an opaque ref for them.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// PayloadKey is the content-addressed key of a version payload.
func PayloadKey(contentHash string) string {
	return path.Join("payloads", contentHash+".json")
}

const memScheme = "mem://"

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = append([]byte(nil), data...)
	}
	return memScheme + key, nil
}

func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	key := strings.TrimPrefix(ref, memScheme)
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Len reports how many blobs are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
