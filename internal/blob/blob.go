// Package blob abstracts the durable audio object store.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob: object not found")

// ObjectStore is the boundary to durable storage: single-object put, signed
// GET issuance, and existence checks. Implementations must be safe for
// concurrent use.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// PresignGet returns a time-limited URL granting read access to key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// AudioKey derives the canonical object key for a user's synthesized audio.
func AudioKey(userID, requestFingerprint string) string {
	return fmt.Sprintf("audio/%s/%s.mp3", userID, requestFingerprint)
}

// MemoryBlobStore is an in-process ObjectStore for tests and keyless runs.
type MemoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// PutErr, when non-nil, is returned by every Put. Tests use it to force
	// upload failures.
	PutErr error
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *MemoryBlobStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory://%s?expires=%ds", key, int(ttl.Seconds())), nil
}

func (m *MemoryBlobStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Object returns the stored bytes for key; a test hook.
func (m *MemoryBlobStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}
