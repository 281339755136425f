package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"deploy-go/internal/deploy"
)

type memoryBlob struct {
	data       []byte
	modifiedAt time.Time
}

// MemoryVault is an in-memory implementation of the Vault interface.
// It is useful for tests and for throwaway servers. Safe for concurrent use.
type MemoryVault struct {
	name     string
	content  map[string]memoryBlob
	metadata map[string][]byte
	now      func() time.Time
	mu       sync.RWMutex
}

var _ deploy.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		content:  make(map[string]memoryBlob),
		metadata: make(map[string][]byte),
		now:      time.Now,
	}
}

// SetClock overrides the modification time source, which garbage
// collection compares against its grace period.
func (m *MemoryVault) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func readSized(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutContent(_ context.Context, hash string, r io.Reader, size int64) error {
	if !deploy.ValidHash(hash) {
		return fmt.Errorf("malformed content key %q: %w", hash, deploy.ErrInvalidInput)
	}
	data, err := readSized(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[hash]; ok {
		return nil
	}
	m.content[hash] = memoryBlob{data: data, modifiedAt: m.now()}
	return nil
}

func (m *MemoryVault) GetContent(_ context.Context, hash string, w io.Writer) error {
	m.mu.RLock()
	blob, ok := m.content[hash]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content %s: %w", hash, deploy.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(blob.data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryVault) HasContent(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[hash]
	return ok, nil
}

func (m *MemoryVault) DeleteContent(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.content, hash)
	return nil
}

func (m *MemoryVault) ListContent(context.Context) ([]deploy.VaultObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]deploy.VaultObject, 0, len(m.content))
	for hash, blob := range m.content {
		out = append(out, deploy.VaultObject{Hash: hash, Size: int64(len(blob.data)), ModifiedAt: blob.modifiedAt})
	}
	return out, nil
}

func (m *MemoryVault) PutMetadata(_ context.Context, name string, r io.Reader, size int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[name] = data
	return nil
}

func (m *MemoryVault) GetMetadata(_ context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.metadata[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %q: %w", name, deploy.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}
