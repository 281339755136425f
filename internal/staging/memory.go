package staging

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"deploy-go/internal/deploy"
)

// memoryStore keeps staged bytes in maps. spool runs outside the staging
// lock, so the temp map has its own.
type memoryStore struct {
	mu      sync.Mutex
	next    int
	pending map[string][]byte
	content map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		pending: make(map[string][]byte),
		content: make(map[string][]byte),
	}
}

// NewMemoryStagingArea creates a staging area that holds everything in
// memory. Meant for tests and small deployments.
func NewMemoryStagingArea(maxSize int64) deploy.StagingArea {
	return newStagingArea(newMemoryStore(), maxSize)
}

func (m *memoryStore) spool(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	token := strconv.Itoa(m.next)
	m.pending[token] = data
	return token, int64(len(data)), nil
}

func (m *memoryStore) commit(token, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.pending[token]
	if !ok {
		return fmt.Errorf("unknown spool token %s", token)
	}
	delete(m.pending, token)
	if _, exists := m.content[hash]; !exists {
		m.content[hash] = data
	}
	return nil
}

func (m *memoryStore) discard(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, token)
}

func (m *memoryStore) open(hash string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.content[hash]
	if !ok {
		return nil, fmt.Errorf("staged content %s not found", hash)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.content, hash)
}
