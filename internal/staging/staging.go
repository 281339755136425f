package staging

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"deploy-go/internal/deploy"
)

// ErrStagingFull is returned when staging a stream would exceed the
// configured maximum size.
var ErrStagingFull = errors.New("staging area full")

// sniffLen is how much of the head of a stream is kept for MIME detection.
const sniffLen = 3072

// stagingArea implements deploy.StagingArea on top of a stagingStore.
// Staged content is reference counted by hash so two concurrent uploads of
// the same bytes share one copy.
type stagingArea struct {
	store   stagingStore
	maxSize int64

	mu    sync.Mutex
	refs  map[string]int
	sizes map[string]int64
	used  int64
}

var _ deploy.StagingArea = (*stagingArea)(nil)

func newStagingArea(store stagingStore, maxSize int64) *stagingArea {
	return &stagingArea{
		store:   store,
		maxSize: maxSize,
		refs:    make(map[string]int),
		sizes:   make(map[string]int64),
	}
}

// headBuffer keeps the first sniffLen bytes written to it.
type headBuffer struct {
	bytes.Buffer
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := sniffLen - h.Len(); room > 0 {
		h.Buffer.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

// cappedReader fails once more than limit bytes have been read.
type cappedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, fmt.Errorf("%w: stream exceeds %d bytes", ErrStagingFull, c.limit)
	}
	return n, err
}

func (s *stagingArea) Stage(r io.Reader) (*deploy.StagedContent, error) {
	hasher := sha512.New()
	var head headBuffer
	body := io.TeeReader(&cappedReader{r: r, limit: s.maxSize}, io.MultiWriter(hasher, &head))

	token, size, err := s.store.spool(body)
	if err != nil {
		return nil, fmt.Errorf("spooling content: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[hash] == 0 {
		if s.used+size > s.maxSize {
			s.store.discard(token)
			return nil, fmt.Errorf("%w: %d bytes staged, %d more would exceed max size of %d bytes",
				ErrStagingFull, s.used, size, s.maxSize)
		}
		if err := s.store.commit(token, hash); err != nil {
			s.store.discard(token)
			return nil, fmt.Errorf("committing staged content: %w", err)
		}
		s.sizes[hash] = size
		s.used += size
	} else {
		s.store.discard(token)
	}
	s.refs[hash]++

	return &deploy.StagedContent{
		Hash:     hash,
		Size:     size,
		MimeType: detectType(head.Bytes()),
	}, nil
}

// detectType returns the bare media type, without parameters such as charset.
func detectType(head []byte) string {
	mt, _, _ := strings.Cut(mimetype.Detect(head).String(), ";")
	return strings.TrimSpace(mt)
}

func (s *stagingArea) Open(hash string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[hash] == 0 {
		return nil, fmt.Errorf("staged content %s: %w", hash, deploy.ErrNotFound)
	}
	return s.store.open(hash)
}

func (s *stagingArea) Release(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.refs[hash]
	if n == 0 {
		return fmt.Errorf("staged content %s: %w", hash, deploy.ErrNotFound)
	}
	if n > 1 {
		s.refs[hash] = n - 1
		return nil
	}
	delete(s.refs, hash)
	s.used -= s.sizes[hash]
	delete(s.sizes, hash)
	s.store.remove(hash)
	return nil
}

// Size returns the total size of staged content in bytes.
func (s *stagingArea) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, nil
}

// Close releases the backing store. Staged content is gone afterwards.
func (s *stagingArea) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refs)
	clear(s.sizes)
	s.used = 0
	if c, ok := s.store.(closer); ok {
		return c.close()
	}
	return nil
}
