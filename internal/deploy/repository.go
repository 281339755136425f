package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"deploy-go/internal/model"
)

// Repository is the content-addressed file store. Identical bytes are kept
// once no matter how many packages reference them.
type Repository struct {
	index   ContentIndex
	vault   Vault
	staging StagingArea
	fsmgr   FilesystemManager
	locks   *hashLocks
	logger  Logger
	clock   Clock
	metrics Metrics
}

// NewRepository creates a Repository. fsmgr may be nil when no upload root is
// configured; server-path operations then report ErrNotFound.
func NewRepository(index ContentIndex, vault Vault, staging StagingArea, fsmgr FilesystemManager, logger Logger, clock Clock, metrics Metrics) *Repository {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Repository{
		index:   index,
		vault:   vault,
		staging: staging,
		fsmgr:   fsmgr,
		locks:   newHashLocks(),
		logger:  logger,
		clock:   clock,
		metrics: metrics,
	}
}

// Ingest stores the bytes read from r and returns their content entry.
// If the bytes are already present nothing new is written.
func (r *Repository) Ingest(ctx context.Context, src io.Reader) (*model.Content, error) {
	var entry *model.Content
	err := r.ingest(ctx, src, func(c *model.Content) error {
		var err error
		entry, err = r.index.CreateContent(ctx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// IngestFromServerPath ingests a file below the upload root.
func (r *Repository) IngestFromServerPath(ctx context.Context, rel string) (*model.Content, error) {
	rc, err := ServerSource{Path: rel}.open(ctx, r.fsmgr)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return r.Ingest(ctx, rc)
}

// ingest spools src, writes the blob to the vault when it is missing and then
// calls commit with the content entry, all while holding the hash lock.
// commit is expected to index the entry.
func (r *Repository) ingest(ctx context.Context, src io.Reader, commit func(*model.Content) error) error {
	staged, err := r.staging.Stage(src)
	if err != nil {
		return fmt.Errorf("staging content: %w", err)
	}
	defer func() {
		if err := r.staging.Release(staged.Hash); err != nil {
			r.logger.Warn("releasing staged content", "hash", staged.Hash, "error", err)
		}
	}()

	unlock := r.locks.Lock(staged.Hash)
	defer unlock()

	stored, err := r.vault.HasContent(ctx, staged.Hash)
	if err != nil {
		return fmt.Errorf("checking vault for %s: %w", staged.Hash, err)
	}
	if !stored {
		if err := r.putStaged(ctx, staged); err != nil {
			return err
		}
	}

	entry := &model.Content{
		Hash:      staged.Hash,
		Size:      staged.Size,
		MimeType:  staged.MimeType,
		CreatedAt: r.clock.Now(),
	}
	if err := commit(entry); err != nil {
		return fmt.Errorf("indexing content %s: %w", staged.Hash, err)
	}
	if stored {
		// A remover in another process may have deleted the blob between
		// the check above and the commit. Its delete runs before its own
		// commit, so once ours has landed the vault answer is final.
		if err := r.restoreIfMissing(ctx, staged); err != nil {
			return err
		}
	}

	r.metrics.IncContentIngested(stored)
	r.logger.Debug("content ingested", "hash", staged.Hash, "size", staged.Size, "deduplicated", stored)
	return nil
}

func (r *Repository) restoreIfMissing(ctx context.Context, staged *StagedContent) error {
	ok, err := r.vault.HasContent(ctx, staged.Hash)
	if err != nil {
		return fmt.Errorf("rechecking vault for %s: %w", staged.Hash, err)
	}
	if ok {
		return nil
	}
	r.logger.Warn("content deleted during ingest, storing it again", "hash", staged.Hash)
	return r.putStaged(ctx, staged)
}

func (r *Repository) putStaged(ctx context.Context, staged *StagedContent) error {
	rc, err := r.staging.Open(staged.Hash)
	if err != nil {
		return fmt.Errorf("opening staged content: %w", err)
	}
	defer rc.Close()

	if err := r.vault.PutContent(ctx, staged.Hash, rc, staged.Size); err != nil {
		return fmt.Errorf("storing content %s: %w", staged.Hash, err)
	}
	return nil
}

// Delete removes the stored bytes for hash without consulting references.
// Deleting content that is not stored succeeds.
func (r *Repository) Delete(ctx context.Context, hash string) error {
	if !ValidHash(hash) {
		return fmt.Errorf("malformed hash %q: %w", hash, ErrInvalidInput)
	}
	if err := r.vault.DeleteContent(ctx, hash); err != nil {
		return fmt.Errorf("deleting content %s: %w", hash, err)
	}
	r.metrics.IncContentRemoved()
	return nil
}

// Content returns the indexed entry for hash.
func (r *Repository) Content(ctx context.Context, hash string) (*model.Content, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("malformed hash %q: %w", hash, ErrInvalidInput)
	}
	c, err := r.index.FindContent(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("finding content: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("content %s: %w", hash, ErrNotFound)
	}
	return c, nil
}

// ReadContent streams the stored bytes for hash into w.
func (r *Repository) ReadContent(ctx context.Context, hash string, w io.Writer) error {
	if _, err := r.Content(ctx, hash); err != nil {
		return err
	}
	if err := r.vault.GetContent(ctx, hash, w); err != nil {
		return fmt.Errorf("reading content %s: %w", hash, err)
	}
	return nil
}

// ListContents returns every indexed entry with its reference count.
func (r *Repository) ListContents(ctx context.Context) ([]*model.Content, error) {
	contents, err := r.index.ListContents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contents: %w", err)
	}
	return contents, nil
}

// GCResult reports what GarbageCollect removed.
type GCResult struct {
	Rows  int // content rows without references
	Blobs int // vault blobs without a content row
}

// GarbageCollect removes unreferenced content rows and vault blobs that have
// no content row. Only items older than grace are touched, so an upload in
// flight in another process is left alone.
func (r *Repository) GarbageCollect(ctx context.Context, grace time.Duration) (*GCResult, error) {
	cutoff := r.clock.Now().Add(-grace)
	result := &GCResult{}

	rows, err := r.index.FindUnreferencedContents(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding unreferenced content: %w", err)
	}
	for _, c := range rows {
		deleted, err := r.collectRow(ctx, c.Hash)
		if err != nil {
			return result, err
		}
		if deleted {
			result.Rows++
		}
	}

	objects, err := r.vault.ListContent(ctx)
	if err != nil {
		return result, fmt.Errorf("listing vault content: %w", err)
	}
	for _, obj := range objects {
		if obj.ModifiedAt.After(cutoff) {
			continue
		}
		deleted, err := r.collectBlob(ctx, obj.Hash)
		if err != nil {
			return result, err
		}
		if deleted {
			result.Blobs++
		}
	}

	r.logger.Info("garbage collection finished", "rows", result.Rows, "blobs", result.Blobs)
	return result, nil
}

func (r *Repository) collectRow(ctx context.Context, hash string) (bool, error) {
	unlock := r.locks.Lock(hash)
	defer unlock()

	deleted, err := r.index.DeleteUnreferencedContent(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("deleting content row %s: %w", hash, err)
	}
	if !deleted {
		return false, nil
	}
	if err := r.vault.DeleteContent(ctx, hash); err != nil {
		// The blob is now orphaned and is picked up by the blob pass.
		r.logger.Warn("deleting collected content", "hash", hash, "error", err)
	}
	return true, nil
}

func (r *Repository) collectBlob(ctx context.Context, hash string) (bool, error) {
	unlock := r.locks.Lock(hash)
	defer unlock()

	c, err := r.index.FindContent(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("finding content %s: %w", hash, err)
	}
	if c != nil {
		return false, nil
	}
	if err := r.vault.DeleteContent(ctx, hash); err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		r.logger.Warn("deleting orphaned blob", "hash", hash, "error", err)
		return false, nil
	}
	return true, nil
}
