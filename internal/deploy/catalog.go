package deploy

import (
	"context"
	"fmt"
	"strings"

	"deploy-go/internal/model"
)

// Catalog manages packages and the files they contain.
type Catalog struct {
	store   CatalogStore
	repo    *Repository
	logger  Logger
	clock   Clock
	idgen   IDGenerator
	metrics Metrics
}

// NewCatalog creates a Catalog whose file content lives in repo.
func NewCatalog(store CatalogStore, repo *Repository, logger Logger, clock Clock, idgen IDGenerator) *Catalog {
	return &Catalog{
		store:   store,
		repo:    repo,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
		metrics: repo.metrics,
	}
}

// CreatePackage creates an empty package.
func (c *Catalog) CreatePackage(ctx context.Context, name, comment string) (*model.Package, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("package name is empty: %w", ErrInvalidInput)
	}
	now := c.clock.Now()
	p := &model.Package{
		ID:        c.idgen.New(),
		Name:      name,
		Comment:   comment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreatePackage(ctx, p); err != nil {
		return nil, fmt.Errorf("creating package: %w", err)
	}
	c.logger.Info("package created", "package", p.ID, "name", p.Name)
	return p, nil
}

// GetPackage returns a package or ErrNotFound.
func (c *Catalog) GetPackage(ctx context.Context, id string) (*model.Package, error) {
	p, err := c.store.FindPackage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding package: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// ListPackages returns every package ordered by creation.
func (c *Catalog) ListPackages(ctx context.Context) ([]*model.Package, error) {
	pkgs, err := c.store.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	return pkgs, nil
}

// AddFile ingests the bytes of src and attaches them to a package under the
// source filename. The filename is validated before any byte is read.
func (c *Catalog) AddFile(ctx context.Context, packageID string, src Source, policy FilePolicy) (*model.PackageFile, error) {
	if src == nil {
		return nil, fmt.Errorf("no file source: %w", ErrInvalidInput)
	}
	filename := src.filename()
	if filename == "" {
		return nil, fmt.Errorf("filename is empty: %w", ErrInvalidInput)
	}
	policy, err := policy.normalize()
	if err != nil {
		return nil, err
	}
	if _, err := c.GetPackage(ctx, packageID); err != nil {
		return nil, err
	}

	rc, err := src.open(ctx, c.repo.fsmgr)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	now := c.clock.Now()
	f := &model.PackageFile{
		ID:               c.idgen.New(),
		PackageID:        packageID,
		Filename:         filename,
		P2P:              policy.P2P,
		P2PRetentionDays: policy.P2PRetentionDays,
		Uncompress:       policy.Uncompress,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = c.repo.ingest(ctx, rc, func(content *model.Content) error {
		f.Hash = content.Hash
		return c.store.CreatePackageFile(ctx, content, f)
	})
	if err != nil {
		return nil, fmt.Errorf("adding %s to package %s: %w", filename, packageID, err)
	}

	c.logger.Info("file added", "package", packageID, "file", f.ID, "filename", filename, "hash", f.Hash)
	return f, nil
}

// ListFiles returns the files of a package with their content metadata.
func (c *Catalog) ListFiles(ctx context.Context, packageID string) ([]*model.PackageFile, error) {
	if _, err := c.GetPackage(ctx, packageID); err != nil {
		return nil, err
	}
	files, err := c.store.ListPackageFiles(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("listing package files: %w", err)
	}
	return files, nil
}

// RemoveFile detaches a file from its package. The stored bytes are deleted
// only when no other package file references the same hash, while the
// database write lock is still held. If that final delete fails the bytes
// are left for GarbageCollect; the association is gone either way.
func (c *Catalog) RemoveFile(ctx context.Context, fileID string) error {
	f, err := c.store.FindPackageFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("finding package file: %w", err)
	}
	if f == nil {
		return fmt.Errorf("package file %s: %w", fileID, ErrNotFound)
	}

	unlock := c.repo.locks.Lock(f.Hash)
	defer unlock()

	removed, orphaned, err := c.store.RemovePackageFile(ctx, fileID, func(hash string) {
		if err := c.repo.vault.DeleteContent(ctx, hash); err != nil {
			c.logger.Warn("content left for garbage collection", "hash", hash, "error", err)
			return
		}
		c.metrics.IncContentRemoved()
	})
	if err != nil {
		return fmt.Errorf("removing package file: %w", err)
	}
	if !removed {
		return fmt.Errorf("package file %s: %w", fileID, ErrNotFound)
	}

	c.logger.Info("file removed", "package", f.PackageID, "file", fileID, "hash", f.Hash, "content_deleted", orphaned)
	return nil
}

// DeletePackage removes every file of the package, detaches it from tasks and
// deletes it.
func (c *Catalog) DeletePackage(ctx context.Context, id string) error {
	files, err := c.ListFiles(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := c.RemoveFile(ctx, f.ID); err != nil {
			return err
		}
	}
	if err := c.store.DeletePackage(ctx, id); err != nil {
		return fmt.Errorf("deleting package: %w", err)
	}
	c.logger.Info("package deleted", "package", id, "files", len(files))
	return nil
}
