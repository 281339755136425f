package deploy

import (
	"context"
	"io"
	"time"
)

// Vault is blob storage for repository content.
// All operations stream through io.Reader/io.Writer so large files are never
// held in memory.
type Vault interface {
	// PutContent stores content under its hash. Storing the same hash twice is
	// safe. size is the number of bytes that will be read from r, or -1 when
	// unknown (for example after encryption).
	PutContent(ctx context.Context, hash string, r io.Reader, size int64) error

	// GetContent writes the stored bytes to w. Missing content yields an error
	// wrapping ErrNotFound.
	GetContent(ctx context.Context, hash string, w io.Writer) error

	// HasContent reports whether content is stored under hash.
	HasContent(ctx context.Context, hash string) (bool, error)

	// DeleteContent removes stored content. Deleting absent content is a no-op.
	DeleteContent(ctx context.Context, hash string) error

	// ListContent enumerates stored blobs.
	ListContent(ctx context.Context) ([]VaultObject, error)

	// PutMetadata stores a named metadata item such as a database snapshot.
	PutMetadata(ctx context.Context, name string, r io.Reader, size int64) error

	// GetMetadata writes a named metadata item to w.
	GetMetadata(ctx context.Context, name string, w io.Writer) error

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}

// VaultObject describes one stored blob.
type VaultObject struct {
	Hash       string
	Size       int64
	ModifiedAt time.Time
}
