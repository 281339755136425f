package deploy

import "io"

// StagedContent describes bytes that were spooled by the staging area.
type StagedContent struct {
	Hash     string // SHA-512, lowercase hex
	Size     int64
	MimeType string
}

// StagingArea spools incoming streams so they can be hashed and sniffed
// before anything is written to the vault.
type StagingArea interface {
	// Stage reads r to the end, computing its SHA-512 and MIME type.
	// Staging the same bytes twice shares one copy; every Stage must be
	// paired with a Release.
	Stage(r io.Reader) (*StagedContent, error)

	// Open returns a reader for staged content.
	Open(hash string) (io.ReadCloser, error)

	// Release drops one reference to staged content and removes the bytes
	// when nobody else holds them.
	Release(hash string) error

	// Size returns the total size of staged content in bytes.
	Size() (int64, error)
}
