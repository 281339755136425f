package staging

import "io"

// stagingStore abstracts where spooled bytes live. Stores are not safe for
// concurrent use; stagingArea.mu guards every call except spool, which only
// touches a fresh temp entry.
type stagingStore interface {
	// spool copies r into a new temporary entry and returns its token.
	spool(r io.Reader) (token string, size int64, err error)

	// commit files a spooled entry under hash. If hash is already present
	// the spooled copy is dropped.
	commit(token, hash string) error

	// discard drops a spooled entry that will never be committed.
	discard(token string)

	open(hash string) (io.ReadCloser, error)

	// remove deletes committed content (best-effort).
	remove(hash string)
}

// closer is implemented by stores that hold resources beyond their entries.
type closer interface {
	close() error
}
