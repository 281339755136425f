package deploy

import (
	"io"
	"io/fs"
)

// FilesystemManager gives read access to the server upload root.
// Every path is relative to that root; paths that escape it, symlinks and
// special files are reported as ErrNotFound.
type FilesystemManager interface {
	// Open opens a regular file for reading.
	Open(rel string) (io.ReadCloser, fs.FileInfo, error)

	// ReadDir lists a directory sorted by name. "" is the root itself.
	ReadDir(rel string) ([]fs.DirEntry, error)

	// IsIgnored reports whether rel matches a configured ignore pattern.
	IsIgnored(rel string) bool
}
