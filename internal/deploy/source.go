package deploy

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Source is where the bytes of a new package file come from.
// It is either an UploadSource or a ServerSource.
type Source interface {
	filename() string
	open(ctx context.Context, fsmgr FilesystemManager) (io.ReadCloser, error)
}

// UploadSource is a file streamed by the administrator.
type UploadSource struct {
	Name string
	Body io.Reader
}

// ServerSource is a file already present under the server upload root.
type ServerSource struct {
	Path string
}

func (s UploadSource) filename() string {
	return baseName(s.Name)
}

func (s UploadSource) open(context.Context, FilesystemManager) (io.ReadCloser, error) {
	if s.Body == nil {
		return nil, fmt.Errorf("upload has no body: %w", ErrInvalidInput)
	}
	return io.NopCloser(s.Body), nil
}

func (s ServerSource) filename() string {
	return baseName(s.Path)
}

func (s ServerSource) open(_ context.Context, fsmgr FilesystemManager) (io.ReadCloser, error) {
	if fsmgr == nil {
		return nil, fmt.Errorf("no upload root configured: %w", ErrNotFound)
	}
	rc, _, err := fsmgr.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Path, err)
	}
	return rc, nil
}

// baseName keeps the last element of a path written with either separator.
func baseName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	b := path.Base(name)
	if b == "." || b == "/" || b == ".." {
		return ""
	}
	return b
}

// FilePolicy carries the per-file distribution settings.
type FilePolicy struct {
	P2P              bool
	P2PRetentionDays int
	Uncompress       bool
}

func (p FilePolicy) normalize() (FilePolicy, error) {
	if p.P2PRetentionDays < 0 {
		return p, fmt.Errorf("p2p retention days must not be negative: %w", ErrInvalidInput)
	}
	if !p.P2P {
		p.P2PRetentionDays = 0
	}
	return p, nil
}
