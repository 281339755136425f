package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"deploy-go/internal/deploy"
)

// IgnoreFileName is read from the upload root, if present, and its patterns
// are merged with the configured ones.
const IgnoreFileName = ".deployignore"

// OSFilesystemManager serves files below a single upload root. All access
// goes through an os.Root, so no path can resolve outside it even through
// symlinks planted between validation and open.
type OSFilesystemManager struct {
	root    *os.Root
	dir     string
	ignores *IgnoreMatcher
}

var _ deploy.FilesystemManager = (*OSFilesystemManager)(nil)

// NewOSFilesystemManager opens uploadRoot, creating it if missing, and loads
// ignore patterns from config plus the root's ignore file.
func NewOSFilesystemManager(uploadRoot string, patterns []string) (*OSFilesystemManager, error) {
	if err := os.MkdirAll(uploadRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating upload root: %w", err)
	}
	root, err := os.OpenRoot(uploadRoot)
	if err != nil {
		return nil, fmt.Errorf("opening upload root: %w", err)
	}

	filePatterns, err := ParseIgnoreFile(filepath.Join(uploadRoot, IgnoreFileName))
	if err != nil {
		root.Close()
		return nil, err
	}

	return &OSFilesystemManager{
		root:    root,
		dir:     uploadRoot,
		ignores: NewIgnoreMatcher(slices.Concat(defaultIgnorePatterns, patterns, filePatterns)),
	}, nil
}

// Dir returns the upload root as configured.
func (m *OSFilesystemManager) Dir() string { return m.dir }

func (m *OSFilesystemManager) Close() error {
	return m.root.Close()
}

// clean maps a user-supplied relative path onto a name usable with os.Root.
// Absolute paths and anything climbing out with ".." are refused.
func clean(rel string) (string, error) {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if rel == "" || rel == "." {
		return ".", nil
	}
	name := filepath.FromSlash(rel)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("path %q escapes the upload root: %w", rel, deploy.ErrNotFound)
	}
	return filepath.Clean(name), nil
}

func (m *OSFilesystemManager) Open(rel string) (io.ReadCloser, fs.FileInfo, error) {
	name, err := clean(rel)
	if err != nil {
		return nil, nil, err
	}
	if m.IsIgnored(name) {
		return nil, nil, fmt.Errorf("path %q is ignored: %w", rel, deploy.ErrNotFound)
	}

	info, err := m.root.Lstat(name)
	if err != nil {
		return nil, nil, notFound(rel, err)
	}
	if err := checkRegular(rel, info); err != nil {
		return nil, nil, err
	}

	f, err := m.root.Open(name)
	if err != nil {
		return nil, nil, notFound(rel, err)
	}
	// Lstat and Open are two lookups; make sure they saw the same file.
	opened, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !os.SameFile(info, opened) {
		f.Close()
		return nil, nil, fmt.Errorf("path %q changed while opening: %w", rel, deploy.ErrNotFound)
	}
	return &stableReader{f: f, rel: rel, before: opened}, opened, nil
}

func (m *OSFilesystemManager) ReadDir(rel string) ([]fs.DirEntry, error) {
	name, err := clean(rel)
	if err != nil {
		return nil, err
	}
	info, err := m.root.Lstat(name)
	if err != nil {
		return nil, notFound(rel, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path %q is not a directory: %w", rel, deploy.ErrNotFound)
	}

	d, err := m.root.Open(name)
	if err != nil {
		return nil, notFound(rel, err)
	}
	defer d.Close()

	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", rel, err)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// IsIgnored also reports true for anything below an ignored directory.
func (m *OSFilesystemManager) IsIgnored(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" {
		return false
	}
	for i := range len(rel) {
		if rel[i] == '/' && m.ignores.Match(rel[:i]) {
			return true
		}
	}
	return m.ignores.Match(rel)
}

func notFound(rel string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("path %q: %w", rel, deploy.ErrNotFound)
	}
	// os.Root reports escapes as a plain error; treat them like a miss.
	return fmt.Errorf("path %q: %v: %w", rel, err, deploy.ErrNotFound)
}

func checkRegular(rel string, info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		return fmt.Errorf("symlinks not supported: %s: %w", rel, deploy.ErrNotFound)
	case mode.IsDir():
		return fmt.Errorf("cannot open directory as file: %s: %w", rel, deploy.ErrNotFound)
	case !mode.IsRegular():
		return fmt.Errorf("special files not supported: %s: %w", rel, deploy.ErrNotFound)
	}
	return nil
}

// stableReader fails the read at EOF if the file was modified while it was
// being consumed, so a half-written upload never gets a content hash.
type stableReader struct {
	f      *os.File
	rel    string
	before fs.FileInfo
}

func (r *stableReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err == io.EOF {
		after, statErr := r.f.Stat()
		if statErr != nil {
			return n, fmt.Errorf("re-stat %s: %w", r.rel, statErr)
		}
		if changeErr := validateUnchanged(r.before, after); changeErr != nil {
			return n, fmt.Errorf("file %s changed during ingestion: %w", r.rel, changeErr)
		}
	}
	return n, err
}

func (r *stableReader) Close() error {
	return r.f.Close()
}

func validateUnchanged(before, after fs.FileInfo) error {
	if before.Size() != after.Size() {
		return fmt.Errorf("size changed: %d -> %d", before.Size(), after.Size())
	}
	if !before.ModTime().Equal(after.ModTime()) {
		return fmt.Errorf("mtime changed: %v -> %v", before.ModTime(), after.ModTime())
	}
	if c1, ok1 := changeTime(before); ok1 {
		if c2, ok2 := changeTime(after); ok2 && !c1.Equal(c2) {
			return fmt.Errorf("ctime changed: %v -> %v", c1, c2)
		}
	}
	return nil
}
