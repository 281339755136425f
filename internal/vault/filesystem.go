package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"deploy-go/internal/deploy"
)

// FileSystemVault stores blobs as files:
//
//	<root>/
//	  content/
//	    <sha512>       (one file per distinct content)
//	  metadata/
//	    <name>         (database snapshots and similar)
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

var _ deploy.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates the directory layout under root if needed.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  filepath.Join(root, "content"),
		metadataDir: filepath.Join(root, "metadata"),
	}
	for _, dir := range []string{v.contentDir, v.metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}
	return v, nil
}

// contentPath refuses anything but a well-formed hash so keys can never
// address files outside the content directory.
func (v *FileSystemVault) contentPath(hash string) (string, error) {
	if !deploy.ValidHash(hash) {
		return "", fmt.Errorf("malformed content key %q: %w", hash, deploy.ErrInvalidInput)
	}
	return filepath.Join(v.contentDir, hash), nil
}

func (v *FileSystemVault) metadataPath(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("malformed metadata name %q: %w", name, deploy.ErrInvalidInput)
	}
	return filepath.Join(v.metadataDir, name), nil
}

// PutContent is idempotent: if the blob exists the reader is drained and
// its length checked, but nothing is rewritten.
func (v *FileSystemVault) PutContent(_ context.Context, hash string, r io.Reader, size int64) error {
	dest, err := v.contentPath(hash)
	if err != nil {
		return err
	}

	if _, err := os.Stat(dest); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if size >= 0 && written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return writeFileAtomic(dest, r, size)
}

func (v *FileSystemVault) GetContent(_ context.Context, hash string, w io.Writer) error {
	src, err := v.contentPath(hash)
	if err != nil {
		return err
	}
	return readFile(src, w, "content "+hash)
}

func (v *FileSystemVault) HasContent(_ context.Context, hash string) (bool, error) {
	p, err := v.contentPath(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat content: %w", err)
}

func (v *FileSystemVault) DeleteContent(_ context.Context, hash string) error {
	p, err := v.contentPath(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing content: %w", err)
	}
	return nil
}

// ListContent skips temp files and anything else that is not a hash.
func (v *FileSystemVault) ListContent(_ context.Context) ([]deploy.VaultObject, error) {
	entries, err := os.ReadDir(v.contentDir)
	if err != nil {
		return nil, fmt.Errorf("reading content directory: %w", err)
	}
	var out []deploy.VaultObject
	for _, e := range entries {
		if !e.Type().IsRegular() || !deploy.ValidHash(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		out = append(out, deploy.VaultObject{Hash: e.Name(), Size: info.Size(), ModifiedAt: info.ModTime()})
	}
	return out, nil
}

func (v *FileSystemVault) PutMetadata(_ context.Context, name string, r io.Reader, size int64) error {
	dest, err := v.metadataPath(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(dest, r, size)
}

func (v *FileSystemVault) GetMetadata(_ context.Context, name string, w io.Writer) error {
	src, err := v.metadataPath(name)
	if err != nil {
		return err
	}
	return readFile(src, w, "metadata "+name)
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(context.Context) error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFileAtomic writes to a temp file in the destination directory and
// renames it into place, so readers never see a partial blob. A negative
// expectedSize skips the length check.
func writeFileAtomic(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if expectedSize >= 0 && written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func readFile(srcPath string, w io.Writer, what string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", what, deploy.ErrNotFound)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}
