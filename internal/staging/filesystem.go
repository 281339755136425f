package staging

import (
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deploy-go/internal/deploy"
)

// staleAfter is how long a process directory may sit untouched before a
// later process treats it as abandoned.
const staleAfter = 24 * time.Hour

// fileSystemStore spools to disk so large packages never sit in memory.
// Each process stages under its own directory so concurrent CLI commands
// and a running server never see each other's files.
//
// Directory structure:
//
//	<staging_dir>/
//	  proc-*/
//	    tmp/
//	      spool-*      (streams being hashed)
//	    content/
//	      <sha512>     (staged content)
type fileSystemStore struct {
	root       string
	tmpDir     string
	contentDir string
}

// NewFileSystemStagingArea creates a disk-backed staging area in a fresh
// process directory below stagingDir. Process directories left by crashed
// runs are removed once nothing in them has changed for staleAfter.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (deploy.StagingArea, error) {
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	removeAbandoned(stagingDir, time.Now().Add(-staleAfter))

	root, err := os.MkdirTemp(stagingDir, "proc-*")
	if err != nil {
		return nil, fmt.Errorf("creating process staging directory: %w", err)
	}
	store := &fileSystemStore{
		root:       root,
		tmpDir:     filepath.Join(root, "tmp"),
		contentDir: filepath.Join(root, "content"),
	}
	for _, dir := range []string{store.tmpDir, store.contentDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}
	return newStagingArea(store, maxSize), nil
}

// removeAbandoned deletes process directories whose newest entry is older
// than cutoff. Errors are ignored; a directory that cannot be read is left.
func removeAbandoned(stagingDir string, cutoff time.Time) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "proc-") {
			continue
		}
		dir := filepath.Join(stagingDir, e.Name())
		if last, ok := lastActivity(dir); ok && last.Before(cutoff) {
			os.RemoveAll(dir)
		}
	}
}

// lastActivity returns the newest modification time below dir.
func lastActivity(dir string) (time.Time, bool) {
	var last time.Time
	err := filepath.WalkDir(dir, func(_ string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(last) {
			last = info.ModTime()
		}
		return nil
	})
	return last, err == nil
}

func (f *fileSystemStore) close() error {
	if err := os.RemoveAll(f.root); err != nil {
		return fmt.Errorf("removing staging directory: %w", err)
	}
	return nil
}

func (f *fileSystemStore) spool(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(f.tmpDir, "spool-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating spool file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), n, nil
}

func (f *fileSystemStore) commit(token, hash string) error {
	dest := filepath.Join(f.contentDir, hash)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(token)
		return nil
	}
	if err := os.Rename(token, dest); err != nil {
		return fmt.Errorf("moving spool file: %w", err)
	}
	return nil
}

func (f *fileSystemStore) discard(token string) {
	os.Remove(token)
}

func (f *fileSystemStore) open(hash string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(f.contentDir, hash))
	if err != nil {
		return nil, fmt.Errorf("opening staged content: %w", err)
	}
	return file, nil
}

func (f *fileSystemStore) remove(hash string) {
	os.Remove(filepath.Join(f.contentDir, hash))
}
