package staging

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
)

func sha512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

func areas(t *testing.T, maxSize int64) map[string]deploy.StagingArea {
	t.Helper()
	fsArea, err := NewFileSystemStagingArea(t.TempDir(), maxSize)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	return map[string]deploy.StagingArea{
		"memory":     NewMemoryStagingArea(maxSize),
		"filesystem": fsArea,
	}
}

func TestStagingArea_StageOpenRelease(t *testing.T) {
	data := []byte("%PDF-1.7\nsome document body")

	for name, area := range areas(t, 1<<20) {
		t.Run(name, func(t *testing.T) {
			staged, err := area.Stage(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Stage() error = %v", err)
			}
			if staged.Hash != sha512Hex(data) {
				t.Errorf("Hash = %s, want SHA-512 of input", staged.Hash)
			}
			if staged.Size != int64(len(data)) {
				t.Errorf("Size = %d, want %d", staged.Size, len(data))
			}
			if staged.MimeType != "application/pdf" {
				t.Errorf("MimeType = %q, want application/pdf", staged.MimeType)
			}

			rc, err := area.Open(staged.Hash)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			got, _ := io.ReadAll(rc)
			rc.Close()
			if !bytes.Equal(got, data) {
				t.Errorf("Open() content = %q", got)
			}

			if size, _ := area.Size(); size != int64(len(data)) {
				t.Errorf("Size() = %d, want %d", size, len(data))
			}
			if err := area.Release(staged.Hash); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if size, _ := area.Size(); size != 0 {
				t.Errorf("Size() after release = %d, want 0", size)
			}
			if _, err := area.Open(staged.Hash); !errors.Is(err, deploy.ErrNotFound) {
				t.Errorf("Open() after release error = %v, want ErrNotFound", err)
			}
			if err := area.Release(staged.Hash); !errors.Is(err, deploy.ErrNotFound) {
				t.Errorf("double Release() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStagingArea_SharedContent(t *testing.T) {
	data := []byte("same bytes twice")

	for name, area := range areas(t, 1<<20) {
		t.Run(name, func(t *testing.T) {
			a, err := area.Stage(bytes.NewReader(data))
			if err != nil {
				t.Fatal(err)
			}
			b, err := area.Stage(bytes.NewReader(data))
			if err != nil {
				t.Fatal(err)
			}
			if a.Hash != b.Hash {
				t.Fatalf("hashes differ: %s vs %s", a.Hash, b.Hash)
			}
			if size, _ := area.Size(); size != int64(len(data)) {
				t.Errorf("Size() = %d, want one copy (%d)", size, len(data))
			}

			if err := area.Release(a.Hash); err != nil {
				t.Fatal(err)
			}
			rc, err := area.Open(b.Hash)
			if err != nil {
				t.Fatalf("Open() with one holder left error = %v", err)
			}
			rc.Close()
			if err := area.Release(b.Hash); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestStagingArea_MaxSize(t *testing.T) {
	for name, area := range areas(t, 16) {
		t.Run(name, func(t *testing.T) {
			if _, err := area.Stage(strings.NewReader(strings.Repeat("x", 17))); !errors.Is(err, ErrStagingFull) {
				t.Fatalf("Stage(oversized) error = %v, want ErrStagingFull", err)
			}

			first, err := area.Stage(strings.NewReader("0123456789"))
			if err != nil {
				t.Fatalf("Stage() error = %v", err)
			}
			if _, err := area.Stage(strings.NewReader("abcdefghij")); !errors.Is(err, ErrStagingFull) {
				t.Fatalf("Stage() over budget error = %v, want ErrStagingFull", err)
			}
			// Identical bytes are shared and cost nothing extra.
			if _, err := area.Stage(strings.NewReader("0123456789")); err != nil {
				t.Fatalf("Stage() of already staged content error = %v", err)
			}
			if size, _ := area.Size(); size != 10 {
				t.Errorf("Size() = %d, want 10", size)
			}
			area.Release(first.Hash)
			area.Release(first.Hash)
		})
	}
}

func TestStagingArea_EmptyStream(t *testing.T) {
	area := NewMemoryStagingArea(1024)
	staged, err := area.Stage(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if staged.Size != 0 || staged.Hash != sha512Hex(nil) {
		t.Errorf("Stage(empty) = %+v", staged)
	}
	if staged.MimeType == "" {
		t.Error("MimeType is empty")
	}
}

func TestStagingArea_Concurrent(t *testing.T) {
	area := NewMemoryStagingArea(1 << 20)
	data := []byte("concurrent upload")

	var wg sync.WaitGroup
	hashes := make([]string, 8)
	for i := range hashes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			staged, err := area.Stage(bytes.NewReader(data))
			if err != nil {
				t.Errorf("Stage() error = %v", err)
				return
			}
			hashes[i] = staged.Hash
		}()
	}
	wg.Wait()

	for _, h := range hashes {
		if err := area.Release(h); err != nil {
			t.Errorf("Release() error = %v", err)
		}
	}
	if size, _ := area.Size(); size != 0 {
		t.Errorf("Size() = %d, want 0", size)
	}
}

func TestNewFileSystemStagingArea_ProcessDirectories(t *testing.T) {
	dir := t.TempDir()
	data := []byte("in flight")

	first, err := NewFileSystemStagingArea(dir, 1024)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	sc, err := first.Stage(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	// A second process starting up and shutting down leaves the first alone.
	second, err := NewFileSystemStagingArea(dir, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := second.(io.Closer).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rc, err := first.Open(sc.Hash)
	if err != nil {
		t.Fatalf("Open() after another area closed error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Open() = %q, want %q", got, data)
	}

	if err := first.(io.Closer).Close(); err != nil {
		t.Fatal(err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("%d entries left in the staging dir after Close()", len(entries))
	}
}

func TestNewFileSystemStagingArea_RemovesAbandoned(t *testing.T) {
	dir := t.TempDir()
	abandoned := filepath.Join(dir, "proc-crashed")
	recent := filepath.Join(dir, "proc-running")
	for _, d := range []string{abandoned, recent} {
		if err := os.MkdirAll(filepath.Join(d, "content"), 0700); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * staleAfter)
	for _, p := range []string{filepath.Join(abandoned, "content"), abandoned} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	area, err := NewFileSystemStagingArea(dir, 1024)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	defer area.(io.Closer).Close()

	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Errorf("abandoned process directory survived: %v", err)
	}
	if _, err := os.Stat(recent); err != nil {
		t.Errorf("recently used process directory removed: %v", err)
	}
}

func TestNewStagingAreaFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StagingConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StagingConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.StagingConfig{Type: "filesystem", StagingDir: t.TempDir()}},
		{name: "filesystem without dir", cfg: config.StagingConfig{Type: "filesystem"}, wantErr: true},
		{name: "unknown", cfg: config.StagingConfig{Type: "tape"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStagingAreaFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewStagingAreaFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
