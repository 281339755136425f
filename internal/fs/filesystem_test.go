package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"deploy-go/internal/deploy"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, data := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newManager(t *testing.T, patterns ...string) (*OSFilesystemManager, string) {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"apps/firefox.msi":   "firefox",
		"apps/readme.txt":    "read me",
		"scripts/install.sh": "#!/bin/sh",
		".git/config":        "[core]",
		"zeta.tmp":           "scratch",
		IgnoreFileName:       "*.tmp\n",
	})
	m, err := NewOSFilesystemManager(root, patterns)
	if err != nil {
		t.Fatalf("NewOSFilesystemManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, root
}

func TestOSFilesystemManager_Open(t *testing.T) {
	m, _ := newManager(t, ".git")

	rc, info, err := m.Open("apps/firefox.msi")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "firefox" || info.Size() != 7 {
		t.Errorf("Open() = %q size %d", data, info.Size())
	}
}

func TestOSFilesystemManager_OpenRejects(t *testing.T) {
	m, root := newManager(t, ".git")

	outside := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(outside, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "apps", "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("..", filepath.Join(root, "up")); err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{
		"../etc/passwd",
		"apps/../../etc/passwd",
		outside,
		"/etc/passwd",
		"apps/link",
		"up/secret",
		"apps",
		"missing.msi",
		".git/config",
		"zeta.tmp",
		IgnoreFileName,
	} {
		t.Run(rel, func(t *testing.T) {
			rc, _, err := m.Open(rel)
			if err == nil {
				rc.Close()
				t.Fatalf("Open(%q) succeeded", rel)
			}
			if !errors.Is(err, deploy.ErrNotFound) {
				t.Errorf("Open(%q) error = %v, want ErrNotFound", rel, err)
			}
		})
	}
}

func TestOSFilesystemManager_ReadDir(t *testing.T) {
	m, _ := newManager(t)

	entries, err := m.ReadDir("")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{IgnoreFileName, ".git", "apps", "scripts", "zeta.tmp"}
	if len(names) != len(want) {
		t.Fatalf("ReadDir() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("ReadDir()[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	if _, err := m.ReadDir("../"); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("ReadDir(../) error = %v, want ErrNotFound", err)
	}
	if _, err := m.ReadDir("apps/readme.txt"); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("ReadDir(file) error = %v, want ErrNotFound", err)
	}
}

func TestOSFilesystemManager_IsIgnored(t *testing.T) {
	m, _ := newManager(t, ".git")

	tests := map[string]bool{
		"":                false,
		"apps":            false,
		"apps/readme.txt": false,
		".git":            true,
		".git/config":     true,
		"zeta.tmp":        true,
		"apps/x.tmp":      true,
		IgnoreFileName:    true,
	}
	for rel, want := range tests {
		if got := m.IsIgnored(rel); got != want {
			t.Errorf("IsIgnored(%q) = %v, want %v", rel, got, want)
		}
	}
}

func TestStableReader_DetectsChange(t *testing.T) {
	m, root := newManager(t)

	rc, _, err := m.Open("apps/readme.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()

	if err := os.WriteFile(filepath.Join(root, "apps", "readme.txt"), []byte("read me, now longer"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(rc); err == nil {
		t.Fatal("ReadAll() expected change error")
	}
}
