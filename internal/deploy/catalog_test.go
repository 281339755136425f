package deploy_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"deploy-go/internal/deploy"
	"deploy-go/internal/testutil"
)

func TestCatalog_AddFile(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	pkg, err := env.Catalog.CreatePackage(ctx, "  Firefox  ", "browser")
	if err != nil {
		t.Fatalf("CreatePackage() error = %v", err)
	}
	if pkg.Name != "Firefox" {
		t.Errorf("Name = %q, want trimmed", pkg.Name)
	}

	src := deploy.UploadSource{Name: `C:\Downloads\firefox.msi`, Body: strings.NewReader("msi")}
	f, err := env.Catalog.AddFile(ctx, pkg.ID, src, deploy.FilePolicy{P2P: true, P2PRetentionDays: 3, Uncompress: true})
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if f.Filename != "firefox.msi" {
		t.Errorf("Filename = %q, want firefox.msi", f.Filename)
	}
	if f.Hash != testutil.SHA512Hex([]byte("msi")) {
		t.Errorf("Hash mismatch")
	}

	files, err := env.Catalog.ListFiles(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("ListFiles() = %d files, want 1", len(files))
	}
	got := files[0]
	if !got.P2P || got.P2PRetentionDays != 3 || !got.Uncompress {
		t.Errorf("policy = %+v", got)
	}
	if got.Size != 3 || got.MimeType == "" {
		t.Errorf("Size = %d, MimeType = %q", got.Size, got.MimeType)
	}
}

func TestCatalog_AddFileFromServerPath(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.WriteUploadFile(t, "drivers/nic.zip", "PK\x03\x04zip")
	pkg, _ := env.Catalog.CreatePackage(ctx, "drivers", "")

	f, err := env.Catalog.AddFile(ctx, pkg.ID, deploy.ServerSource{Path: "drivers/nic.zip"}, deploy.FilePolicy{})
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if f.Filename != "nic.zip" {
		t.Errorf("Filename = %q", f.Filename)
	}

	_, err = env.Catalog.AddFile(ctx, pkg.ID, deploy.ServerSource{Path: "../etc/passwd"}, deploy.FilePolicy{})
	if !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("AddFile(traversal) error = %v, want ErrNotFound", err)
	}
}

func TestCatalog_AddFileRejects(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	pkg, _ := env.Catalog.CreatePackage(ctx, "pkg", "")

	tests := []struct {
		name    string
		pkgID   string
		src     deploy.Source
		policy  deploy.FilePolicy
		wantErr error
	}{
		{"empty filename", pkg.ID, deploy.UploadSource{Name: "  ", Body: strings.NewReader("x")}, deploy.FilePolicy{}, deploy.ErrInvalidInput},
		{"dot filename", pkg.ID, deploy.UploadSource{Name: "..", Body: strings.NewReader("x")}, deploy.FilePolicy{}, deploy.ErrInvalidInput},
		{"no body", pkg.ID, deploy.UploadSource{Name: "a.bin"}, deploy.FilePolicy{}, deploy.ErrInvalidInput},
		{"no source", pkg.ID, nil, deploy.FilePolicy{}, deploy.ErrInvalidInput},
		{"negative retention", pkg.ID, deploy.UploadSource{Name: "a.bin", Body: strings.NewReader("x")}, deploy.FilePolicy{P2P: true, P2PRetentionDays: -1}, deploy.ErrInvalidInput},
		{"unknown package", "missing", deploy.UploadSource{Name: "a.bin", Body: strings.NewReader("x")}, deploy.FilePolicy{}, deploy.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Catalog.AddFile(ctx, tt.pkgID, tt.src, tt.policy)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AddFile() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if contents, _ := env.Repo.ListContents(ctx); len(contents) != 0 {
		t.Errorf("rejected files left %d content entries", len(contents))
	}
}

func TestCatalog_RetentionClearedWithoutP2P(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	pkg, _ := env.Catalog.CreatePackage(ctx, "pkg", "")

	src := deploy.UploadSource{Name: "a.bin", Body: strings.NewReader("x")}
	f, err := env.Catalog.AddFile(ctx, pkg.ID, src, deploy.FilePolicy{P2P: false, P2PRetentionDays: 7})
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if f.P2PRetentionDays != 0 {
		t.Errorf("P2PRetentionDays = %d, want 0 when p2p is off", f.P2PRetentionDays)
	}
}

func TestCatalog_RemoveFileSharedContent(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	a := env.MustPackage(t, "a", map[string]string{"setup.exe": "shared bytes"})
	b := env.MustPackage(t, "b", map[string]string{"installer.exe": "shared bytes"})
	hash := testutil.SHA512Hex([]byte("shared bytes"))

	objs, _ := env.Vault.ListContent(ctx)
	if len(objs) != 1 {
		t.Fatalf("vault holds %d blobs, want 1", len(objs))
	}
	c, err := env.Repo.Content(ctx, hash)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if c.References != 2 {
		t.Errorf("References = %d, want 2", c.References)
	}

	aFiles, _ := env.Catalog.ListFiles(ctx, a.ID)
	if err := env.Catalog.RemoveFile(ctx, aFiles[0].ID); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	if ok, _ := env.Vault.HasContent(ctx, hash); !ok {
		t.Fatal("content deleted while package b still references it")
	}

	bFiles, _ := env.Catalog.ListFiles(ctx, b.ID)
	if err := env.Catalog.RemoveFile(ctx, bFiles[0].ID); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	if ok, _ := env.Vault.HasContent(ctx, hash); ok {
		t.Error("content kept after last reference was removed")
	}
	if _, err := env.Repo.Content(ctx, hash); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("Content() error = %v, want ErrNotFound", err)
	}

	if err := env.Catalog.RemoveFile(ctx, bFiles[0].ID); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("second RemoveFile() error = %v, want ErrNotFound", err)
	}
}

func TestCatalog_SameContentTwiceInOnePackage(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	pkg := env.MustPackage(t, "dup", map[string]string{"one.bin": "same", "two.bin": "same"})

	files, _ := env.Catalog.ListFiles(ctx, pkg.ID)
	if len(files) != 2 {
		t.Fatalf("ListFiles() = %d files, want 2", len(files))
	}
	if files[0].Hash != files[1].Hash {
		t.Error("identical bytes got different hashes")
	}
	if err := env.Catalog.RemoveFile(ctx, files[0].ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.Vault.HasContent(ctx, files[0].Hash); !ok {
		t.Error("content deleted while the sibling file still references it")
	}
}

func TestCatalog_DeletePackage(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	agent := env.MustAgent(t, "m-1", 0)
	pkg := env.MustPackage(t, "gone", map[string]string{"a.bin": "a", "b.bin": "b"})
	task := env.MustActiveTask(t, "t", 0, false, nil, agentTarget(agent))
	if err := env.Tasks.AttachPackage(ctx, task.ID, pkg.ID); err != nil {
		t.Fatal(err)
	}

	if err := env.Catalog.DeletePackage(ctx, pkg.ID); err != nil {
		t.Fatalf("DeletePackage() error = %v", err)
	}
	if _, err := env.Catalog.GetPackage(ctx, pkg.ID); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("GetPackage() error = %v, want ErrNotFound", err)
	}
	if objs, _ := env.Vault.ListContent(ctx); len(objs) != 0 {
		t.Errorf("vault still holds %d blobs", len(objs))
	}
	pkgs, err := env.Tasks.ListPackages(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 0 {
		t.Errorf("task still lists %d packages", len(pkgs))
	}
	if err := env.Catalog.DeletePackage(ctx, pkg.ID); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("second DeletePackage() error = %v, want ErrNotFound", err)
	}
}

func TestCatalog_ConcurrentAddAndRemove(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	const n = 20
	hash := testutil.SHA512Hex([]byte("one installer"))

	pkg, err := env.Catalog.CreatePackage(ctx, "fleet", "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := deploy.UploadSource{Name: fmt.Sprintf("copy-%d.exe", i), Body: strings.NewReader("one installer")}
			if _, err := env.Catalog.AddFile(ctx, pkg.ID, src, deploy.FilePolicy{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()

	c, err := env.Repo.Content(ctx, hash)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if c.References != n {
		t.Errorf("References = %d, want %d", c.References, n)
	}
	if objs, _ := env.Vault.ListContent(ctx); len(objs) != 1 {
		t.Errorf("vault holds %d blobs, want 1", len(objs))
	}

	files, _ := env.Catalog.ListFiles(ctx, pkg.ID)
	for _, f := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.Catalog.RemoveFile(ctx, f.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent call error = %v", err)
	}

	if _, err := env.Repo.Content(ctx, hash); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("Content() error = %v, want ErrNotFound after the last removal", err)
	}
	if objs, _ := env.Vault.ListContent(ctx); len(objs) != 0 {
		t.Errorf("vault holds %d blobs after every reference was removed", len(objs))
	}
}
