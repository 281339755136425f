package deploy_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"deploy-go/internal/deploy"
	"deploy-go/internal/model"
	"deploy-go/internal/testutil"
)

func TestRepository_IngestDeduplicates(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	data := "MZ\x90\x00 fake installer"

	first, err := env.Repo.Ingest(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if first.Hash != testutil.SHA512Hex([]byte(data)) {
		t.Errorf("Hash = %s, want SHA-512 of the bytes", first.Hash[:16])
	}
	if first.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", first.Size, len(data))
	}

	second, err := env.Repo.Ingest(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if second.Hash != first.Hash || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("second Ingest() = %+v, want the existing entry", second)
	}

	objs, _ := env.Vault.ListContent(ctx)
	if len(objs) != 1 {
		t.Errorf("vault holds %d blobs, want 1", len(objs))
	}
	contents, err := env.Repo.ListContents(ctx)
	if err != nil {
		t.Fatalf("ListContents() error = %v", err)
	}
	if len(contents) != 1 {
		t.Errorf("ListContents() = %d entries, want 1", len(contents))
	}
	if size, _ := env.Staging.Size(); size != 0 {
		t.Errorf("staging still holds %d bytes", size)
	}
}

func TestRepository_ReadContent(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	c, err := env.Repo.Ingest(ctx, strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := env.Repo.ReadContent(ctx, c.Hash, &buf); err != nil {
		t.Fatalf("ReadContent() error = %v", err)
	}
	if buf.String() != "payload" {
		t.Errorf("ReadContent() = %q", buf.String())
	}

	unknown := testutil.SHA512Hex([]byte("never stored"))
	if err := env.Repo.ReadContent(ctx, unknown, &buf); !errors.Is(err, deploy.ErrNotFound) {
		t.Errorf("ReadContent(unknown) error = %v, want ErrNotFound", err)
	}
	if err := env.Repo.ReadContent(ctx, "not-a-hash", &buf); !errors.Is(err, deploy.ErrInvalidInput) {
		t.Errorf("ReadContent(malformed) error = %v, want ErrInvalidInput", err)
	}
}

func TestRepository_IngestFromServerPath(t *testing.T) {
	env := testutil.NewEnv(t, "*.part")
	ctx := context.Background()
	env.WriteUploadFile(t, "apps/agent.msi", "msi bytes")
	env.WriteUploadFile(t, "apps/agent.msi.part", "partial")

	c, err := env.Repo.IngestFromServerPath(ctx, "apps/agent.msi")
	if err != nil {
		t.Fatalf("IngestFromServerPath() error = %v", err)
	}
	if c.Hash != testutil.SHA512Hex([]byte("msi bytes")) {
		t.Errorf("Hash mismatch")
	}

	for _, rel := range []string{
		"../outside",
		"apps/../../outside",
		"/etc/passwd",
		"apps/missing.msi",
		"apps",
		"apps/agent.msi.part",
	} {
		t.Run(rel, func(t *testing.T) {
			if _, err := env.Repo.IngestFromServerPath(ctx, rel); !errors.Is(err, deploy.ErrNotFound) {
				t.Errorf("IngestFromServerPath(%q) error = %v, want ErrNotFound", rel, err)
			}
		})
	}
}

func TestRepository_Delete(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	c, err := env.Repo.Ingest(ctx, strings.NewReader("to delete"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.Delete(ctx, c.Hash); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := env.Vault.HasContent(ctx, c.Hash); ok {
		t.Error("blob still stored after Delete()")
	}
	if err := env.Repo.Delete(ctx, c.Hash); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
	if err := env.Repo.Delete(ctx, "../../etc"); !errors.Is(err, deploy.ErrInvalidInput) {
		t.Errorf("Delete(malformed) error = %v, want ErrInvalidInput", err)
	}
}

func TestRepository_GarbageCollect(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	pkg := env.MustPackage(t, "kept", map[string]string{"kept.bin": "referenced"})
	orphan, err := env.Repo.Ingest(ctx, strings.NewReader("nobody references me"))
	if err != nil {
		t.Fatal(err)
	}
	stray := testutil.SHA512Hex([]byte("stray blob"))
	if err := env.Vault.PutContent(ctx, stray, strings.NewReader("stray blob"), 10); err != nil {
		t.Fatal(err)
	}

	// Inside the grace period nothing is touched.
	res, err := env.Repo.GarbageCollect(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GarbageCollect() error = %v", err)
	}
	if res.Rows != 0 || res.Blobs != 0 {
		t.Errorf("GarbageCollect() inside grace = %+v, want nothing", res)
	}

	env.Clock.Advance(2 * time.Hour)
	res, err = env.Repo.GarbageCollect(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GarbageCollect() error = %v", err)
	}
	if res.Rows != 1 || res.Blobs != 1 {
		t.Errorf("GarbageCollect() = %+v, want 1 row and 1 blob", res)
	}

	if ok, _ := env.Vault.HasContent(ctx, orphan.Hash); ok {
		t.Error("orphan content survived")
	}
	if ok, _ := env.Vault.HasContent(ctx, stray); ok {
		t.Error("stray blob survived")
	}
	files, err := env.Catalog.ListFiles(ctx, pkg.ID)
	if err != nil || len(files) != 1 {
		t.Fatalf("ListFiles() = %v, %v", files, err)
	}
	if ok, _ := env.Vault.HasContent(ctx, files[0].Hash); !ok {
		t.Error("referenced content was collected")
	}
}

func TestRepository_ConcurrentIdenticalIngest(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Repo.Ingest(ctx, strings.NewReader("same new bytes")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Ingest() error = %v", err)
	}

	contents, _ := env.Repo.ListContents(ctx)
	if len(contents) != 1 {
		t.Errorf("ListContents() = %d entries, want 1", len(contents))
	}
	objs, _ := env.Vault.ListContent(ctx)
	if len(objs) != 1 {
		t.Errorf("vault holds %d blobs, want 1", len(objs))
	}
}

// deletingIndex removes the blob from the vault just before indexing, as a
// remover in another process would between the vault check and the commit.
type deletingIndex struct {
	deploy.ContentIndex
	vault deploy.Vault
}

func (d deletingIndex) CreateContent(ctx context.Context, c *model.Content) (*model.Content, error) {
	if err := d.vault.DeleteContent(ctx, c.Hash); err != nil {
		return nil, err
	}
	return d.ContentIndex.CreateContent(ctx, c)
}

func TestRepository_IngestRestoresBlobDeletedMidway(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	if _, err := env.Repo.Ingest(ctx, strings.NewReader("contended")); err != nil {
		t.Fatal(err)
	}

	repo := deploy.NewRepository(deletingIndex{ContentIndex: env.DB, vault: env.Vault},
		env.Vault, env.Staging, env.Files, deploy.NewNopLogger(), env.Clock, nil)
	c, err := repo.Ingest(ctx, strings.NewReader("contended"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if ok, _ := env.Vault.HasContent(ctx, c.Hash); !ok {
		t.Error("indexed content has no blob in the vault")
	}
}
