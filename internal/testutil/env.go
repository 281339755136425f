package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deploy-go/internal/database"
	"deploy-go/internal/deploy"
	"deploy-go/internal/fs"
	"deploy-go/internal/model"
	"deploy-go/internal/staging"
	"deploy-go/internal/vault"
)

// DefaultStagingMaxSize is the max size for test staging areas (10MB).
const DefaultStagingMaxSize = 10 * 1024 * 1024

// TestPublicURL is the base URL the default negotiator puts in file URLs.
const TestPublicURL = "http://deploy.test"

// Env is a fully wired deploy stack over an in-memory database, an
// in-memory vault and a temporary upload root.
type Env struct {
	DB         *database.SQLiteDatabase
	Vault      *vault.MemoryVault
	Staging    deploy.StagingArea
	Files      *fs.OSFilesystemManager
	UploadRoot string
	Clock      *StubClock
	IDs        *StubIDGenerator

	Repo       *deploy.Repository
	Catalog    *deploy.Catalog
	Tasks      *deploy.TaskManager
	Negotiator *deploy.Negotiator
}

// NewEnv builds an Env. ignore patterns apply to the upload root.
func NewEnv(t *testing.T, ignore ...string) *Env {
	t.Helper()

	e := &Env{
		DB:         NewTestDatabase(t),
		Vault:      vault.NewMemoryVault("test-vault"),
		Staging:    staging.NewMemoryStagingArea(DefaultStagingMaxSize),
		UploadRoot: t.TempDir(),
		Clock:      FixedClock(),
		IDs:        NewStubIDGenerator(),
	}
	e.Vault.SetClock(e.Clock.Now)

	files, err := fs.NewOSFilesystemManager(e.UploadRoot, ignore)
	if err != nil {
		t.Fatalf("NewOSFilesystemManager() error = %v", err)
	}
	t.Cleanup(func() { files.Close() })
	e.Files = files

	logger := deploy.NewNopLogger()
	e.Repo = deploy.NewRepository(e.DB, e.Vault, e.Staging, e.Files, logger, e.Clock, nil)
	e.Catalog = deploy.NewCatalog(e.DB, e.Repo, logger, e.Clock, e.IDs)
	e.Tasks = deploy.NewTaskManager(e.DB, e.DB, e.DB, e.DB, logger, e.Clock, e.IDs)
	e.Negotiator = e.NewNegotiator(nil, deploy.NegotiatorOptions{Version: "test", PublicURL: TestPublicURL})
	return e
}

// NewNegotiator builds a negotiator over the Env with a custom cache and options.
func (e *Env) NewNegotiator(cache deploy.DescriptorCache, opts deploy.NegotiatorOptions) *deploy.Negotiator {
	return deploy.NewNegotiator(e.DB, e.Tasks, e.Catalog, e.DB, cache, opts, deploy.NewNopLogger(), e.Clock, nil)
}

// WriteUploadFile creates a file below the upload root.
func (e *Env) WriteUploadFile(t *testing.T, rel, data string) {
	t.Helper()
	p := filepath.Join(e.UploadRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

// MustAgent registers an agent with the given machine ID in entity.
func (e *Env) MustAgent(t *testing.T, machineID string, entity int64) *model.Agent {
	t.Helper()
	a := &model.Agent{
		ID:        e.IDs.New(),
		MachineID: machineID,
		Name:      machineID,
		EntityID:  entity,
		CreatedAt: e.Clock.Now(),
	}
	if err := e.DB.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	return a
}

// MustGroup creates a group with the given members.
func (e *Env) MustGroup(t *testing.T, name string, members ...*model.Agent) *model.Group {
	t.Helper()
	ctx := context.Background()
	g := &model.Group{ID: e.IDs.New(), Name: name, CreatedAt: e.Clock.Now()}
	if err := e.DB.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	for _, a := range members {
		if err := e.DB.AddGroupMember(ctx, g.ID, a.ID); err != nil {
			t.Fatalf("AddGroupMember() error = %v", err)
		}
	}
	return g
}

// MustPackage creates a package holding the given filename -> content pairs
// with default policy.
func (e *Env) MustPackage(t *testing.T, name string, files map[string]string) *model.Package {
	t.Helper()
	ctx := context.Background()
	p, err := e.Catalog.CreatePackage(ctx, name, "")
	if err != nil {
		t.Fatalf("CreatePackage() error = %v", err)
	}
	for filename, data := range files {
		src := deploy.UploadSource{Name: filename, Body: strings.NewReader(data)}
		if _, err := e.Catalog.AddFile(ctx, p.ID, src, deploy.FilePolicy{}); err != nil {
			t.Fatalf("AddFile(%s) error = %v", filename, err)
		}
	}
	return p
}

// MustActiveTask creates an active task in entity with the given packages
// and targets attached. The clock moves one second first so tasks created in
// a row sort in creation order.
func (e *Env) MustActiveTask(t *testing.T, name string, entity int64, recursive bool, pkgs []*model.Package, targets ...model.Target) *model.Task {
	t.Helper()
	ctx := context.Background()
	e.Clock.Advance(time.Second)
	task, err := e.Tasks.Create(ctx, entity, name, recursive, "")
	if err != nil {
		t.Fatalf("Create task error = %v", err)
	}
	for _, p := range pkgs {
		if err := e.Tasks.AttachPackage(ctx, task.ID, p.ID); err != nil {
			t.Fatalf("AttachPackage() error = %v", err)
		}
	}
	for _, target := range targets {
		if err := e.Tasks.AttachTarget(ctx, task.ID, target); err != nil {
			t.Fatalf("AttachTarget() error = %v", err)
		}
	}
	if err := e.Tasks.SetActive(ctx, task.ID, true); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	task.IsActive = true
	return task
}
