package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"deploy-go/internal/buildinfo"
	"deploy-go/internal/cache"
	"deploy-go/internal/config"
	"deploy-go/internal/database"
	"deploy-go/internal/deploy"
	"deploy-go/internal/encryption"
	"deploy-go/internal/fs"
	"deploy-go/internal/metrics"
	"deploy-go/internal/model"
	"deploy-go/internal/server"
	"deploy-go/internal/staging"
	"deploy-go/internal/vault"
)

// ErrEncryptionDisabled is returned by key and unlock operations when the
// configuration stores content in plaintext.
var ErrEncryptionDisabled = errors.New("encryption is disabled in the configuration")

// DeployApp is the application layer between the CLI and the deploy
// services. It constructs all dependencies from config, records mutating
// commands in the operation history and manages the DB lifecycle on Close.
type DeployApp struct {
	cfg        *config.Config
	db         *database.SQLiteDatabase
	vault      deploy.Vault
	encVault   *vault.EncryptedVault
	encryptor  deploy.Encryptor
	staging    deploy.StagingArea
	fsmgr      *fs.OSFilesystemManager
	cache      deploy.DescriptorCache
	metrics    *metrics.Prom
	repo       *deploy.Repository
	catalog    *deploy.Catalog
	tasks      *deploy.TaskManager
	negotiator *deploy.Negotiator
	logger     deploy.Logger
	logFile    io.Closer
	clock      deploy.Clock
	op         *Operation
}

type options struct {
	logOutput io.Writer
	clock     deploy.Clock
}

// Option customizes NewDeployApp.
type Option func(*options)

// WithLogOutput mirrors log records to w in addition to the log file.
// Pass nil to log to the file only.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithClock replaces the wall clock.
func WithClock(c deploy.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewDeployApp creates a fully wired DeployApp from the given config.
// operation identifies the CLI command being run (e.g. "AddFile", "Serve").
// The caller must call Close when done.
func NewDeployApp(ctx context.Context, cfg *config.Config, operation string, opts ...Option) (*DeployApp, error) {
	o := options{logOutput: os.Stderr, clock: deploy.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}

	opID := o.clock.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, cfg.Log, opID, o.logOutput)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &DeployApp{
		cfg:     cfg,
		logger:  &slogAdapter{l: slogger.With("op", operation)},
		logFile: logFile,
		clock:   o.clock,
		op:      NewOperation(operation, ""),
	}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

// wire builds the stack bottom-up. On error the caller releases whatever
// was already opened.
func (a *DeployApp) wire(ctx context.Context) error {
	cfg := a.cfg

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0], enc)
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}
	a.vault = v
	if ev, ok := v.(*vault.EncryptedVault); ok {
		a.encVault = ev
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}
	a.staging = sa

	fsmgr, err := fs.NewOSFilesystemManager(cfg.Repository.UploadRoot, cfg.Repository.Ignore)
	if err != nil {
		return fmt.Errorf("opening upload root: %w", err)
	}
	a.fsmgr = fsmgr

	c, err := cache.NewCacheFromConfig(ctx, cfg.Cache, a.clock)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	a.cache = c

	a.metrics = metrics.NewProm("deploy")
	ids := deploy.UUIDGenerator{}
	a.repo = deploy.NewRepository(db, v, sa, fsmgr, a.logger, a.clock, a.metrics)
	a.catalog = deploy.NewCatalog(db, a.repo, a.logger, a.clock, ids)
	a.tasks = deploy.NewTaskManager(db, db, db, db, a.logger, a.clock, ids)
	a.negotiator = deploy.NewNegotiator(db, a.tasks, a.catalog, db, c, deploy.NegotiatorOptions{
		Version:        buildinfo.Version,
		ValidityPeriod: cfg.Server.ValidityPeriod(),
		PublicURL:      strings.TrimRight(cfg.Server.PublicURL, "/"),
		CacheTTL:       cfg.Cache.TTL(),
		Stamp:          db,
	}, a.logger, a.clock, a.metrics)
	return nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for DB-mutating commands.
func (a *DeployApp) persistOperation(ctx context.Context, params string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = params
	dbOp, err := a.db.CreateOperation(ctx, a.op.Operation, params, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// mutate records the operation, runs fn and retires cached job
// descriptors. The change stamp moves even when fn fails part way, since
// it may already have committed; a running server in another process sees
// the new stamp on its next poll.
func (a *DeployApp) mutate(ctx context.Context, params string, fn func() error) error {
	if err := a.persistOperation(ctx, params); err != nil {
		return err
	}
	fnErr := fn()
	if err := a.db.BumpChangeStamp(ctx); err != nil {
		a.logger.Warn("bumping change stamp", "error", err)
	}
	if err := a.op.Fail(fnErr); err != nil {
		return err
	}
	if err := a.cache.Invalidate(ctx); err != nil {
		a.logger.Warn("invalidating descriptor cache", "error", err)
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *DeployApp) Config() *config.Config { return a.cfg }

// EncryptionEnabled reports whether content is sealed at rest and serving
// therefore needs the passphrase.
func (a *DeployApp) EncryptionEnabled() bool { return a.encVault != nil }

// KeysInit generates the key pair protected by passphrase.
func (a *DeployApp) KeysInit(passphrase string) error {
	if a.encryptor == nil {
		return ErrEncryptionDisabled
	}
	return a.encryptor.Setup(passphrase)
}

// Unlock opens the private key so the vault can serve content.
func (a *DeployApp) Unlock(passphrase string) error {
	if a.encVault == nil {
		return ErrEncryptionDisabled
	}
	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return err
	}
	a.encVault.Unlock(dec)
	return nil
}

// Serve runs the agent endpoint until ctx is cancelled.
func (a *DeployApp) Serve(ctx context.Context) error {
	if err := a.vault.ValidateSetup(ctx); err != nil {
		return fmt.Errorf("vault not ready: %w", err)
	}
	srv, err := server.New(a.negotiator, a.repo, a.metrics, a.logger, a.clock, server.OptionsFromConfig(a.cfg.Server))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	a.logger.Info("serving agents", "listen", a.cfg.Server.Listen, "version", buildinfo.Version)
	return srv.Run(ctx)
}

// Handler exposes the HTTP handler without binding a listener.
func (a *DeployApp) Handler() (http.Handler, error) {
	srv, err := server.New(a.negotiator, a.repo, a.metrics, a.logger, a.clock, server.OptionsFromConfig(a.cfg.Server))
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

// CreateEntity adds a child of parentID to the hierarchy.
func (a *DeployApp) CreateEntity(ctx context.Context, parentID int64, name string) (*model.Entity, error) {
	var e *model.Entity
	err := a.mutate(ctx, fmt.Sprintf("parent=%d name=%s", parentID, name), func() error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("entity name must not be empty: %w", deploy.ErrInvalidInput)
		}
		parent, err := a.db.FindEntity(ctx, parentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("entity %d: %w", parentID, deploy.ErrNotFound)
		}
		e, err = a.db.CreateEntity(ctx, parentID, strings.TrimSpace(name))
		return err
	})
	return e, err
}

func (a *DeployApp) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	return a.db.ListEntities(ctx)
}

// RegisterAgent records a machine so its polls are answered.
// An empty name defaults to the machine ID.
func (a *DeployApp) RegisterAgent(ctx context.Context, machineID, name string, entityID int64) (*model.Agent, error) {
	var agent *model.Agent
	err := a.mutate(ctx, fmt.Sprintf("machineid=%s entity=%d", machineID, entityID), func() error {
		machineID = strings.TrimSpace(machineID)
		if machineID == "" {
			return fmt.Errorf("machine id must not be empty: %w", deploy.ErrInvalidInput)
		}
		existing, err := a.db.FindAgentByMachineID(ctx, machineID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("agent %s already registered: %w", machineID, deploy.ErrInvalidInput)
		}
		entity, err := a.db.FindEntity(ctx, entityID)
		if err != nil {
			return err
		}
		if entity == nil {
			return fmt.Errorf("entity %d: %w", entityID, deploy.ErrNotFound)
		}
		if name == "" {
			name = machineID
		}
		agent = &model.Agent{
			ID:        deploy.UUIDGenerator{}.New(),
			MachineID: machineID,
			Name:      name,
			EntityID:  entityID,
			CreatedAt: a.clock.Now(),
		}
		return a.db.CreateAgent(ctx, agent)
	})
	return agent, err
}

func (a *DeployApp) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return a.db.ListAgents(ctx)
}

// PreviewAgent returns the descriptor the agent would receive on its next poll.
func (a *DeployApp) PreviewAgent(ctx context.Context, machineID string) (*deploy.JobDescriptor, error) {
	return a.negotiator.GetConfig(ctx, machineID)
}

// resolveAgent accepts an agent ID or a machine ID.
func (a *DeployApp) resolveAgent(ctx context.Context, ref string) (*model.Agent, error) {
	agent, err := a.db.FindAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		agent, err = a.db.FindAgentByMachineID(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", ref, deploy.ErrNotFound)
	}
	return agent, nil
}

func (a *DeployApp) CreateGroup(ctx context.Context, name string) (*model.Group, error) {
	var g *model.Group
	err := a.mutate(ctx, "name="+name, func() error {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("group name must not be empty: %w", deploy.ErrInvalidInput)
		}
		g = &model.Group{ID: deploy.UUIDGenerator{}.New(), Name: name, CreatedAt: a.clock.Now()}
		return a.db.CreateGroup(ctx, g)
	})
	return g, err
}

// AddGroupMember adds an agent, given by agent ID or machine ID, to a group.
func (a *DeployApp) AddGroupMember(ctx context.Context, groupID, agentRef string) error {
	return a.mutate(ctx, fmt.Sprintf("group=%s agent=%s", groupID, agentRef), func() error {
		g, err := a.db.FindGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("group %s: %w", groupID, deploy.ErrNotFound)
		}
		agent, err := a.resolveAgent(ctx, agentRef)
		if err != nil {
			return err
		}
		return a.db.AddGroupMember(ctx, g.ID, agent.ID)
	})
}

func (a *DeployApp) CreatePackage(ctx context.Context, name, comment string) (*model.Package, error) {
	var p *model.Package
	err := a.mutate(ctx, "name="+name, func() error {
		var err error
		p, err = a.catalog.CreatePackage(ctx, name, comment)
		return err
	})
	return p, err
}

func (a *DeployApp) ListPackages(ctx context.Context) ([]*model.Package, error) {
	return a.catalog.ListPackages(ctx)
}

func (a *DeployApp) ListFiles(ctx context.Context, packageID string) ([]*model.PackageFile, error) {
	return a.catalog.ListFiles(ctx, packageID)
}

// AddLocalFile uploads a file from the administrator's machine, named after
// its base name.
func (a *DeployApp) AddLocalFile(ctx context.Context, packageID, path string, policy deploy.FilePolicy) (*model.PackageFile, error) {
	var pf *model.PackageFile
	err := a.mutate(ctx, fmt.Sprintf("package=%s upload=%s", packageID, path), func() error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		pf, err = a.catalog.AddFile(ctx, packageID, deploy.UploadSource{Name: path, Body: f}, policy)
		return err
	})
	return pf, err
}

// AddServerFile ingests a file already below the upload root.
func (a *DeployApp) AddServerFile(ctx context.Context, packageID, rel string, policy deploy.FilePolicy) (*model.PackageFile, error) {
	var pf *model.PackageFile
	err := a.mutate(ctx, fmt.Sprintf("package=%s server=%s", packageID, rel), func() error {
		var err error
		pf, err = a.catalog.AddFile(ctx, packageID, deploy.ServerSource{Path: rel}, policy)
		return err
	})
	return pf, err
}

func (a *DeployApp) RemoveFile(ctx context.Context, fileID string) error {
	return a.mutate(ctx, "file="+fileID, func() error {
		return a.catalog.RemoveFile(ctx, fileID)
	})
}

func (a *DeployApp) DeletePackage(ctx context.Context, packageID string) error {
	return a.mutate(ctx, "package="+packageID, func() error {
		return a.catalog.DeletePackage(ctx, packageID)
	})
}

func (a *DeployApp) CreateTask(ctx context.Context, entityID int64, name string, recursive bool, comment string) (*model.Task, error) {
	var t *model.Task
	err := a.mutate(ctx, fmt.Sprintf("entity=%d name=%s recursive=%t", entityID, name, recursive), func() error {
		var err error
		t, err = a.tasks.Create(ctx, entityID, name, recursive, comment)
		return err
	})
	return t, err
}

func (a *DeployApp) ListTasks(ctx context.Context, includeDeleted bool) ([]*model.Task, error) {
	return a.tasks.List(ctx, includeDeleted)
}

func (a *DeployApp) SetTaskActive(ctx context.Context, taskID string, active bool) error {
	return a.mutate(ctx, fmt.Sprintf("task=%s active=%t", taskID, active), func() error {
		return a.tasks.SetActive(ctx, taskID, active)
	})
}

func (a *DeployApp) DeleteTask(ctx context.Context, taskID string) error {
	return a.mutate(ctx, "task="+taskID, func() error {
		return a.tasks.SoftDelete(ctx, taskID)
	})
}

func (a *DeployApp) RestoreTask(ctx context.Context, taskID string) error {
	return a.mutate(ctx, "task="+taskID, func() error {
		return a.tasks.Restore(ctx, taskID)
	})
}

func (a *DeployApp) PurgeTask(ctx context.Context, taskID string) error {
	return a.mutate(ctx, "task="+taskID, func() error {
		return a.tasks.Purge(ctx, taskID)
	})
}

func (a *DeployApp) AttachPackage(ctx context.Context, taskID, packageID string) error {
	return a.mutate(ctx, fmt.Sprintf("task=%s package=%s", taskID, packageID), func() error {
		return a.tasks.AttachPackage(ctx, taskID, packageID)
	})
}

// AttachTarget adds an agent or group to a task. Agents may be given by
// agent ID or machine ID.
func (a *DeployApp) AttachTarget(ctx context.Context, taskID string, typ model.TargetType, ref string) error {
	return a.mutate(ctx, fmt.Sprintf("task=%s %s=%s", taskID, typ, ref), func() error {
		target := model.Target{Type: typ, ID: ref}
		if typ == model.TargetAgent {
			agent, err := a.resolveAgent(ctx, ref)
			if err != nil {
				return err
			}
			target.ID = agent.ID
		}
		return a.tasks.AttachTarget(ctx, taskID, target)
	})
}

// TaskStatuses returns the latest status agents reported for a task.
func (a *DeployApp) TaskStatuses(ctx context.Context, taskID string) ([]*model.JobStatus, error) {
	t, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return a.db.ListJobStatuses(ctx, t.ID)
}

func (a *DeployApp) RepoTree(ctx context.Context, rel string) (*deploy.TreeNode, error) {
	return a.repo.BuildDirectoryListing(ctx, rel)
}

func (a *DeployApp) ListContents(ctx context.Context) ([]*model.Content, error) {
	return a.repo.ListContents(ctx)
}

// GarbageCollect removes content nothing has referenced for longer than grace.
func (a *DeployApp) GarbageCollect(ctx context.Context, grace time.Duration) (*deploy.GCResult, error) {
	var res *deploy.GCResult
	err := a.mutate(ctx, "grace="+grace.String(), func() error {
		var err error
		res, err = a.repo.GarbageCollect(ctx, grace)
		return err
	})
	return res, err
}

// BackupDatabase writes a consistent snapshot of the database to dest.
func (a *DeployApp) BackupDatabase(dest string) error {
	return a.db.BackupTo(dest)
}

func (a *DeployApp) DumpSchema(ctx context.Context) (string, error) {
	return a.db.DumpSchema(ctx)
}

// History returns the most recent administrative operations.
func (a *DeployApp) History(ctx context.Context, limit int) ([]*model.Operation, error) {
	return a.db.ListOperations(ctx, limit)
}

// metadataName is the vault metadata key holding this host's DB snapshot.
func (a *DeployApp) metadataName() string {
	return "db-" + a.cfg.HostID
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, snapshots the DB
// and uploads the snapshot to the vault as metadata.
func (a *DeployApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		ctx := context.Background()
		if err := a.db.FinishOperation(ctx, a.op.ID, a.op.Status, a.clock.Now()); err != nil {
			keep(fmt.Errorf("finishing operation: %w", err))
		}
		keep(a.uploadSnapshot(ctx))
	}

	keep(a.closeResources())
	return firstErr
}

// uploadSnapshot copies the database into the vault so a lost server can be
// rebuilt from the vault alone.
func (a *DeployApp) uploadSnapshot(ctx context.Context) error {
	tmpFile, err := os.CreateTemp("", "deploy-db-backup-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for db backup: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := a.db.BackupTo(tmpPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}
	if err := a.vault.PutMetadata(ctx, a.metadataName(), f, info.Size()); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}
	return nil
}

func (a *DeployApp) closeResources() error {
	var firstErr error
	if c, ok := a.cache.(io.Closer); ok {
		if err := c.Close(); err != nil {
			firstErr = fmt.Errorf("closing cache: %w", err)
		}
	}
	if c, ok := a.staging.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing staging area: %w", err)
		}
	}
	if a.fsmgr != nil {
		a.fsmgr.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
