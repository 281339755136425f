package deploy

import (
	"context"
	"time"

	"deploy-go/internal/model"
)

// Lookups in the stores below return (nil, nil) when the record does not exist.

// ContentIndex tracks which content hashes exist in the repository.
type ContentIndex interface {
	// FindContent returns one content entry with its reference count.
	FindContent(ctx context.Context, hash string) (*model.Content, error)

	// CreateContent inserts the entry, or returns the existing row when the
	// hash is already indexed.
	CreateContent(ctx context.Context, c *model.Content) (*model.Content, error)

	// ListContents returns every entry with its reference count, oldest first.
	ListContents(ctx context.Context) ([]*model.Content, error)

	// FindUnreferencedContents returns entries with no package file pointing
	// at them that were created at or before cutoff.
	FindUnreferencedContents(ctx context.Context, cutoff time.Time) ([]*model.Content, error)

	// DeleteUnreferencedContent deletes the entry only if nothing references it.
	// Reports whether a row was deleted.
	DeleteUnreferencedContent(ctx context.Context, hash string) (bool, error)
}

// CatalogStore persists packages and their file associations.
type CatalogStore interface {
	CreatePackage(ctx context.Context, p *model.Package) error
	FindPackage(ctx context.Context, id string) (*model.Package, error)
	ListPackages(ctx context.Context) ([]*model.Package, error)

	// DeletePackage removes the package together with its task attachments
	// and job statuses. Package files must already be removed.
	DeletePackage(ctx context.Context, id string) error

	// CreatePackageFile indexes content (insert-or-get) and inserts the
	// association in one transaction. f.Size and f.MimeType are filled from
	// the content row.
	CreatePackageFile(ctx context.Context, content *model.Content, f *model.PackageFile) error

	FindPackageFile(ctx context.Context, id string) (*model.PackageFile, error)

	// ListPackageFiles returns the files of a package ordered by creation.
	ListPackageFiles(ctx context.Context, packageID string) ([]*model.PackageFile, error)

	// RemovePackageFile deletes the association and, when no other association
	// references the same hash, the content row as well, in one transaction.
	// onOrphaned, if not nil, runs before that transaction commits so no
	// other writer can index the hash in between. removed is false when the
	// association did not exist.
	RemovePackageFile(ctx context.Context, id string, onOrphaned func(hash string)) (removed bool, orphaned bool, err error)
}

// TaskStore persists tasks and their package and target attachments.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	FindTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, includeDeleted bool) ([]*model.Task, error)
	UpdateTaskFlags(ctx context.Context, id string, active, deleted bool, updatedAt time.Time) error

	// PurgeTask deletes the task with its attachments and statuses.
	// Packages and content are untouched.
	PurgeTask(ctx context.Context, id string) error

	// AttachPackage and AttachTarget are idempotent.
	AttachPackage(ctx context.Context, taskID, packageID string) error
	AttachTarget(ctx context.Context, taskID string, target model.Target) error

	// ListTaskPackages returns packages in attach order.
	ListTaskPackages(ctx context.Context, taskID string) ([]*model.Package, error)
	ListTaskTargets(ctx context.Context, taskID string) ([]model.Target, error)

	// FindOfferableTasksForAgent returns active, non-deleted tasks that target
	// the agent directly or through one of its groups, ordered by creation.
	FindOfferableTasksForAgent(ctx context.Context, agentID string) ([]*model.Task, error)
}

// AgentDirectory is the agent identity store.
type AgentDirectory interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	FindAgent(ctx context.Context, id string) (*model.Agent, error)
	FindAgentByMachineID(ctx context.Context, machineID string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)

	CreateGroup(ctx context.Context, g *model.Group) error
	FindGroup(ctx context.Context, id string) (*model.Group, error)
	AddGroupMember(ctx context.Context, groupID, agentID string) error
}

// EntityResolver answers questions about the organizational hierarchy.
type EntityResolver interface {
	CreateEntity(ctx context.Context, parentID int64, name string) (*model.Entity, error)
	FindEntity(ctx context.Context, id int64) (*model.Entity, error)
	ListEntities(ctx context.Context) ([]*model.Entity, error)

	// IsEntityVisibleTo reports whether an item owned by entity is visible
	// from contextEntity: always when they are equal, and when recursive is set
	// and entity is an ancestor of contextEntity.
	IsEntityVisibleTo(ctx context.Context, entity int64, recursive bool, contextEntity int64) (bool, error)
}

// StatusStore keeps the latest status reported per agent, task and package.
type StatusStore interface {
	RecordJobStatus(ctx context.Context, s *model.JobStatus) error
	ListJobStatuses(ctx context.Context, taskID string) ([]*model.JobStatus, error)
}

// OperationLog records administrative commands.
type OperationLog interface {
	CreateOperation(ctx context.Context, operation, parameters string, startedAt time.Time) (*model.Operation, error)
	FinishOperation(ctx context.Context, id int64, status string, finishedAt time.Time) error
	ListOperations(ctx context.Context, limit int) ([]*model.Operation, error)
}

// Database bundles every store backed by the metadata database.
type Database interface {
	ContentIndex
	CatalogStore
	TaskStore
	AgentDirectory
	EntityResolver
	StatusStore
	OperationLog

	// CheckMigrations verifies that the schema is at the latest version.
	CheckMigrations() error

	// BackupTo writes a consistent snapshot of the database to path.
	BackupTo(path string) error

	Close() error
}
