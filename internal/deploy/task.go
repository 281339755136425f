package deploy

import (
	"context"
	"fmt"
	"strings"

	"deploy-go/internal/model"
)

// TaskManager owns the task lifecycle and decides which tasks reach an agent.
type TaskManager struct {
	store    TaskStore
	catalog  CatalogStore
	agents   AgentDirectory
	entities EntityResolver
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

func NewTaskManager(store TaskStore, catalog CatalogStore, agents AgentDirectory, entities EntityResolver, logger Logger, clock Clock, idgen IDGenerator) *TaskManager {
	return &TaskManager{
		store:    store,
		catalog:  catalog,
		agents:   agents,
		entities: entities,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
}

// Create creates an inactive task owned by entityID.
func (m *TaskManager) Create(ctx context.Context, entityID int64, name string, recursive bool, comment string) (*model.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("task name is empty: %w", ErrInvalidInput)
	}
	e, err := m.entities.FindEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("entity %d: %w", entityID, ErrNotFound)
	}

	now := m.clock.Now()
	t := &model.Task{
		ID:          m.idgen.New(),
		EntityID:    entityID,
		IsRecursive: recursive,
		Name:        name,
		Comment:     comment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	m.logger.Info("task created", "task", t.ID, "name", t.Name, "entity", entityID)
	return t, nil
}

// Get returns a task or ErrNotFound.
func (m *TaskManager) Get(ctx context.Context, id string) (*model.Task, error) {
	t, err := m.store.FindTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding task: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// List returns tasks ordered by creation. Soft-deleted tasks are included on request.
func (m *TaskManager) List(ctx context.Context, includeDeleted bool) ([]*model.Task, error) {
	tasks, err := m.store.ListTasks(ctx, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// SetActive turns a task on or off.
func (m *TaskManager) SetActive(ctx context.Context, id string, active bool) error {
	t, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateTaskFlags(ctx, id, active, t.IsDeleted, m.clock.Now()); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	m.logger.Info("task updated", "task", id, "active", active)
	return nil
}

// SoftDelete hides a task from agents while keeping it restorable.
func (m *TaskManager) SoftDelete(ctx context.Context, id string) error {
	return m.setDeleted(ctx, id, true)
}

// Restore undoes SoftDelete.
func (m *TaskManager) Restore(ctx context.Context, id string) error {
	return m.setDeleted(ctx, id, false)
}

func (m *TaskManager) setDeleted(ctx context.Context, id string, deleted bool) error {
	t, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateTaskFlags(ctx, id, t.IsActive, deleted, m.clock.Now()); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	m.logger.Info("task updated", "task", id, "deleted", deleted)
	return nil
}

// Purge permanently deletes a task with its package and target attachments.
func (m *TaskManager) Purge(ctx context.Context, id string) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	if err := m.store.PurgeTask(ctx, id); err != nil {
		return fmt.Errorf("purging task: %w", err)
	}
	m.logger.Info("task purged", "task", id)
	return nil
}

// AttachPackage adds a package to a task. Attaching twice is a no-op.
func (m *TaskManager) AttachPackage(ctx context.Context, taskID, packageID string) error {
	if _, err := m.Get(ctx, taskID); err != nil {
		return err
	}
	p, err := m.catalog.FindPackage(ctx, packageID)
	if err != nil {
		return fmt.Errorf("finding package: %w", err)
	}
	if p == nil {
		return fmt.Errorf("package %s: %w", packageID, ErrNotFound)
	}
	if err := m.store.AttachPackage(ctx, taskID, packageID); err != nil {
		return fmt.Errorf("attaching package: %w", err)
	}
	m.logger.Info("package attached", "task", taskID, "package", packageID)
	return nil
}

// AttachTarget adds an agent or group to a task. Attaching twice is a no-op.
func (m *TaskManager) AttachTarget(ctx context.Context, taskID string, target model.Target) error {
	if _, err := m.Get(ctx, taskID); err != nil {
		return err
	}

	var exists bool
	switch target.Type {
	case model.TargetAgent:
		a, err := m.agents.FindAgent(ctx, target.ID)
		if err != nil {
			return fmt.Errorf("finding agent: %w", err)
		}
		exists = a != nil
	case model.TargetGroup:
		g, err := m.agents.FindGroup(ctx, target.ID)
		if err != nil {
			return fmt.Errorf("finding group: %w", err)
		}
		exists = g != nil
	default:
		return fmt.Errorf("unknown target type %q: %w", target.Type, ErrInvalidInput)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", target.Type, target.ID, ErrNotFound)
	}

	if err := m.store.AttachTarget(ctx, taskID, target); err != nil {
		return fmt.Errorf("attaching target: %w", err)
	}
	m.logger.Info("target attached", "task", taskID, "type", string(target.Type), "target", target.ID)
	return nil
}

// ListPackages returns the packages of a task in attach order.
func (m *TaskManager) ListPackages(ctx context.Context, taskID string) ([]*model.Package, error) {
	if _, err := m.Get(ctx, taskID); err != nil {
		return nil, err
	}
	pkgs, err := m.store.ListTaskPackages(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task packages: %w", err)
	}
	return pkgs, nil
}

// ListTargets returns the targets of a task.
func (m *TaskManager) ListTargets(ctx context.Context, taskID string) ([]model.Target, error) {
	if _, err := m.Get(ctx, taskID); err != nil {
		return nil, err
	}
	targets, err := m.store.ListTaskTargets(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task targets: %w", err)
	}
	return targets, nil
}

// ResolveTasksForTarget returns the tasks an agent should run: active,
// not deleted, targeting the agent or one of its groups, and owned by an
// entity visible from the agent's entity.
func (m *TaskManager) ResolveTasksForTarget(ctx context.Context, agent *model.Agent) ([]*model.Task, error) {
	candidates, err := m.store.FindOfferableTasksForAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("finding tasks for agent %s: %w", agent.ID, err)
	}

	var tasks []*model.Task
	for _, t := range candidates {
		if !t.Offerable() {
			continue
		}
		visible, err := m.entities.IsEntityVisibleTo(ctx, t.EntityID, t.IsRecursive, agent.EntityID)
		if err != nil {
			return nil, fmt.Errorf("checking entity visibility for task %s: %w", t.ID, err)
		}
		if !visible {
			m.logger.Debug("task hidden by entity", "task", t.ID, "task_entity", t.EntityID, "agent_entity", agent.EntityID)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
