package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"deploy-go/internal/model"
)

func scanAgent(row scanner) (*model.Agent, error) {
	var a model.Agent
	if err := row.Scan(&a.ID, &a.MachineID, &a.Name, &a.EntityID, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteDatabase) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, machine_id, name, entity_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.MachineID, a.Name, a.EntityID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) findAgent(ctx context.Context, where string, arg any) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, machine_id, name, entity_id, created_at FROM agents WHERE `+where+` = ?`, arg)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteDatabase) FindAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.findAgent(ctx, "id", id)
}

func (s *SQLiteDatabase) FindAgentByMachineID(ctx context.Context, machineID string) (*model.Agent, error) {
	return s.findAgent(ctx, "machine_id", machineID)
}

func (s *SQLiteDatabase) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, name, entity_id, created_at FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) CreateGroup(ctx context.Context, g *model.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_groups (id, name, created_at) VALUES (?, ?, ?)`,
		g.ID, g.Name, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindGroup(ctx context.Context, id string) (*model.Group, error) {
	var g model.Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM agent_groups WHERE id = ?`, id).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding group: %w", err)
	}
	return &g, nil
}

func (s *SQLiteDatabase) AddGroupMember(ctx context.Context, groupID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_id, agent_id) VALUES (?, ?)`, groupID, agentID)
	if err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	return nil
}
