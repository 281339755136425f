package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"deploy-go/internal/deploy"
	"deploy-go/internal/model"
)

func (s *SQLiteDatabase) CreateEntity(ctx context.Context, parentID int64, name string) (*model.Entity, error) {
	parent, err := s.FindEntity(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent entity %d: %w", parentID, deploy.ErrNotFound)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO entities (parent_id, name) VALUES (?, ?)`, parentID, name)
	if err != nil {
		return nil, fmt.Errorf("inserting entity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading entity id: %w", err)
	}
	return &model.Entity{ID: id, ParentID: parentID, Name: name}, nil
}

func (s *SQLiteDatabase) FindEntity(ctx context.Context, id int64) (*model.Entity, error) {
	var e model.Entity
	err := s.db.QueryRowContext(ctx, `SELECT id, parent_id, name FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &e.ParentID, &e.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	return &e, nil
}

func (s *SQLiteDatabase) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, name FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.ParentID, &e.Name); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return out, nil
}

// IsEntityVisibleTo walks the ancestors of contextEntity. UNION (not UNION ALL)
// stops the walk at the root, whose parent is itself.
func (s *SQLiteDatabase) IsEntityVisibleTo(ctx context.Context, entity int64, recursive bool, contextEntity int64) (bool, error) {
	if entity == contextEntity {
		return true, nil
	}
	if !recursive {
		return false, nil
	}

	var found int
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE ancestors(id, parent_id) AS (
			SELECT id, parent_id FROM entities WHERE id = ?
			UNION
			SELECT e.id, e.parent_id FROM entities e JOIN ancestors a ON e.id = a.parent_id
		)
		SELECT COUNT(*) FROM ancestors WHERE id = ?`, contextEntity, entity).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("resolving entity ancestors: %w", err)
	}
	return found > 0, nil
}
