package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"deploy-go/internal/model"
)

func (s *SQLiteDatabase) CreatePackage(ctx context.Context, p *model.Package) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (id, name, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Comment, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting package: %w", err)
	}
	return nil
}

func scanPackage(row scanner) (*model.Package, error) {
	var p model.Package
	if err := row.Scan(&p.ID, &p.Name, &p.Comment, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteDatabase) FindPackage(ctx context.Context, id string) (*model.Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, comment, created_at, updated_at FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding package: %w", err)
	}
	return p, nil
}

func (s *SQLiteDatabase) ListPackages(ctx context.Context) ([]*model.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, comment, created_at, updated_at FROM packages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	return collectPackages(rows)
}

func collectPackages(rows *sql.Rows) ([]*model.Package, error) {
	defer rows.Close()
	var out []*model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning package: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating packages: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) DeletePackage(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM job_statuses WHERE package_id = ?`,
			`DELETE FROM task_packages WHERE package_id = ?`,
			`DELETE FROM packages WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("deleting package %s: %w", id, err)
			}
		}
		return nil
	})
}

const packageFileColumns = `f.id, f.package_id, f.filename, f.hash, f.p2p, f.p2p_retention_days,
	f.uncompress, f.created_at, f.updated_at, c.size, c.mime_type`

func scanPackageFile(row scanner) (*model.PackageFile, error) {
	var f model.PackageFile
	err := row.Scan(&f.ID, &f.PackageID, &f.Filename, &f.Hash, &f.P2P, &f.P2PRetentionDays,
		&f.Uncompress, &f.CreatedAt, &f.UpdatedAt, &f.Size, &f.MimeType)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteDatabase) CreatePackageFile(ctx context.Context, content *model.Content, f *model.PackageFile) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := insertOrGetContent(ctx, tx, content)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO package_files
				(id, package_id, filename, hash, p2p, p2p_retention_days, uncompress, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.PackageID, f.Filename, c.Hash, f.P2P, f.P2PRetentionDays, f.Uncompress, f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting package file: %w", err)
		}
		f.Hash = c.Hash
		f.Size = c.Size
		f.MimeType = c.MimeType
		return nil
	})
}

func (s *SQLiteDatabase) FindPackageFile(ctx context.Context, id string) (*model.PackageFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+packageFileColumns+`
		FROM package_files f JOIN contents c ON c.hash = f.hash
		WHERE f.id = ?`, id)
	f, err := scanPackageFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding package file: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) ListPackageFiles(ctx context.Context, packageID string) ([]*model.PackageFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageFileColumns+`
		FROM package_files f JOIN contents c ON c.hash = f.hash
		WHERE f.package_id = ?
		ORDER BY f.created_at, f.id`, packageID)
	if err != nil {
		return nil, fmt.Errorf("listing package files: %w", err)
	}
	defer rows.Close()

	var out []*model.PackageFile
	for rows.Next() {
		f, err := scanPackageFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning package file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating package files: %w", err)
	}
	return out, nil
}

// RemovePackageFile counts the remaining references inside the same
// transaction that deletes the association, so two removers of the last two
// references cannot both see a count of one.
func (s *SQLiteDatabase) RemovePackageFile(ctx context.Context, id string, onOrphaned func(hash string)) (removed bool, orphaned bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var hash string
		err := tx.QueryRowContext(ctx, `SELECT hash FROM package_files WHERE id = ?`, id).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("finding package file: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM package_files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting package file: %w", err)
		}
		removed = true

		var refs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM package_files WHERE hash = ?`, hash).Scan(&refs); err != nil {
			return fmt.Errorf("counting references: %w", err)
		}
		if refs > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE hash = ?`, hash); err != nil {
			return fmt.Errorf("deleting content: %w", err)
		}
		orphaned = true
		if onOrphaned != nil {
			onOrphaned(hash)
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return removed, orphaned, nil
}
