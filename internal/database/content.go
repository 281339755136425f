package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deploy-go/internal/model"
)

const contentColumns = `c.hash, c.size, c.mime_type, c.created_at,
	(SELECT COUNT(*) FROM package_files pf WHERE pf.hash = c.hash)`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContent(row scanner) (*model.Content, error) {
	var c model.Content
	if err := row.Scan(&c.Hash, &c.Size, &c.MimeType, &c.CreatedAt, &c.References); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteDatabase) FindContent(ctx context.Context, hash string) (*model.Content, error) {
	return findContent(ctx, s.db, hash)
}

func findContent(ctx context.Context, q queryer, hash string) (*model.Content, error) {
	row := q.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM contents c WHERE c.hash = ?`, hash)
	c, err := scanContent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding content: %w", err)
	}
	return c, nil
}

func (s *SQLiteDatabase) CreateContent(ctx context.Context, c *model.Content) (*model.Content, error) {
	var out *model.Content
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = insertOrGetContent(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// insertOrGetContent relies on hash being the primary key: a concurrent insert
// of the same bytes is a no-op and both callers read back the same row.
func insertOrGetContent(ctx context.Context, q queryer, c *model.Content) (*model.Content, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO contents (hash, size, mime_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		c.Hash, c.Size, c.MimeType, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting content: %w", err)
	}
	out, err := findContent(ctx, q, c.Hash)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("content %s vanished after insert", c.Hash)
	}
	return out, nil
}

func (s *SQLiteDatabase) ListContents(ctx context.Context) ([]*model.Content, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contentColumns+` FROM contents c ORDER BY c.created_at, c.hash`)
	if err != nil {
		return nil, fmt.Errorf("listing contents: %w", err)
	}
	return collectContents(rows)
}

func (s *SQLiteDatabase) FindUnreferencedContents(ctx context.Context, cutoff time.Time) ([]*model.Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentColumns+`
		FROM contents c
		WHERE c.created_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM package_files pf WHERE pf.hash = c.hash)
		ORDER BY c.created_at, c.hash`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding unreferenced contents: %w", err)
	}
	return collectContents(rows)
}

func collectContents(rows *sql.Rows) ([]*model.Content, error) {
	defer rows.Close()
	var out []*model.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning content: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contents: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) DeleteUnreferencedContent(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM contents
		WHERE hash = ?
		  AND NOT EXISTS (SELECT 1 FROM package_files pf WHERE pf.hash = contents.hash)`, hash)
	if err != nil {
		return false, fmt.Errorf("deleting content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting content: %w", err)
	}
	return n > 0, nil
}
