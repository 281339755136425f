package database

import (
	"context"
	"fmt"
)

func (s *SQLiteDatabase) ChangeStamp(ctx context.Context) (int64, error) {
	var stamp int64
	if err := s.db.QueryRowContext(ctx, `SELECT stamp FROM change_stamp WHERE id = 1`).Scan(&stamp); err != nil {
		return 0, fmt.Errorf("reading change stamp: %w", err)
	}
	return stamp, nil
}

func (s *SQLiteDatabase) BumpChangeStamp(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE change_stamp SET stamp = stamp + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("bumping change stamp: %w", err)
	}
	return nil
}
