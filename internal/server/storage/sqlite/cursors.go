package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/server/storage"
)

// SaveCursor сохраняет подтвержденную позицию устройства.
// Откат курсора назад не принимается: действующее значение возвращается
// без изменения. Любой ack, включая неизменившийся курсор, обновляет
// updated_at: живое устройство в тихом workspace не должно выглядеть
// заброшенным для retention.
func (s *Storage) SaveCursor(ctx context.Context, cursor *models.DeviceCursor) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current uint64
	err = tx.QueryRowContext(ctx,
		`SELECT cursor FROM device_cursors WHERE workspace_id = ? AND device_id = ?`,
		cursor.WorkspaceID, cursor.DeviceID,
	).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Первая регистрация устройства
	case err != nil:
		return 0, fmt.Errorf("failed to get current cursor: %w", err)
	case cursor.Cursor <= current:
		_, err = tx.ExecContext(ctx,
			`UPDATE device_cursors SET updated_at = ? WHERE workspace_id = ? AND device_id = ?`,
			cursor.UpdatedAt, cursor.WorkspaceID, cursor.DeviceID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to touch cursor: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return current, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_cursors (workspace_id, device_id, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, device_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, cursor.WorkspaceID, cursor.DeviceID, cursor.Cursor, cursor.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to save cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return cursor.Cursor, nil
}

// GetCursor возвращает курсор устройства
func (s *Storage) GetCursor(ctx context.Context, workspaceID, deviceID string) (*models.DeviceCursor, error) {
	cursor := &models.DeviceCursor{}

	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, device_id, cursor, updated_at
		FROM device_cursors
		WHERE workspace_id = ? AND device_id = ?
	`, workspaceID, deviceID).Scan(
		&cursor.WorkspaceID,
		&cursor.DeviceID,
		&cursor.Cursor,
		&cursor.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCursorNotFound
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return cursor, nil
}

// ListCursors возвращает все курсоры workspace
func (s *Storage) ListCursors(ctx context.Context, workspaceID string) ([]*models.DeviceCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, device_id, cursor, updated_at
		FROM device_cursors
		WHERE workspace_id = ?
		ORDER BY device_id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var cursors []*models.DeviceCursor

	for rows.Next() {
		cursor := &models.DeviceCursor{}
		err := rows.Scan(
			&cursor.WorkspaceID,
			&cursor.DeviceID,
			&cursor.Cursor,
			&cursor.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, cursor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return cursors, nil
}
