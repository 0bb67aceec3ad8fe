package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftlab/driftsync/internal/server/storage"
)

// RetentionFloor вычисляет версию, ниже которой записи change log можно
// удалять. Курсоры, не продвигавшиеся дольше cursorTTL, считаются
// заброшенными и на floor не влияют.
func (s *Storage) RetentionFloor(ctx context.Context, workspaceID string, window uint64, cursorTTL time.Duration) (uint64, error) {
	deadline := time.Now().Add(-cursorTTL).UnixMilli()

	var minCursor sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(cursor)
		FROM device_cursors
		WHERE workspace_id = ? AND updated_at >= ?
	`, workspaceID, deadline).Scan(&minCursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to compute retention floor: %w", err)
	}

	// Без живых курсоров ничего не удаляем: новое устройство может
	// начать с нулевого курсора и ему нужен весь change log
	if !minCursor.Valid {
		return 0, nil
	}

	min := uint64(minCursor.Int64)
	if min <= window {
		return 0, nil
	}

	return min - window, nil
}

// PruneBatch удаляет до limit записей change log с версией ниже floor,
// начиная после версии after, и надгробия строк в том же диапазоне.
// Возвращает NextCursor > 0, если в диапазоне остались записи.
func (s *Storage) PruneBatch(ctx context.Context, workspaceID string, floor, after uint64, limit int) (*storage.PruneResult, error) {
	result := &storage.PruneResult{}
	if floor == 0 || limit <= 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT server_version
		FROM change_log
		WHERE workspace_id = ? AND server_version > ? AND server_version < ?
		ORDER BY server_version ASC
		LIMIT ?
	`, workspaceID, after, floor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select prune candidates: %w", err)
	}

	var versions []uint64
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	_ = rows.Close()

	if len(versions) == 0 {
		return result, tx.Commit()
	}

	last := versions[len(versions)-1]

	res, err := tx.ExecContext(ctx, `
		DELETE FROM change_log
		WHERE workspace_id = ? AND server_version > ? AND server_version <= ?
	`, workspaceID, after, last)
	if err != nil {
		return nil, fmt.Errorf("failed to prune change log: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	result.Deleted = int(deleted)

	// Надгробия, чья версия ушла ниже floor, больше никому не нужны:
	// все живые курсоры уже прошли это удаление
	tombRes, err := tx.ExecContext(ctx, `
		DELETE FROM sync_rows
		WHERE workspace_id = ? AND deleted = 1 AND server_version > ? AND server_version <= ?
	`, workspaceID, after, last)
	if err != nil {
		return nil, fmt.Errorf("failed to prune tombstones: %w", err)
	}

	tombDeleted, err := tombRes.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	result.Deleted += int(tombDeleted)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Полный батч означает, что в диапазоне могли остаться записи
	if len(versions) == limit {
		result.NextCursor = last
	}

	return result, nil
}

// ListWorkspaces returns every workspace that has change log entries.
func (s *Storage) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id
		FROM change_log
		ORDER BY workspace_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var workspaces []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return workspaces, nil
}
