package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/resolve"
	"github.com/driftlab/driftsync/internal/server/storage"
)

// ApplyOp применяет операцию к change log в одной транзакции:
// проверка идемпотентности по op_id, назначение server_version,
// LWW против текущего состояния строки, запись лога и состояния.
// Вызывающая сторона сериализует ApplyOp per-workspace.
func (s *Storage) ApplyOp(ctx context.Context, entry *models.ChangeLogEntry) (*storage.ApplyResult, error) {
	if entry.Operation != models.OpPut && entry.Operation != models.OpDelete {
		return nil, storage.ErrUnknownOperation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Повтор того же op_id (ретрай клиента) возвращает исходный результат
	// без новой записи change log
	existing, err := s.findAppliedOp(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var maxVersion uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(server_version), 0) FROM change_log WHERE workspace_id = ?`,
		entry.WorkspaceID,
	).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	version := maxVersion + 1

	local, _, err := s.currentRowClock(ctx, tx, entry.WorkspaceID, entry.Table, entry.PK)
	if err != nil {
		return nil, err
	}

	outcome := resolve.Resolve(local, entry.Clock)
	conflict := outcome == resolve.LocalWins

	var payload sql.NullString
	if entry.Payload != nil {
		data, err := json.Marshal(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	appliedAt := entry.AppliedAt
	if appliedAt == 0 {
		appliedAt = time.Now().UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_log (
			workspace_id, server_version, op_id, device_id,
			table_name, pk, operation, payload,
			clock_physical, clock_logical, clock_device,
			conflict, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.WorkspaceID,
		version,
		entry.OpID,
		entry.DeviceID,
		entry.Table,
		entry.PK,
		string(entry.Operation),
		payload,
		entry.Clock.Physical,
		entry.Clock.Logical,
		entry.Clock.DeviceID,
		boolToInt(conflict),
		appliedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert change log entry: %w", err)
	}

	// Состояние строки меняется только когда входящая операция побеждает
	if outcome == resolve.RemoteWins {
		if err := s.upsertRow(ctx, tx, entry, version, payload, appliedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	result := &storage.ApplyResult{
		OpID:          entry.OpID,
		ServerVersion: version,
		Conflict:      conflict,
	}
	if conflict {
		result.Winner = local
	}

	return result, nil
}

// findAppliedOp ищет ранее примененную операцию с тем же op_id
func (s *Storage) findAppliedOp(ctx context.Context, tx *sql.Tx, entry *models.ChangeLogEntry) (*storage.ApplyResult, error) {
	var version uint64
	var conflict int

	err := tx.QueryRowContext(ctx,
		`SELECT server_version, conflict FROM change_log WHERE op_id = ?`,
		entry.OpID,
	).Scan(&version, &conflict)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check op idempotency: %w", err)
	}

	result := &storage.ApplyResult{
		OpID:          entry.OpID,
		ServerVersion: version,
		Duplicate:     true,
		Conflict:      intToBool(conflict),
	}

	if result.Conflict {
		winner, found, err := s.currentRowClock(ctx, tx, entry.WorkspaceID, entry.Table, entry.PK)
		if err != nil {
			return nil, err
		}
		if found {
			result.Winner = winner
		}
	}

	return result, nil
}

// currentRowClock возвращает clock текущего состояния строки.
// found = false, если строки (включая надгробие) нет.
func (s *Storage) currentRowClock(ctx context.Context, tx *sql.Tx, workspaceID, table, pk string) (hlc.Clock, bool, error) {
	var clock hlc.Clock

	err := tx.QueryRowContext(ctx, `
		SELECT clock_physical, clock_logical, clock_device
		FROM sync_rows
		WHERE workspace_id = ? AND table_name = ? AND pk = ?
	`, workspaceID, table, pk).Scan(&clock.Physical, &clock.Logical, &clock.DeviceID)

	if errors.Is(err, sql.ErrNoRows) {
		return hlc.Clock{}, false, nil
	}
	if err != nil {
		return hlc.Clock{}, false, fmt.Errorf("failed to get current row: %w", err)
	}

	return clock, true, nil
}

func (s *Storage) upsertRow(ctx context.Context, tx *sql.Tx, entry *models.ChangeLogEntry, version uint64, payload sql.NullString, appliedAt int64) error {
	deleted := entry.Operation == models.OpDelete
	if deleted {
		payload = sql.NullString{}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_rows (
			workspace_id, table_name, pk, payload,
			clock_physical, clock_logical, clock_device,
			deleted, server_version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, table_name, pk) DO UPDATE SET
			payload = excluded.payload,
			clock_physical = excluded.clock_physical,
			clock_logical = excluded.clock_logical,
			clock_device = excluded.clock_device,
			deleted = excluded.deleted,
			server_version = excluded.server_version,
			updated_at = excluded.updated_at
	`,
		entry.WorkspaceID,
		entry.Table,
		entry.PK,
		payload,
		entry.Clock.Physical,
		entry.Clock.Logical,
		entry.Clock.DeviceID,
		boolToInt(deleted),
		version,
		appliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert row state: %w", err)
	}

	return nil
}

// ListChanges возвращает страницу change log после версии after.
// Проигравшие конфликты пропускаются: состояние строк они не меняли.
func (s *Storage) ListChanges(ctx context.Context, workspaceID string, after uint64, limit int) ([]*models.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, server_version, op_id, device_id,
		       table_name, pk, operation, payload,
		       clock_physical, clock_logical, clock_device, applied_at
		FROM change_log
		WHERE workspace_id = ? AND server_version > ? AND conflict = 0
		ORDER BY server_version ASC
		LIMIT ?
	`, workspaceID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*models.ChangeLogEntry

	for rows.Next() {
		entry := &models.ChangeLogEntry{}
		var operation string
		var payload sql.NullString

		err := rows.Scan(
			&entry.WorkspaceID,
			&entry.ServerVersion,
			&entry.OpID,
			&entry.DeviceID,
			&entry.Table,
			&entry.PK,
			&operation,
			&payload,
			&entry.Clock.Physical,
			&entry.Clock.Logical,
			&entry.Clock.DeviceID,
			&entry.AppliedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}

		entry.Operation = models.Operation(operation)

		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}

// CurrentVersion возвращает максимальную назначенную версию workspace
func (s *Storage) CurrentVersion(ctx context.Context, workspaceID string) (uint64, error) {
	var version uint64

	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(server_version), 0) FROM change_log WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}

	return version, nil
}

// Helper functions for bool/int conversion
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}
