package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/server/storage"
)

// AddMember добавляет пользователя в workspace
func (s *Storage) AddMember(ctx context.Context, member *models.WorkspaceMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, added_at)
		VALUES (?, ?, ?, ?)
	`, member.WorkspaceID, member.UserID, string(member.Role), member.AddedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return storage.ErrMemberAlreadyExists
		}
		return fmt.Errorf("failed to add member: %w", err)
	}

	return nil
}

// GetMember возвращает членство пользователя в конкретном workspace.
// Авторизация обязана вызывать его с workspace из запроса.
func (s *Storage) GetMember(ctx context.Context, workspaceID, userID string) (*models.WorkspaceMember, error) {
	member := &models.WorkspaceMember{}
	var role string

	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, role, added_at
		FROM workspace_members
		WHERE workspace_id = ? AND user_id = ?
	`, workspaceID, userID).Scan(
		&member.WorkspaceID,
		&member.UserID,
		&role,
		&member.AddedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	member.Role = models.Role(role)
	return member, nil
}

// RemoveMember удаляет пользователя из workspace
func (s *Storage) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workspace_members WHERE workspace_id = ? AND user_id = ?`,
		workspaceID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrMemberNotFound
	}

	return nil
}
