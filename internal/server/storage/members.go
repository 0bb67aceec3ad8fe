package storage

import (
	"context"

	"github.com/driftlab/driftsync/internal/models"
)

// MemberStorage defines interface for workspace membership persistence
type MemberStorage interface {
	// AddMember добавляет пользователя в workspace.
	// Returns ErrMemberAlreadyExists if membership already exists
	AddMember(ctx context.Context, member *models.WorkspaceMember) error

	// GetMember возвращает членство пользователя в конкретном workspace.
	// Returns ErrMemberNotFound if user is not a member
	GetMember(ctx context.Context, workspaceID, userID string) (*models.WorkspaceMember, error)

	// RemoveMember удаляет пользователя из workspace.
	// Returns ErrMemberNotFound if membership doesn't exist
	RemoveMember(ctx context.Context, workspaceID, userID string) error
}
