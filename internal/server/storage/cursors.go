package storage

import (
	"context"

	"github.com/driftlab/driftsync/internal/models"
)

// CursorStorage defines interface for device cursor persistence
type CursorStorage interface {
	// SaveCursor сохраняет подтвержденную позицию устройства.
	// Откат назад не принимается: возвращается действующее значение курсора.
	SaveCursor(ctx context.Context, cursor *models.DeviceCursor) (uint64, error)

	// GetCursor возвращает курсор устройства.
	// Returns ErrCursorNotFound if cursor doesn't exist
	GetCursor(ctx context.Context, workspaceID, deviceID string) (*models.DeviceCursor, error)

	// ListCursors возвращает все курсоры workspace
	ListCursors(ctx context.Context, workspaceID string) ([]*models.DeviceCursor, error)
}
