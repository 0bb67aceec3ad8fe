package storage

import (
	"context"
)

// StateStorage определяет интерфейс sync-bookkeeping состояния клиента:
// курсоры репликации по workspace и идентификатор устройства.
type StateStorage interface {
	// GetCursor возвращает персистентный курсор репликации workspace.
	// Возвращает 0, если синхронизация еще не выполнялась.
	GetCursor(ctx context.Context, workspaceID string) (uint64, error)

	// SaveCursor сохраняет курсор. Откат назад отклоняется
	// с ErrCursorRegression: курсор монотонно не убывает.
	SaveCursor(ctx context.Context, workspaceID string, cursor uint64) error

	// DeviceID возвращает стабильный идентификатор этого устройства
	DeviceID() string
}
