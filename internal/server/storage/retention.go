package storage

import (
	"context"
	"time"
)

// PruneResult итог одного батча retention/GC
type PruneResult struct {
	Deleted int
	// NextCursor версия, с которой продолжать следующий батч; 0 - работа закончена
	NextCursor uint64
}

// RetentionStorage defines interface for change log garbage collection
type RetentionStorage interface {
	// RetentionFloor вычисляет версию, ниже которой записи change log и
	// надгробия можно удалять: min(курсоры устройств) минус retention window.
	// Курсоры, не продвигавшиеся дольше cursorTTL, исключаются из минимума,
	// иначе одно заброшенное устройство блокирует GC навсегда.
	// Возвращает 0, если удалять пока нечего.
	RetentionFloor(ctx context.Context, workspaceID string, window uint64, cursorTTL time.Duration) (uint64, error)

	// PruneBatch удаляет до limit записей change log с версией ниже floor,
	// начиная с версий выше after. Вместе с записями удаляются надгробия
	// строк, чья версия ушла ниже floor.
	PruneBatch(ctx context.Context, workspaceID string, floor, after uint64, limit int) (*PruneResult, error)

	// ListWorkspaces возвращает все workspace, у которых есть записи в change log.
	ListWorkspaces(ctx context.Context) ([]string, error)
}
