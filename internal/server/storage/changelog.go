package storage

import (
	"context"

	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
)

// ApplyResult итог применения одной операции к change log
type ApplyResult struct {
	OpID          string
	ServerVersion uint64
	// Duplicate - операция с этим op_id уже применялась; повтор идемпотентен
	Duplicate bool
	// Conflict - операция принята, но проиграла LWW текущему состоянию строки
	Conflict bool
	// Winner clock победителя; заполнен только при Conflict
	Winner hlc.Clock
}

// ChangeLogStorage defines interface for the authoritative change log.
// Операции одной workspace применяются строго последовательно:
// вызывающая сторона обязана сериализовать ApplyOp per-workspace.
type ChangeLogStorage interface {
	// ApplyOp применяет операцию: назначает server_version, разрешает
	// LWW против текущего состояния строки и пишет запись change log.
	// Повтор с тем же op_id возвращает исходный результат без новой записи.
	ApplyOp(ctx context.Context, entry *models.ChangeLogEntry) (*ApplyResult, error)

	// ListChanges возвращает записи change log с server_version > after,
	// по возрастанию версии, не более limit. Проигравшие конфликты
	// (состояние строки не менялось) не включаются.
	ListChanges(ctx context.Context, workspaceID string, after uint64, limit int) ([]*models.ChangeLogEntry, error)

	// CurrentVersion возвращает максимальную назначенную версию workspace,
	// 0 если change log пуст
	CurrentVersion(ctx context.Context, workspaceID string) (uint64, error)
}
