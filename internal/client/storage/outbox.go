package storage

import (
	"context"

	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/pkg/api"
)

// OutboxStorage определяет интерфейс durable очереди неподтвержденных операций.
// Записи создаются только путем записи RowStorage (в той же транзакции)
// и удаляются только после подтвержденной доставки.
type OutboxStorage interface {
	// PendingOps возвращает до limit операций workspace в порядке создания.
	// limit <= 0 означает без ограничения.
	PendingOps(ctx context.Context, workspaceID string, limit int) ([]*models.PendingOp, error)

	// PendingCount возвращает количество операций, ожидающих доставки
	PendingCount(ctx context.Context, workspaceID string) (int, error)

	// MarkAttempt увеличивает счетчик попыток операций и запоминает код ошибки
	MarkAttempt(ctx context.Context, seqs []uint64, code api.ErrorCode) error

	// DeleteOps удаляет подтвержденные операции по их локальным порядковым номерам
	DeleteOps(ctx context.Context, seqs []uint64) error
}
