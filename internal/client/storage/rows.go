package storage

import (
	"context"

	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/resolve"
)

// RowStorage определяет интерфейс локального хранилища синхронизируемых строк.
// Путь записи сам ставит операцию в outbox внутри своей транзакции:
// бизнес-запись, ставшая durable без outbox-записи, означала бы молчаливую
// потерю синхронизации.
type RowStorage interface {
	// PutRow записывает строку и атомарно ставит put-операцию в outbox.
	// Возвращает записанную версию с присвоенным HLC timestamp.
	PutRow(ctx context.Context, workspaceID, table, pk string, fields map[string]interface{}) (*models.Row, error)

	// DeleteRow помечает строку удаленной (soft delete) и атомарно ставит
	// delete-операцию в outbox.
	DeleteRow(ctx context.Context, workspaceID, table, pk string) error

	// GetRow возвращает строку по ключу.
	// Возвращает ErrRowNotFound если строки нет или она удалена.
	GetRow(ctx context.Context, workspaceID, table, pk string) (*models.Row, error)

	// ListRows возвращает все неудаленные строки таблицы в workspace
	ListRows(ctx context.Context, workspaceID, table string) ([]*models.Row, error)

	// ApplyRemote применяет входящее удаленное изменение по правилам LWW
	// в одной транзакции: чтение локальной версии, разрешение конфликта,
	// запись. Outbox НЕ затрагивается - удаленные изменения не переотправляются.
	ApplyRemote(ctx context.Context, remote *models.Row) (resolve.Outcome, error)
}
