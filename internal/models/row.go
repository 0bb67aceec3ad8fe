package models

import (
	"github.com/driftlab/driftsync/internal/hlc"
)

// Operation тип мутации синхронизируемой строки
type Operation string

const (
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
)

// Row представляет версионированную строку любой синхронизируемой таблицы.
// Инвариант: Clock строго растет при каждой локальной записи в один и тот же PK.
type Row struct {
	Fields      map[string]interface{} `json:"fields"` // поля строки в канонической wire-нотации
	Table       string                 `json:"table"`
	PK          string                 `json:"pk"`
	WorkspaceID string                 `json:"workspace_id"`
	Clock       hlc.Clock              `json:"clock"`
	UpdatedAt   int64                  `json:"updated_at"` // unix миллисекунды последнего локального изменения
	Deleted     bool                   `json:"deleted"`    // soft delete (tombstone на клиенте)
}

// IsNewerThan сравнивает версии двух строк по правилу LWW:
// побеждает больший HLC timestamp; при равных (physical, logical)
// tie-break детерминирован по device id.
func (r *Row) IsNewerThan(other *Row) bool {
	return r.Clock.After(other.Clock)
}

// Clone создает глубокую копию строки
func (r *Row) Clone() *Row {
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}

	return &Row{
		Table:       r.Table,
		PK:          r.PK,
		WorkspaceID: r.WorkspaceID,
		Fields:      fields,
		Clock:       r.Clock,
		UpdatedAt:   r.UpdatedAt,
		Deleted:     r.Deleted,
	}
}
