package models

import (
	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/pkg/api"
)

// PendingOp представляет одну запись локального outbox: мутацию, еще не
// подтвержденную сервером. Записывается в той же транзакции, что и
// бизнес-строка, и удаляется только после подтвержденной доставки.
// Инвариант: OpID глобально уникален; серверный push идемпотентен по нему.
type PendingOp struct {
	Payload     map[string]interface{} `json:"payload,omitempty"` // nil для delete
	OpID        string                 `json:"op_id"`
	WorkspaceID string                 `json:"workspace_id"`
	Table       string                 `json:"table"`
	PK          string                 `json:"pk"`
	Operation   Operation              `json:"operation"`
	LastError   api.ErrorCode          `json:"last_error,omitempty"`
	Clock       hlc.Clock              `json:"clock"`
	Seq         uint64                 `json:"seq"`        // локальный порядковый номер (порядок создания)
	CreatedAt   int64                  `json:"created_at"` // unix миллисекунды
	Attempts    uint32                 `json:"attempts"`
}

// Clone создает глубокую копию операции
func (p *PendingOp) Clone() *PendingOp {
	var payload map[string]interface{}
	if p.Payload != nil {
		payload = make(map[string]interface{}, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
	}

	cp := *p
	cp.Payload = payload
	return &cp
}
