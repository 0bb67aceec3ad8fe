package models

import (
	"github.com/driftlab/driftsync/internal/hlc"
)

// ChangeLogEntry представляет одну принятую мутацию в авторитетном change log
// сервера. Источник истины для pull; удаляется только retention/GC.
// Инвариант: ServerVersion строго возрастает в рамках одного workspace.
type ChangeLogEntry struct {
	Payload       map[string]interface{} `json:"payload,omitempty"`
	WorkspaceID   string                 `json:"workspace_id"`
	Table         string                 `json:"table"`
	PK            string                 `json:"pk"`
	OpID          string                 `json:"op_id"`     // идентификатор исходной операции (ключ идемпотентности)
	DeviceID      string                 `json:"device_id"` // устройство-источник
	Operation     Operation              `json:"operation"`
	Clock         hlc.Clock              `json:"clock"`
	ServerVersion uint64                 `json:"server_version"`
	AppliedAt     int64                  `json:"applied_at"` // unix миллисекунды принятия сервером
}

// Tombstone представляет маркер удаления строки на сервере.
// Хранится, пока все известные курсоры устройств не пройдут его версию
// плюс retention window.
type Tombstone struct {
	WorkspaceID   string `json:"workspace_id"`
	Table         string `json:"table"`
	PK            string `json:"pk"`
	ServerVersion uint64 `json:"server_version"`
	DeletedAt     int64  `json:"deleted_at"` // unix миллисекунды
}

// DeviceCursor представляет подтвержденную позицию устройства в change log.
// Используется сервером для вычисления floor при GC.
// Инвариант: значение курсора монотонно не убывает.
type DeviceCursor struct {
	WorkspaceID string `json:"workspace_id"`
	DeviceID    string `json:"device_id"`
	Cursor      uint64 `json:"cursor"`
	UpdatedAt   int64  `json:"updated_at"` // unix миллисекунды последнего продвижения
}
