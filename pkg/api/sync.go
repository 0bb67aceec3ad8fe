package api

// Clock представляет hybrid logical clock (HLC) версию записи на проводе.
// Полный порядок задается лексикографическим сравнением (physical, logical, device_id).
type Clock struct {
	DeviceID string `json:"device_id"` // идентификатор устройства, выдавшего версию
	Physical uint64 `json:"physical"`  // физическое время в миллисекундах
	Logical  uint32 `json:"logical"`   // логический счетчик внутри одной миллисекунды
}

// Operation тип операции над синхронизируемой строкой
type Operation string

const (
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
)

// Op представляет одну операцию из клиентского outbox
type Op struct {
	OpID      string                 `json:"op_id"`             // глобально уникальный идентификатор операции (UUID)
	Table     string                 `json:"table"`             // имя синхронизируемой таблицы
	PK        string                 `json:"pk"`                // первичный ключ строки
	Operation Operation              `json:"operation"`         // put или delete
	Payload   map[string]interface{} `json:"payload,omitempty"` // поля строки; отсутствует для delete
	Clock     Clock                  `json:"clock"`             // HLC версия операции
}

// PushRequest представляет пакет операций от одного устройства
type PushRequest struct {
	WorkspaceID string `json:"workspace_id"`
	DeviceID    string `json:"device_id"`
	Ops         []Op   `json:"ops"`
}

// OpStatus результат обработки одной операции
type OpStatus string

const (
	OpStatusAccepted OpStatus = "accepted"
	OpStatusRejected OpStatus = "rejected"
)

// OpResult представляет результат обработки одной операции сервером.
// Conflict = true означает, что операция принята, но проиграла LWW
// более свежей версии на сервере (разрешенный конфликт, не ошибка).
type OpResult struct {
	OpID          string    `json:"op_id"`
	Status        OpStatus  `json:"status"`
	ErrorCode     ErrorCode `json:"error_code,omitempty"`
	Conflict      bool      `json:"conflict,omitempty"`
	WinnerClock   *Clock    `json:"winner_clock,omitempty"`   // версия, победившая в конфликте
	ServerVersion uint64    `json:"server_version,omitempty"` // присвоенная версия (для принятых и примененных операций)
}

// PushResponse ответ сервера на push
type PushResponse struct {
	Results []OpResult `json:"results"`
}

// SyncChange представляет одно изменение из серверного change log
type SyncChange struct {
	Table         string                 `json:"table"`
	PK            string                 `json:"pk"`
	Operation     Operation              `json:"operation"`
	Payload       map[string]interface{} `json:"payload,omitempty"` // отсутствует для delete
	Clock         Clock                  `json:"clock"`
	ServerVersion uint64                 `json:"server_version"` // строго возрастающая версия в рамках workspace
}

// PullResponse представляет страницу изменений для инкрементальной репликации.
// Инвариант протокола: если HasMore = true, то NextCursor > запрошенного cursor.
type PullResponse struct {
	Changes    []SyncChange `json:"changes"`
	NextCursor uint64       `json:"next_cursor"`
	HasMore    bool         `json:"has_more"`
}

// UpdateCursorRequest подтверждает, до какой версии change log устройство дочитало
type UpdateCursorRequest struct {
	WorkspaceID string `json:"workspace_id"`
	DeviceID    string `json:"device_id"`
	Cursor      uint64 `json:"cursor"`
}

// UpdateCursorResponse ответ на update-cursor.
// Cursor содержит актуальное серверное значение: откат курсора назад
// не принимается, сервер возвращает прежнее значение.
type UpdateCursorResponse struct {
	Cursor uint64 `json:"cursor"`
}

// GCRequest запускает один проход retention/GC для workspace (только админ)
type GCRequest struct {
	WorkspaceID        string `json:"workspace_id"`
	BatchSize          int    `json:"batch_size,omitempty"`
	ContinuationCursor uint64 `json:"continuation_cursor,omitempty"`
}

// GCResponse результат прохода GC.
// ContinuationCursor > 0 означает, что остались необработанные записи
// и следующий запуск должен продолжить с этой позиции.
type GCResponse struct {
	DeletedCount       int    `json:"deleted_count"`
	ContinuationCursor uint64 `json:"continuation_cursor,omitempty"`
}
