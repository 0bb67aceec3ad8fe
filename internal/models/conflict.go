package models

import (
	"github.com/driftlab/driftsync/internal/hlc"
)

// ConflictEvent описывает разрешенный LWW конфликт: удаленная и локальная
// версии строки разошлись, одна из них детерминированно проиграла.
// Повторная доставка идентичной версии (duplicate) конфликтом не является
// и это событие не порождает.
type ConflictEvent struct {
	WorkspaceID string
	Table       string
	PK          string
	Winner      hlc.Clock
	Loser       hlc.Clock
}

// ConflictFunc вызывается при каждом разрешенном конфликте (телеметрия/UX)
type ConflictFunc func(event ConflictEvent)
