// Package resolve реализует детерминированное row-level LWW разрешение
// конфликтов между локальной и входящей удаленной версией строки.
package resolve

import (
	"github.com/driftlab/driftsync/internal/hlc"
)

// Outcome результат сравнения локальной и удаленной версии строки
type Outcome int

const (
	// RemoteWins удаленная версия новее: применить remote payload
	// и продвинуть локальные часы через Observe.
	RemoteWins Outcome = iota
	// LocalWins локальная версия новее: удаленное изменение отбрасывается.
	// Это разрешенный конфликт и он должен быть отражен в conflict-observed
	// сигнале (в отличие от Duplicate).
	LocalWins
	// Duplicate timestamps идентичны: это повторная доставка той же версии
	// (retry, переупорядоченная redelivery), а не конфликт. Тихий no-op,
	// счетчики конфликтов не растут.
	Duplicate
)

// String возвращает имя результата для логов
func (o Outcome) String() string {
	switch o {
	case RemoteWins:
		return "remote_wins"
	case LocalWins:
		return "local_wins"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Resolve сравнивает версии по полному порядку HLC и решает судьбу
// удаленного изменения. Чистая функция: коммутативна между устройствами,
// все реплики с одинаковым входом приходят к одинаковому состоянию.
// Нулевой local означает отсутствие локальной версии - remote применяется.
func Resolve(local, remote hlc.Clock) Outcome {
	if local.IsZero() {
		return RemoteWins
	}

	switch cmp := remote.Compare(local); {
	case cmp > 0:
		return RemoteWins
	case cmp < 0:
		return LocalWins
	default:
		return Duplicate
	}
}
