// Package transport абстрагирует способ доставки push/pull запросов до
// сервера. Все реализации обязаны соблюдать одинаковые контракты
// продвижения курсора и идемпотентности.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftlab/driftsync/pkg/api"
)

// Provider определяет контракт транспорта синхронизации.
// Один экземпляр обслуживает одну sync-сессию; Close освобождает только
// ресурсы этого экземпляра и не затрагивает другие сессии.
type Provider interface {
	// Push отправляет пакет операций outbox на сервер
	Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error)

	// Pull запрашивает страницу изменений change log после курсора
	Pull(ctx context.Context, workspaceID string, cursor uint64, limit int) (*api.PullResponse, error)

	// UpdateCursor подтверждает серверу дочитанную позицию устройства
	UpdateCursor(ctx context.Context, req api.UpdateCursorRequest) (*api.UpdateCursorResponse, error)

	// Close освобождает ресурсы транспорта этой сессии
	Close() error
}

// ChangeNotifier опциональный интерфейс push-транспортов: уведомление о новых
// изменениях вместо поллинга. Callback асинхронный; транспорт обязан дождаться
// его завершения прежде чем считать пакет обработанным, иначе возможны
// перекрывающиеся применения.
type ChangeNotifier interface {
	OnChanges(fn func(ctx context.Context, workspaceID string) error)
}

// Error представляет структурированную ошибку транспорта.
// Классификация retryable/permanent опирается только на Code.
type Error struct {
	Message    string
	Code       api.ErrorCode
	RetryAfter int // секунды, подсказка сервера для quota_exceeded
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable сообщает, имеет ли смысл повторить запрос
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// CodeOf извлекает структурированный код из ошибки транспорта.
// Сетевые ошибки без структурированного кода всегда retryable (unavailable).
func CodeOf(err error) api.ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return api.ErrCodeUnavailable
}

// RetryAfterOf извлекает серверную подсказку Retry-After из ошибки.
// Ноль означает, что сервер задержку не назначал.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return time.Duration(te.RetryAfter) * time.Second
	}
	return 0
}
