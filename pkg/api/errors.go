package api

// ErrorCode структурированный код ошибки, передаваемый от сервера к клиенту.
// Классификация retryable/permanent на клиенте опирается только на код,
// никогда на текст сообщения.
type ErrorCode string

const (
	// ErrCodeValidation payload не соответствует канонической wire-схеме таблицы (permanent)
	ErrCodeValidation ErrorCode = "validation_failed"
	// ErrCodeUnauthorized у вызывающего нет доступа к указанному workspace (permanent)
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	// ErrCodeUnknownTable операция ссылается на несинхронизируемую таблицу (permanent)
	ErrCodeUnknownTable ErrorCode = "unknown_table"
	// ErrCodeQuotaExceeded превышен rate limit; повторить после retry-after (retryable)
	ErrCodeQuotaExceeded ErrorCode = "quota_exceeded"
	// ErrCodeInternal временная ошибка сервера (retryable)
	ErrCodeInternal ErrorCode = "internal_error"
	// ErrCodeUnavailable транспорт недоступен; выставляется клиентом при сетевых ошибках (retryable)
	ErrCodeUnavailable ErrorCode = "unavailable"
)

// Retryable сообщает, имеет ли смысл повторять операцию с этим кодом
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeQuotaExceeded, ErrCodeInternal, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// ErrorResponse представляет тело ошибки HTTP API
type ErrorResponse struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	RetryAfter int       `json:"retry_after,omitempty"` // секунды, только для quota_exceeded
}
