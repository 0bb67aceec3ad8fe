// Package outbox реализует доставку накопленных локальных мутаций на сервер:
// дренаж outbox в порядке создания, коалесцирование по ключу, классификацию
// результатов и повторы с экспоненциальным backoff.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/driftlab/driftsync/internal/client/transport"
	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/pkg/api"
)

// ErrFlushInFlight другой flush этого workspace уже выполняется
var ErrFlushInFlight = errors.New("flush already in flight")

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 8
	// maxUserMessageLen предел длины ошибки, показываемой пользователю
	maxUserMessageLen = 200
)

// Store подмножество клиентского хранилища, нужное flusher'у
type Store interface {
	PendingOps(ctx context.Context, workspaceID string, limit int) ([]*models.PendingOp, error)
	MarkAttempt(ctx context.Context, seqs []uint64, code api.ErrorCode) error
	DeleteOps(ctx context.Context, seqs []uint64) error
}

// PermanentFailure описывает операцию, которую сервер окончательно отклонил.
// Message уже очищено и усечено для показа пользователю.
type PermanentFailure struct {
	Table   string
	PK      string
	Code    api.ErrorCode
	Message string
}

// Flusher дренирует outbox одного workspace.
// Инвариант: не более одного flush в полете; новые локальные записи
// становятся в очередь, но не порождают перекрывающихся циклов.
type Flusher struct {
	store       Store
	provider    transport.Provider
	logger      *slog.Logger
	onConflict  models.ConflictFunc
	onPermanent func(failure PermanentFailure)
	workspaceID string
	deviceID    string
	maxAttempts uint32
	backoffBase time.Duration
	maxRetries  uint64
	mu          sync.Mutex
}

// Option настраивает Flusher
type Option func(*Flusher)

// WithConflictFunc задает callback разрешенных конфликтов
func WithConflictFunc(fn models.ConflictFunc) Option {
	return func(f *Flusher) { f.onConflict = fn }
}

// WithPermanentFailureFunc задает callback окончательных отказов
func WithPermanentFailureFunc(fn func(failure PermanentFailure)) Option {
	return func(f *Flusher) { f.onPermanent = fn }
}

// WithMaxAttempts ограничивает число повторов одной операции,
// после которого retryable ошибка эскалируется в permanent
func WithMaxAttempts(n uint32) Option {
	return func(f *Flusher) { f.maxAttempts = n }
}

// WithBackoff задает базу экспоненциального backoff и число повторов push внутри одного flush
func WithBackoff(base time.Duration, maxRetries uint64) Option {
	return func(f *Flusher) {
		f.backoffBase = base
		f.maxRetries = maxRetries
	}
}

// NewFlusher создает flusher для одного workspace
func NewFlusher(store Store, provider transport.Provider, workspaceID, deviceID string, logger *slog.Logger, opts ...Option) *Flusher {
	f := &Flusher{
		store:       store,
		provider:    provider,
		workspaceID: workspaceID,
		deviceID:    deviceID,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoffBase: time.Second,
		maxRetries:  4,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FlushResult итог одного цикла flush
type FlushResult struct {
	Accepted  int // операций подтверждено и удалено из outbox
	Retryable int // операций оставлено в outbox для повтора
	Permanent int // операций окончательно отклонено
	Conflicts int // разрешенных конфликтов (операция принята, но проиграла LWW)
}

// Flush дренирует до batchSize готовых операций в порядке создания,
// коалесцирует их по (table, pk) и отправляет одним push.
// Возвращает ErrFlushInFlight, если flush этого workspace уже идет.
func (f *Flusher) Flush(ctx context.Context, batchSize int) (*FlushResult, error) {
	if !f.mu.TryLock() {
		return nil, ErrFlushInFlight
	}
	defer f.mu.Unlock()

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	ops, err := f.store.PendingOps(ctx, f.workspaceID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to drain outbox: %w", err)
	}

	result := &FlushResult{}
	if len(ops) == 0 {
		return result, nil
	}

	// Эскалация: операции, исчерпавшие лимит попыток, становятся permanent
	ops = f.escalateExhausted(ctx, ops, result)
	if len(ops) == 0 {
		return result, nil
	}

	groups := coalesce(ops)

	pushOps := make([]api.Op, 0, len(groups))
	for _, g := range groups {
		pushOps = append(pushOps, toWireOp(g.newest))
	}

	resp, err := f.push(ctx, pushOps)
	if err != nil {
		// Весь пакет не доставлен - помечаем попытку и выходим
		code := transport.CodeOf(err)
		seqs := allSeqs(groups)
		if markErr := f.store.MarkAttempt(ctx, seqs, code); markErr != nil {
			f.logger.Error("Failed to record flush attempt", "error", markErr)
		}
		result.Retryable = len(groups)
		f.logger.Warn("Flush failed, will retry",
			"workspace_id", f.workspaceID,
			"error_code", code,
			"pending", len(groups))
		return result, fmt.Errorf("push failed: %w", err)
	}

	f.applyResults(ctx, groups, resp.Results, result)

	f.logger.Info("Flush completed",
		"workspace_id", f.workspaceID,
		"accepted", result.Accepted,
		"retryable", result.Retryable,
		"permanent", result.Permanent,
		"conflicts", result.Conflicts)

	return result, nil
}

// opGroup операции одного (table, pk): пуш уходит только для newest,
// но подтверждение освобождает все seqs группы. До подтверждения
// полный набор затронутых ключей остается в outbox.
type opGroup struct {
	newest *models.PendingOp
	seqs   []uint64
}

// coalesce схлопывает операции по (table, pk), сохраняя порядок создания групп
func coalesce(ops []*models.PendingOp) []*opGroup {
	index := make(map[string]*opGroup)
	var order []*opGroup

	for _, op := range ops {
		key := op.Table + "\x1f" + op.PK
		group, ok := index[key]
		if !ok {
			group = &opGroup{}
			index[key] = group
			order = append(order, group)
		}
		group.seqs = append(group.seqs, op.Seq)
		// Операции приходят в порядке создания - последняя всегда новее
		group.newest = op
	}

	return order
}

// escalateExhausted выносит из пакета операции, исчерпавшие лимит попыток
func (f *Flusher) escalateExhausted(ctx context.Context, ops []*models.PendingOp, result *FlushResult) []*models.PendingOp {
	var remaining []*models.PendingOp
	var exhaustedSeqs []uint64

	for _, op := range ops {
		if op.Attempts < f.maxAttempts {
			remaining = append(remaining, op)
			continue
		}

		result.Permanent++
		exhaustedSeqs = append(exhaustedSeqs, op.Seq)

		f.logger.Warn("Giving up on operation after max attempts",
			"workspace_id", f.workspaceID,
			"table", op.Table,
			"pk", op.PK,
			"attempts", op.Attempts,
			"last_error", op.LastError)

		f.notifyPermanent(op, op.LastError, "delivery failed after repeated attempts")
	}

	if len(exhaustedSeqs) > 0 {
		if err := f.store.DeleteOps(ctx, exhaustedSeqs); err != nil {
			f.logger.Error("Failed to drop exhausted ops", "error", err)
		}
	}

	return remaining
}

// push отправляет пакет с повторами при retryable ошибках.
// Экспоненциальный backoff с jitter, ограниченное число повторов.
// При quota_exceeded сервер присылает Retry-After: подсказка становится
// нижней границей следующей задержки.
func (f *Flusher) push(ctx context.Context, ops []api.Op) (*api.PushResponse, error) {
	req := api.PushRequest{
		WorkspaceID: f.workspaceID,
		DeviceID:    f.deviceID,
		Ops:         ops,
	}

	base := retry.WithJitter(f.backoffBase/2,
		retry.WithMaxRetries(f.maxRetries, retry.NewExponential(f.backoffBase)))

	var serverHint time.Duration
	backoff := minDelayBackoff(base, &serverHint)

	var resp *api.PushResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var pushErr error
		resp, pushErr = f.provider.Push(ctx, req)
		if pushErr == nil {
			serverHint = 0
			return nil
		}
		serverHint = transport.RetryAfterOf(pushErr)
		if transport.CodeOf(pushErr).Retryable() {
			return retry.RetryableError(pushErr)
		}
		return pushErr
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// minDelayBackoff поднимает задержку base до *hint, если подсказка
// сервера больше вычисленного backoff
func minDelayBackoff(base retry.Backoff, hint *time.Duration) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := base.Next()
		if stop {
			return 0, true
		}
		if *hint > delay {
			delay = *hint
		}
		return delay, false
	})
}

// applyResults обрабатывает по-операционные результаты push
func (f *Flusher) applyResults(ctx context.Context, groups []*opGroup, results []api.OpResult, result *FlushResult) {
	byOpID := make(map[string]api.OpResult, len(results))
	for _, r := range results {
		byOpID[r.OpID] = r
	}

	var confirmed []uint64
	// Retryable операции группируются по фактическому коду отказа:
	// LastError должен показывать причину, а не обобщенный internal
	retryable := make(map[api.ErrorCode][]uint64)

	for _, g := range groups {
		r, ok := byOpID[g.newest.OpID]
		if !ok {
			// Сервер не ответил по этой операции - оставляем на повтор
			retryable[api.ErrCodeUnavailable] = append(retryable[api.ErrCodeUnavailable], g.seqs...)
			result.Retryable++
			continue
		}

		switch {
		case r.Status == api.OpStatusAccepted:
			confirmed = append(confirmed, g.seqs...)
			result.Accepted++

			if r.Conflict {
				result.Conflicts++
				f.notifyConflict(g.newest, r)
			}

		case r.ErrorCode.Retryable():
			retryable[r.ErrorCode] = append(retryable[r.ErrorCode], g.seqs...)
			result.Retryable++

		default:
			// Permanent отказ: прекращаем повторы и сообщаем пользователю
			confirmed = append(confirmed, g.seqs...)
			result.Permanent++
			f.notifyPermanent(g.newest, r.ErrorCode, "server rejected the change")
		}
	}

	if len(confirmed) > 0 {
		if err := f.store.DeleteOps(ctx, confirmed); err != nil {
			f.logger.Error("Failed to delete confirmed ops", "error", err)
		}
	}

	for code, seqs := range retryable {
		if err := f.store.MarkAttempt(ctx, seqs, code); err != nil {
			f.logger.Error("Failed to record retryable ops", "error", err)
		}
	}
}

func (f *Flusher) notifyConflict(op *models.PendingOp, r api.OpResult) {
	if f.onConflict == nil {
		return
	}

	var winner hlc.Clock
	if r.WinnerClock != nil {
		winner = hlc.Clock{
			Physical: r.WinnerClock.Physical,
			Logical:  r.WinnerClock.Logical,
			DeviceID: r.WinnerClock.DeviceID,
		}
	}

	f.onConflict(models.ConflictEvent{
		WorkspaceID: f.workspaceID,
		Table:       op.Table,
		PK:          op.PK,
		Winner:      winner,
		Loser:       op.Clock,
	})
}

func (f *Flusher) notifyPermanent(op *models.PendingOp, code api.ErrorCode, message string) {
	if f.onPermanent == nil {
		return
	}

	f.onPermanent(PermanentFailure{
		Table:   op.Table,
		PK:      op.PK,
		Code:    code,
		Message: sanitize(message),
	})
}

// sanitize усекает сообщение для показа пользователю.
// Сырые серверные payload и stack traces наружу не выходят.
// Срез отступает к началу руны, чтобы не разорвать UTF-8 последовательность.
func sanitize(message string) string {
	if len(message) <= maxUserMessageLen {
		return message
	}

	cut := maxUserMessageLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "…"
}

// toWireOp конвертирует PendingOp в wire формат
func toWireOp(op *models.PendingOp) api.Op {
	return api.Op{
		OpID:      op.OpID,
		Table:     op.Table,
		PK:        op.PK,
		Operation: api.Operation(op.Operation),
		Payload:   op.Payload,
		Clock: api.Clock{
			Physical: op.Clock.Physical,
			Logical:  op.Clock.Logical,
			DeviceID: op.Clock.DeviceID,
		},
	}
}

func allSeqs(groups []*opGroup) []uint64 {
	var seqs []uint64
	for _, g := range groups {
		seqs = append(seqs, g.seqs...)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
