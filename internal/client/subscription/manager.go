package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftlab/driftsync/internal/client/storage"
	"github.com/driftlab/driftsync/internal/client/transport"
	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/resolve"
	"github.com/driftlab/driftsync/pkg/api"
)

// ErrPullInFlight возвращается при попытке запустить второй pull того же workspace
var ErrPullInFlight = errors.New("pull already in progress")

// ErrProtocolViolation - сервер вернул has_more без продвижения курсора.
// Цикл прерывается, повтор произойдет по следующему расписанию.
var ErrProtocolViolation = errors.New("non-advancing cursor with has_more")

const (
	defaultPageLimit = 200
	// maxPages страхует цикл от бесконечного дренажа в одном заходе
	defaultMaxPages = 50
)

// State состояние цикла репликации workspace
type State int32

const (
	StateIdle State = iota
	StatePulling
	StateApplying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StateApplying:
		return "applying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Store операции локального хранилища, нужные циклу репликации
type Store interface {
	ApplyRemote(ctx context.Context, remote *models.Row) (resolve.Outcome, error)
	GetRow(ctx context.Context, workspaceID, table, pk string) (*models.Row, error)
	GetCursor(ctx context.Context, workspaceID string) (uint64, error)
	SaveCursor(ctx context.Context, workspaceID string, cursor uint64) error
}

// Puller минимальный срез transport.Provider для pull-стороны
type Puller interface {
	Pull(ctx context.Context, workspaceID string, cursor uint64, limit int) (*api.PullResponse, error)
	UpdateCursor(ctx context.Context, req api.UpdateCursorRequest) (*api.UpdateCursorResponse, error)
}

// Manager ведет инкрементальную репликацию одного workspace:
// Idle -> Pulling -> Applying -> Idle, Stopped при остановке сессии.
type Manager struct {
	store       Store
	provider    Puller
	workspaceID string
	deviceID    string
	logger      *slog.Logger
	onConflict  models.ConflictFunc

	pageLimit int
	maxPages  int

	state atomic.Int32
	mu    sync.Mutex

	// wake пробуждает цикл Run вне расписания (push-уведомления транспорта)
	wake chan struct{}
}

// Option настраивает Manager
type Option func(m *Manager)

// WithConflictFunc задает callback наблюдаемых конфликтов
func WithConflictFunc(fn models.ConflictFunc) Option {
	return func(m *Manager) { m.onConflict = fn }
}

// WithPageLimit задает размер страницы pull
func WithPageLimit(n int) Option {
	return func(m *Manager) { m.pageLimit = n }
}

// WithMaxPages ограничивает число страниц за один дренаж
func WithMaxPages(n int) Option {
	return func(m *Manager) { m.maxPages = n }
}

// NewManager создает цикл репликации workspace
func NewManager(store Store, provider Puller, workspaceID, deviceID string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		provider:    provider,
		workspaceID: workspaceID,
		deviceID:    deviceID,
		logger:      logger,
		pageLimit:   defaultPageLimit,
		maxPages:    defaultMaxPages,
		wake:        make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	// Push-транспорт будит цикл вместо ожидания таймера
	if notifier, ok := provider.(transport.ChangeNotifier); ok {
		notifier.OnChanges(func(ctx context.Context, workspaceID string) error {
			if workspaceID != m.workspaceID {
				return nil
			}
			select {
			case m.wake <- struct{}{}:
			default:
			}
			return nil
		})
	}

	return m
}

// State возвращает текущее состояние цикла
func (m *Manager) State() State {
	return State(m.state.Load())
}

// PullResult итоги одного дренажа backlog
type PullResult struct {
	Pages     int // страниц получено
	Applied   int // изменений принято (remote победил)
	Skipped   int // изменений отброшено (локальная версия новее или дубль)
	Conflicts int // конфликтов, разрешенных в пользу локальной версии
	Cursor    uint64
}

// Pull дренирует backlog сервера до конца или до лимита страниц.
// Одновременные pull одного workspace не допускаются.
func (m *Manager) Pull(ctx context.Context) (*PullResult, error) {
	if !m.mu.TryLock() {
		return nil, ErrPullInFlight
	}
	defer m.mu.Unlock()
	defer m.state.Store(int32(StateIdle))

	cursor, err := m.store.GetCursor(ctx, m.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	result := &PullResult{Cursor: cursor}

	for page := 0; page < m.maxPages; page++ {
		m.state.Store(int32(StatePulling))

		resp, err := m.provider.Pull(ctx, m.workspaceID, result.Cursor, m.pageLimit)
		if err != nil {
			return result, fmt.Errorf("pull failed: %w", err)
		}

		// Защита от зацикливания: has_more обязан продвигать курсор.
		// Терминальная страница (has_more=false, курсор на месте) легальна.
		if resp.HasMore && resp.NextCursor <= result.Cursor {
			m.logger.Error("Server returned non-advancing cursor with has_more",
				"workspace_id", m.workspaceID,
				"cursor", result.Cursor,
				"next_cursor", resp.NextCursor,
				"changes", len(resp.Changes))
			return result, ErrProtocolViolation
		}

		result.Pages++

		if len(resp.Changes) > 0 {
			m.state.Store(int32(StateApplying))

			highest, err := m.applyBatch(ctx, resp.Changes, result)
			if err != nil {
				return result, err
			}

			// Продолжение - с максимальной примененной версии, а не с
			// курсора, который был актуален до получения страницы
			if highest > result.Cursor {
				result.Cursor = highest
			}
		} else if resp.NextCursor > result.Cursor {
			result.Cursor = resp.NextCursor
		}

		// Курсор сохраняется только после применения всей страницы:
		// падение посреди apply приводит к повторному pull, а не к пропуску
		if err := m.store.SaveCursor(ctx, m.workspaceID, result.Cursor); err != nil {
			return result, fmt.Errorf("failed to save cursor: %w", err)
		}

		if !resp.HasMore {
			break
		}
	}

	m.acknowledge(ctx, result.Cursor)

	m.logger.Info("Pull completed",
		"workspace_id", m.workspaceID,
		"pages", result.Pages,
		"applied", result.Applied,
		"skipped", result.Skipped,
		"conflicts", result.Conflicts,
		"cursor", result.Cursor)

	return result, nil
}

// applyBatch применяет страницу изменений и возвращает максимальную примененную версию
func (m *Manager) applyBatch(ctx context.Context, changes []api.SyncChange, result *PullResult) (uint64, error) {
	var highest uint64

	for _, change := range changes {
		row := toRow(m.workspaceID, change)

		outcome, err := m.store.ApplyRemote(ctx, row)
		if err != nil {
			return highest, fmt.Errorf("failed to apply change %s/%s: %w", change.Table, change.PK, err)
		}

		switch outcome {
		case resolve.RemoteWins:
			result.Applied++
		case resolve.Duplicate:
			// Повторная доставка той же записи - не конфликт
			result.Skipped++
		case resolve.LocalWins:
			result.Skipped++
			result.Conflicts++
			m.notifyConflict(ctx, change)
		}

		if change.ServerVersion > highest {
			highest = change.ServerVersion
		}
	}

	return highest, nil
}

// acknowledge сообщает серверу дочитанную версию. Ошибка не фатальна:
// серверный курсор догонит при следующем подтверждении.
func (m *Manager) acknowledge(ctx context.Context, cursor uint64) {
	if cursor == 0 {
		return
	}

	_, err := m.provider.UpdateCursor(ctx, api.UpdateCursorRequest{
		WorkspaceID: m.workspaceID,
		DeviceID:    m.deviceID,
		Cursor:      cursor,
	})
	if err != nil {
		m.logger.Warn("Failed to acknowledge cursor",
			"workspace_id", m.workspaceID,
			"cursor", cursor,
			"error", err)
	}
}

func (m *Manager) notifyConflict(ctx context.Context, change api.SyncChange) {
	if m.onConflict == nil {
		return
	}

	// Победитель - локальная строка; ее clock нужен для события
	var winner hlc.Clock
	local, err := m.store.GetRow(ctx, m.workspaceID, change.Table, change.PK)
	if err == nil {
		winner = local.Clock
	} else if !errors.Is(err, storage.ErrRowNotFound) {
		m.logger.Warn("Failed to load winning row for conflict event", "error", err)
	}

	m.onConflict(models.ConflictEvent{
		WorkspaceID: m.workspaceID,
		Table:       change.Table,
		PK:          change.PK,
		Winner:      winner,
		Loser: hlc.Clock{
			Physical: change.Clock.Physical,
			Logical:  change.Clock.Logical,
			DeviceID: change.Clock.DeviceID,
		},
	})
}

// Run крутит цикл репликации по расписанию до отмены контекста.
// Push-уведомления транспорта запускают внеочередной pull.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer m.state.Store(int32(StateStopped))

	for {
		if _, err := m.Pull(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Протокольные и сетевые ошибки не останавливают цикл:
			// следующая попытка по расписанию
			m.logger.Warn("Scheduled pull failed",
				"workspace_id", m.workspaceID,
				"error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

func toRow(workspaceID string, change api.SyncChange) *models.Row {
	return &models.Row{
		WorkspaceID: workspaceID,
		Table:       change.Table,
		PK:          change.PK,
		Fields:      change.Payload,
		Deleted:     change.Operation == api.OpDelete,
		Clock: hlc.Clock{
			Physical: change.Clock.Physical,
			Logical:  change.Clock.Logical,
			DeviceID: change.Clock.DeviceID,
		},
	}
}
