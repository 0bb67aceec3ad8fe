package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftlab/driftsync/internal/client/outbox"
	"github.com/driftlab/driftsync/internal/client/subscription"
	"github.com/driftlab/driftsync/internal/client/transport"
	"github.com/driftlab/driftsync/internal/models"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultPullInterval  = 10 * time.Second
)

// Store операции локального хранилища, нужные sync-сессии
type Store interface {
	outbox.Store
	subscription.Store
	PendingCount(ctx context.Context, workspaceID string) (int, error)
	DeviceID() string
}

// Config параметры sync-сессии одного workspace
type Config struct {
	WorkspaceID   string
	Backend       string // идентификатор транспорта в реестре, например "http"
	Transport     transport.Config
	FlushInterval time.Duration
	PullInterval  time.Duration

	// OnConflict вызывается при каждом наблюдаемом конфликте
	OnConflict models.ConflictFunc
	// OnPermanentFailure вызывается при окончательном отказе доставки
	OnPermanentFailure func(failure outbox.PermanentFailure)
}

// Session связывает flush и pull циклы одного workspace.
// Транспорт принадлежит сессии: Close закрывает его, не затрагивая
// провайдеры других сессий.
type Session struct {
	workspaceID string
	store       Store
	provider    transport.Provider
	flusher     *outbox.Flusher
	manager     *subscription.Manager
	logger      *slog.Logger

	flushInterval time.Duration
	pullInterval  time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

// New создает sync-сессию workspace. Провайдер создается через реестр
// транспортов и живет ровно столько, сколько сессия.
func New(store Store, cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.WorkspaceID == "" {
		return nil, errors.New("session: workspace id is required")
	}

	provider, err := transport.New(cfg.Backend, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	deviceID := store.DeviceID()

	var flusherOpts []outbox.Option
	if cfg.OnConflict != nil {
		flusherOpts = append(flusherOpts, outbox.WithConflictFunc(cfg.OnConflict))
	}
	if cfg.OnPermanentFailure != nil {
		flusherOpts = append(flusherOpts, outbox.WithPermanentFailureFunc(cfg.OnPermanentFailure))
	}

	var managerOpts []subscription.Option
	if cfg.OnConflict != nil {
		managerOpts = append(managerOpts, subscription.WithConflictFunc(cfg.OnConflict))
	}

	s := &Session{
		workspaceID:   cfg.WorkspaceID,
		store:         store,
		provider:      provider,
		flusher:       outbox.NewFlusher(store, provider, cfg.WorkspaceID, deviceID, logger, flusherOpts...),
		manager:       subscription.NewManager(store, provider, cfg.WorkspaceID, deviceID, logger, managerOpts...),
		logger:        logger,
		flushInterval: cfg.FlushInterval,
		pullInterval:  cfg.PullInterval,
		done:          make(chan struct{}),
	}

	if s.flushInterval <= 0 {
		s.flushInterval = defaultFlushInterval
	}
	if s.pullInterval <= 0 {
		s.pullInterval = defaultPullInterval
	}

	return s, nil
}

// Start запускает flush и pull циклы. Каждый цикл сериализован сам по себе,
// но друг с другом они работают параллельно.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	if s.started {
		s.startMu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.startMu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.flushLoop(ctx)
	})

	g.Go(func() error {
		return s.manager.Run(ctx, s.pullInterval)
	})

	go func() {
		defer close(s.done)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Sync session stopped with error",
				"workspace_id", s.workspaceID,
				"error", err)
		}
	}()

	s.logger.Info("Sync session started",
		"workspace_id", s.workspaceID,
		"flush_interval", s.flushInterval,
		"pull_interval", s.pullInterval)

	return nil
}

// flushLoop периодически дренирует outbox workspace
func (s *Session) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := s.flusher.Flush(ctx, 0); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, outbox.ErrFlushInFlight) {
				continue
			}
			// Сетевые ошибки не останавливают цикл
			s.logger.Warn("Scheduled flush failed",
				"workspace_id", s.workspaceID,
				"error", err)
		}
	}
}

// Flush выполняет внеочередной flush outbox
func (s *Session) Flush(ctx context.Context) (*outbox.FlushResult, error) {
	return s.flusher.Flush(ctx, 0)
}

// Pull выполняет внеочередной дренаж backlog сервера
func (s *Session) Pull(ctx context.Context) (*subscription.PullResult, error) {
	return s.manager.Pull(ctx)
}

// Status текущее состояние сессии
type Status struct {
	WorkspaceID string
	State       subscription.State
	Pending     int    // операций в outbox
	Cursor      uint64 // локальный курсор репликации
}

// Status возвращает сводку по сессии
func (s *Session) Status(ctx context.Context) (*Status, error) {
	pending, err := s.store.PendingCount(ctx, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending ops: %w", err)
	}

	cursor, err := s.store.GetCursor(ctx, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	return &Status{
		WorkspaceID: s.workspaceID,
		State:       s.manager.State(),
		Pending:     pending,
		Cursor:      cursor,
	}, nil
}

// Close останавливает циклы, отменяет запросы в полете и закрывает
// транспорт сессии. Хранилище, разделяемое с другими сессиями, не трогается.
func (s *Session) Close() error {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()

	if started && s.cancel != nil {
		s.cancel()
		<-s.done
	}

	if err := s.provider.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}

	s.logger.Info("Sync session closed", "workspace_id", s.workspaceID)
	return nil
}
