// Package retention runs scheduled garbage collection of the change log.
// Сборка идет ограниченными батчами, чтобы не держать долгие транзакции
// на работающем сервере.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftlab/driftsync/internal/server/storage"
)

const (
	defaultBatchSize     = 500
	maxBatchesPerSweep   = 32
	defaultSweepInterval = time.Hour
)

// Sweeper periodically prunes change log entries below the retention floor
// of every known workspace.
type Sweeper struct {
	logger    *slog.Logger
	store     storage.RetentionStorage
	window    uint64
	cursorTTL time.Duration
	interval  time.Duration
	batchSize int
}

// Config конфигурация фонового GC
type Config struct {
	// RetentionWindow сколько версий ниже минимального курсора сохранять
	RetentionWindow uint64
	// CursorTTL через сколько курсор устройства считается заброшенным
	CursorTTL time.Duration
	// Interval период между проходами; по умолчанию час
	Interval time.Duration
	// BatchSize размер одного батча удаления; по умолчанию 500
	BatchSize int
}

// NewSweeper creates a retention sweeper.
func NewSweeper(logger *slog.Logger, store storage.RetentionStorage, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	return &Sweeper{
		logger:    logger,
		store:     store,
		window:    cfg.RetentionWindow,
		cursorTTL: cfg.CursorTTL,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
// Ошибки отдельных workspace логируются и не останавливают цикл.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started",
		"interval", s.interval,
		"window", s.window,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over all workspaces.
func (s *Sweeper) Sweep(ctx context.Context) error {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return err
	}

	for _, ws := range workspaces {
		deleted, err := s.sweepWorkspace(ctx, ws)
		if err != nil {
			s.logger.Error("workspace sweep failed",
				"workspace_id", ws,
				"error", err,
			)
			continue
		}
		if deleted > 0 {
			s.logger.Info("pruned change log",
				"workspace_id", ws,
				"deleted", deleted,
			)
		}
	}

	return nil
}

func (s *Sweeper) sweepWorkspace(ctx context.Context, workspaceID string) (int, error) {
	floor, err := s.store.RetentionFloor(ctx, workspaceID, s.window, s.cursorTTL)
	if err != nil {
		return 0, err
	}
	if floor == 0 {
		return 0, nil
	}

	var (
		total int
		after uint64
	)
	// Ограничиваем число батчей за проход: недоеденное доберет
	// следующий тик
	for i := 0; i < maxBatchesPerSweep; i++ {
		res, err := s.store.PruneBatch(ctx, workspaceID, floor, after, s.batchSize)
		if err != nil {
			return total, err
		}
		total += res.Deleted
		if res.NextCursor == 0 {
			break
		}
		after = res.NextCursor
	}

	return total, nil
}
