package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/driftlab/driftsync/internal/client/storage"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/pkg/api"
)

// PendingOps возвращает до limit операций workspace в порядке создания.
// Итерация по outbox bucket идет по возрастанию порядкового номера,
// что совпадает с порядком постановки.
func (s *Storage) PendingOps(ctx context.Context, workspaceID string, limit int) ([]*models.PendingOp, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var ops []*models.PendingOp

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			if limit > 0 && len(ops) >= limit {
				return nil
			}

			var op models.PendingOp
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal pending op: %w", err)
			}

			if op.WorkspaceID == workspaceID {
				ops = append(ops, &op)
			}

			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to read pending ops: %w", err)
	}

	return ops, nil
}

// PendingCount возвращает количество операций workspace, ожидающих доставки
func (s *Storage) PendingCount(ctx context.Context, workspaceID string) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	count := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var op models.PendingOp
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal pending op: %w", err)
			}
			if op.WorkspaceID == workspaceID {
				count++
			}
			return nil
		})
	})

	if err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}

	return count, nil
}

// MarkAttempt увеличивает счетчик попыток операций и запоминает код ошибки
func (s *Storage) MarkAttempt(ctx context.Context, seqs []uint64, code api.ErrorCode) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)

		for _, seq := range seqs {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)

			data := bucket.Get(key)
			if data == nil {
				// Операция уже подтверждена и удалена - пропускаем
				continue
			}

			var op models.PendingOp
			if err := json.Unmarshal(data, &op); err != nil {
				return fmt.Errorf("failed to unmarshal pending op: %w", err)
			}

			op.Attempts++
			op.LastError = code

			updated, err := json.Marshal(&op)
			if err != nil {
				return fmt.Errorf("failed to marshal pending op: %w", err)
			}

			if err := bucket.Put(key, updated); err != nil {
				return fmt.Errorf("failed to update pending op: %w", err)
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("mark attempt transaction failed: %w", err)
	}

	return nil
}

// DeleteOps удаляет подтвержденные операции по их порядковым номерам
func (s *Storage) DeleteOps(ctx context.Context, seqs []uint64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)

		for _, seq := range seqs {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)

			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete pending op %d: %w", seq, err)
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("delete ops transaction failed: %w", err)
	}

	return nil
}
