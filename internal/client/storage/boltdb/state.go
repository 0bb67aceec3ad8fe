package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/driftlab/driftsync/internal/client/storage"
)

const cursorKeyPrefix = "cursor" + keySep

// GetCursor возвращает персистентный курсор репликации workspace.
// Возвращает 0, если синхронизация еще не выполнялась.
func (s *Storage) GetCursor(ctx context.Context, workspaceID string) (uint64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var cursor uint64

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(cursorKeyPrefix + workspaceID))
		if data == nil {
			// Первая синхронизация
			return nil
		}
		cursor = binary.BigEndian.Uint64(data)
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	return cursor, nil
}

// SaveCursor сохраняет курсор репликации workspace.
// Курсор монотонно не убывает: попытка отката отклоняется с ErrCursorRegression.
func (s *Storage) SaveCursor(ctx context.Context, workspaceID string, cursor uint64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		key := []byte(cursorKeyPrefix + workspaceID)

		if data := bucket.Get(key); data != nil {
			if current := binary.BigEndian.Uint64(data); cursor < current {
				return fmt.Errorf("%w: %d < %d", storage.ErrCursorRegression, cursor, current)
			}
		}

		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, cursor)

		if err := bucket.Put(key, value); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return nil
}
