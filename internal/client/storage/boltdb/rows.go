package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/driftlab/driftsync/internal/client/storage"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/resolve"
)

// PutRow записывает строку и ставит put-операцию в outbox в одной транзакции.
// Если outbox-запись невозможна, вся запись откатывается: durable бизнес-запись
// без durable outbox-записи - нарушение корректности (молчаливая потеря синхронизации).
func (s *Storage) PutRow(ctx context.Context, workspaceID, table, pk string, fields map[string]interface{}) (*models.Row, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var row *models.Row

	err := s.db.Update(func(tx *bbolt.Tx) error {
		clock := s.clock.Now()
		now := time.Now().UnixMilli()

		row = &models.Row{
			Table:       table,
			PK:          pk,
			WorkspaceID: workspaceID,
			Fields:      fields,
			Clock:       clock,
			UpdatedAt:   now,
		}

		if err := putRowTx(tx, row); err != nil {
			return err
		}

		op := &models.PendingOp{
			OpID:        uuid.New().String(),
			WorkspaceID: workspaceID,
			Table:       table,
			PK:          pk,
			Operation:   models.OpPut,
			Payload:     fields,
			Clock:       clock,
			CreatedAt:   now,
		}
		if err := enqueueOpTx(tx, op); err != nil {
			return err
		}

		return s.saveClock(tx)
	})

	if err != nil {
		return nil, fmt.Errorf("put row transaction failed: %w", err)
	}

	return row, nil
}

// DeleteRow помечает строку удаленной и ставит delete-операцию в outbox
// в одной транзакции. Поля строки очищаются, остается tombstone.
func (s *Storage) DeleteRow(ctx context.Context, workspaceID, table, pk string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRows)

		data := bucket.Get(rowKey(workspaceID, table, pk))
		if data == nil {
			return storage.ErrRowNotFound
		}

		var row models.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("failed to unmarshal row: %w", err)
		}

		clock := s.clock.Now()
		now := time.Now().UnixMilli()

		row.Deleted = true
		row.Fields = nil
		row.Clock = clock
		row.UpdatedAt = now

		if err := putRowTx(tx, &row); err != nil {
			return err
		}

		op := &models.PendingOp{
			OpID:        uuid.New().String(),
			WorkspaceID: workspaceID,
			Table:       table,
			PK:          pk,
			Operation:   models.OpDelete,
			Clock:       clock,
			CreatedAt:   now,
		}
		if err := enqueueOpTx(tx, op); err != nil {
			return err
		}

		return s.saveClock(tx)
	})

	if err != nil {
		return fmt.Errorf("delete row transaction failed: %w", err)
	}

	return nil
}

// GetRow возвращает строку по ключу.
// Возвращает ErrRowNotFound если строки нет или она помечена удаленной.
func (s *Storage) GetRow(ctx context.Context, workspaceID, table, pk string) (*models.Row, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var row *models.Row

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRows).Get(rowKey(workspaceID, table, pk))
		if data == nil {
			return storage.ErrRowNotFound
		}

		row = &models.Row{}
		if err := json.Unmarshal(data, row); err != nil {
			return fmt.Errorf("failed to unmarshal row: %w", err)
		}

		if row.Deleted {
			return storage.ErrRowNotFound
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return row, nil
}

// ListRows возвращает все неудаленные строки таблицы в workspace
func (s *Storage) ListRows(ctx context.Context, workspaceID, table string) ([]*models.Row, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	prefix := []byte(workspaceID + keySep + table + keySep)
	var rows []*models.Row

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRows).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row models.Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to unmarshal row: %w", err)
			}
			if !row.Deleted {
				rows = append(rows, &row)
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}

	return rows, nil
}

// ApplyRemote применяет входящее удаленное изменение по правилам LWW в одной
// транзакции. Outbox не затрагивается: удаленные изменения не переотправляются.
// При RemoteWins локальные часы продвигаются через Observe, чтобы последующие
// локальные записи были строго позже примененной удаленной версии.
func (s *Storage) ApplyRemote(ctx context.Context, remote *models.Row) (resolve.Outcome, error) {
	if s.db == nil {
		return resolve.Duplicate, storage.ErrStorageClosed
	}

	var outcome resolve.Outcome

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRows)
		key := rowKey(remote.WorkspaceID, remote.Table, remote.PK)

		var local models.Row
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &local); err != nil {
				return fmt.Errorf("failed to unmarshal local row: %w", err)
			}
		}

		outcome = resolve.Resolve(local.Clock, remote.Clock)
		if outcome != resolve.RemoteWins {
			return nil
		}

		if err := putRowTx(tx, remote); err != nil {
			return err
		}

		s.clock.Observe(remote.Clock)
		return s.saveClock(tx)
	})

	if err != nil {
		return outcome, fmt.Errorf("apply remote transaction failed: %w", err)
	}

	return outcome, nil
}

// putRowTx записывает строку внутри транзакции
func putRowTx(tx *bbolt.Tx, row *models.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	if err := tx.Bucket(bucketRows).Put(rowKey(row.WorkspaceID, row.Table, row.PK), data); err != nil {
		return fmt.Errorf("failed to save row: %w", err)
	}

	return nil
}

// enqueueOpTx ставит операцию в outbox внутри транзакции.
// Ключ - порядковый номер bucket (порядок создания сохраняется при итерации).
func enqueueOpTx(tx *bbolt.Tx, op *models.PendingOp) error {
	bucket := tx.Bucket(bucketOutbox)

	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate outbox sequence: %w", err)
	}
	op.Seq = seq

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal pending op: %w", err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	if err := bucket.Put(key, data); err != nil {
		return fmt.Errorf("failed to enqueue pending op: %w", err)
	}

	return nil
}
