package boltdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/client/storage"
	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/resolve"
	"github.com/driftlab/driftsync/pkg/api"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "client.db")
	s, err := New(context.Background(), dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s, dbPath
}

func TestPutRow_WritesRowAndOutboxAtomically(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	fields := map[string]interface{}{"title": "Planning", "created_by": "user-1"}

	row, err := s.PutRow(ctx, "ws-1", "chats", "chat-42", fields)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, s.DeviceID(), row.Clock.DeviceID)

	// Строка читается обратно
	got, err := s.GetRow(ctx, "ws-1", "chats", "chat-42")
	require.NoError(t, err)
	assert.Equal(t, "Planning", got.Fields["title"])

	// Outbox-запись создана в той же транзакции
	ops, err := s.PendingOps(ctx, "ws-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpPut, ops[0].Operation)
	assert.Equal(t, "chat-42", ops[0].PK)
	assert.Equal(t, row.Clock, ops[0].Clock)
	assert.NotEmpty(t, ops[0].OpID)
}

// Коммит бизнес-записи без outbox-записи невозможен: обе живут в одной
// транзакции и переживают закрытие и повторное открытие базы.
func TestPutRow_OutboxSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "client.db")

	s, err := New(ctx, dbPath)
	require.NoError(t, err)

	_, err = s.PutRow(ctx, "ws-1", "chats", "chat-1", map[string]interface{}{"title": "a", "created_by": "u"})
	require.NoError(t, err)

	// Эмулируем падение процесса сразу после коммита
	require.NoError(t, s.Close())

	reopened, err := New(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := reopened.PendingOps(ctx, "ws-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1, "pending op must survive restart")

	row, err := reopened.GetRow(ctx, "ws-1", "chats", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, ops[0].Clock, row.Clock)
}

func TestDeleteRow(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.PutRow(ctx, "ws-1", "chats", "chat-1", map[string]interface{}{"title": "a", "created_by": "u"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRow(ctx, "ws-1", "chats", "chat-1"))

	// Удаленная строка не возвращается
	_, err = s.GetRow(ctx, "ws-1", "chats", "chat-1")
	assert.ErrorIs(t, err, storage.ErrRowNotFound)

	// В outbox две операции в порядке создания: put, затем delete без payload
	ops, err := s.PendingOps(ctx, "ws-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, models.OpPut, ops[0].Operation)
	assert.Equal(t, models.OpDelete, ops[1].Operation)
	assert.Nil(t, ops[1].Payload)
	assert.True(t, ops[1].Clock.After(ops[0].Clock), "delete clock must exceed put clock")
}

func TestDeleteRow_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)

	err := s.DeleteRow(context.Background(), "ws-1", "chats", "missing")
	assert.ErrorIs(t, err, storage.ErrRowNotFound)
}

func TestApplyRemote(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	local, err := s.PutRow(ctx, "ws-1", "documents", "doc-1", map[string]interface{}{"title": "local", "content": "x"})
	require.NoError(t, err)

	t.Run("remote older - local wins", func(t *testing.T) {
		remote := &models.Row{
			Table:       "documents",
			PK:          "doc-1",
			WorkspaceID: "ws-1",
			Fields:      map[string]interface{}{"title": "stale", "content": "y"},
			Clock:       hlc.Clock{Physical: 1, Logical: 0, DeviceID: "other"},
		}

		outcome, err := s.ApplyRemote(ctx, remote)
		require.NoError(t, err)
		assert.Equal(t, resolve.LocalWins, outcome)

		got, err := s.GetRow(ctx, "ws-1", "documents", "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "local", got.Fields["title"], "losing remote must not overwrite local")
	})

	t.Run("identical clock - duplicate", func(t *testing.T) {
		remote := &models.Row{
			Table:       "documents",
			PK:          "doc-1",
			WorkspaceID: "ws-1",
			Fields:      map[string]interface{}{"title": "replay", "content": "y"},
			Clock:       local.Clock,
		}

		outcome, err := s.ApplyRemote(ctx, remote)
		require.NoError(t, err)
		assert.Equal(t, resolve.Duplicate, outcome)
	})

	t.Run("remote newer - applied", func(t *testing.T) {
		remote := &models.Row{
			Table:       "documents",
			PK:          "doc-1",
			WorkspaceID: "ws-1",
			Fields:      map[string]interface{}{"title": "newer", "content": "z"},
			Clock:       hlc.Clock{Physical: local.Clock.Physical + 10_000, Logical: 0, DeviceID: "other"},
		}

		outcome, err := s.ApplyRemote(ctx, remote)
		require.NoError(t, err)
		assert.Equal(t, resolve.RemoteWins, outcome)

		got, err := s.GetRow(ctx, "ws-1", "documents", "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "newer", got.Fields["title"])

		// После применения локальные часы обязаны обгонять удаленную версию
		next := s.Clock().Now()
		assert.True(t, next.After(remote.Clock), "local clock must advance past applied remote clock")
	})

	t.Run("apply does not enqueue outbox ops", func(t *testing.T) {
		ops, err := s.PendingOps(ctx, "ws-1", 0)
		require.NoError(t, err)
		assert.Len(t, ops, 1, "only the original local put should be pending")
	})
}

func TestListRows(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.PutRow(ctx, "ws-1", "chats", "chat-1", map[string]interface{}{"title": "a", "created_by": "u"})
	require.NoError(t, err)
	_, err = s.PutRow(ctx, "ws-1", "chats", "chat-2", map[string]interface{}{"title": "b", "created_by": "u"})
	require.NoError(t, err)
	_, err = s.PutRow(ctx, "ws-2", "chats", "chat-3", map[string]interface{}{"title": "c", "created_by": "u"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteRow(ctx, "ws-1", "chats", "chat-2"))

	rows, err := s.ListRows(ctx, "ws-1", "chats")
	require.NoError(t, err)
	require.Len(t, rows, 1, "deleted rows and other workspaces are excluded")
	assert.Equal(t, "chat-1", rows[0].PK)
}

func TestOutbox_OrderAndLimit(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	for _, pk := range []string{"m-1", "m-2", "m-3"} {
		_, err := s.PutRow(ctx, "ws-1", "messages", pk, map[string]interface{}{
			"chat_id": "c", "author_id": "u", "body": "x", "sent_at": float64(1),
		})
		require.NoError(t, err)
	}

	ops, err := s.PendingOps(ctx, "ws-1", 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "m-1", ops[0].PK, "ops must drain in creation order")
	assert.Equal(t, "m-2", ops[1].PK)

	count, err := s.PendingCount(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestOutbox_MarkAttemptAndDelete(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.PutRow(ctx, "ws-1", "chats", "chat-1", map[string]interface{}{"title": "a", "created_by": "u"})
	require.NoError(t, err)

	ops, err := s.PendingOps(ctx, "ws-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	require.NoError(t, s.MarkAttempt(ctx, []uint64{ops[0].Seq}, api.ErrCodeUnavailable))

	ops, err = s.PendingOps(ctx, "ws-1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ops[0].Attempts)
	assert.Equal(t, api.ErrCodeUnavailable, ops[0].LastError)

	require.NoError(t, s.DeleteOps(ctx, []uint64{ops[0].Seq}))

	count, err := s.PendingCount(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCursor_Monotonic(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor, "fresh workspace starts at 0")

	require.NoError(t, s.SaveCursor(ctx, "ws-1", 10))
	require.NoError(t, s.SaveCursor(ctx, "ws-1", 10), "saving the same value is allowed")
	require.NoError(t, s.SaveCursor(ctx, "ws-1", 25))

	// Откат назад отклоняется
	err = s.SaveCursor(ctx, "ws-1", 24)
	assert.ErrorIs(t, err, storage.ErrCursorRegression)

	cursor, err = s.GetCursor(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(25), cursor)
}

func TestDeviceIDAndClock_StableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "client.db")

	s, err := New(ctx, dbPath)
	require.NoError(t, err)

	deviceID := s.DeviceID()
	require.NotEmpty(t, deviceID)

	row, err := s.PutRow(ctx, "ws-1", "chats", "chat-1", map[string]interface{}{"title": "a", "created_by": "u"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, deviceID, reopened.DeviceID(), "device id must be stable across restarts")

	// Часы восстановлены: новый timestamp строго позже последнего выданного
	next := reopened.Clock().Now()
	assert.True(t, next.After(row.Clock), "clock must not regress across restarts")
}
