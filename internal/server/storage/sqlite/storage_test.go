package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/server/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func opEntry(opID, table, pk string, clock hlc.Clock) *models.ChangeLogEntry {
	return &models.ChangeLogEntry{
		WorkspaceID: "ws-1",
		Table:       table,
		PK:          pk,
		OpID:        opID,
		DeviceID:    clock.DeviceID,
		Operation:   models.OpPut,
		Payload:     map[string]interface{}{"title": pk},
		Clock:       clock,
	}
}

func TestApplyOp_AssignsSequentialVersions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock := hlc.Clock{Physical: uint64(100 + i), DeviceID: "dev-a"}
		result, err := s.ApplyOp(ctx, opEntry(fmt.Sprintf("op-%d", i), "chats", fmt.Sprintf("c%d", i), clock))
		require.NoError(t, err)

		assert.Equal(t, uint64(i), result.ServerVersion)
		assert.False(t, result.Duplicate)
		assert.False(t, result.Conflict)
	}

	version, err := s.CurrentVersion(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
}

func TestApplyOp_VersionsIsolatedPerWorkspace(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first, err := s.ApplyOp(ctx, opEntry("op-a", "chats", "c1", hlc.Clock{Physical: 100, DeviceID: "dev-a"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ServerVersion)

	other := opEntry("op-b", "chats", "c1", hlc.Clock{Physical: 100, DeviceID: "dev-a"})
	other.WorkspaceID = "ws-2"
	second, err := s.ApplyOp(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.ServerVersion, "each workspace has its own version sequence")
}

func TestApplyOp_IdempotentReplay(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	entry := opEntry("op-1", "chats", "c1", hlc.Clock{Physical: 100, DeviceID: "dev-a"})

	first, err := s.ApplyOp(ctx, entry)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// Ретрай клиента после потерянного ответа
	second, err := s.ApplyOp(ctx, entry)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ServerVersion, second.ServerVersion)

	changes, err := s.ListChanges(ctx, "ws-1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, changes, 1, "replay must not create a second change log entry")
}

func TestApplyOp_NewerClockWins(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.ApplyOp(ctx, opEntry("op-1", "documents", "d1", hlc.Clock{Physical: 100, DeviceID: "dev-a"}))
	require.NoError(t, err)

	newer := opEntry("op-2", "documents", "d1", hlc.Clock{Physical: 200, DeviceID: "dev-b"})
	newer.Payload = map[string]interface{}{"title": "newer"}

	result, err := s.ApplyOp(ctx, newer)
	require.NoError(t, err)
	assert.False(t, result.Conflict)

	changes, err := s.ListChanges(ctx, "ws-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "newer", changes[1].Payload["title"])
}

func TestApplyOp_StaleClockLosesWithConflict(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	winner := hlc.Clock{Physical: 200, DeviceID: "dev-b"}
	_, err := s.ApplyOp(ctx, opEntry("op-1", "documents", "d1", winner))
	require.NoError(t, err)

	stale := opEntry("op-2", "documents", "d1", hlc.Clock{Physical: 100, DeviceID: "dev-a"})
	result, err := s.ApplyOp(ctx, stale)
	require.NoError(t, err)

	assert.True(t, result.Conflict)
	assert.Equal(t, winner, result.Winner)

	// Проигравшая операция не попадает в pull: состояния она не меняла
	changes, err := s.ListChanges(ctx, "ws-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "op-1", changes[0].OpID)

	// Но ее повтор остается идемпотентным
	replay, err := s.ApplyOp(ctx, stale)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.True(t, replay.Conflict)
	assert.Equal(t, winner, replay.Winner)
}

func TestApplyOp_EqualClockTieBreaksByDevice(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	// Устройство с большим идентификатором побеждает независимо
	// от порядка прибытия
	_, err := s.ApplyOp(ctx, opEntry("op-b", "documents", "d1", hlc.Clock{Physical: 100, DeviceID: "dev-b"}))
	require.NoError(t, err)

	result, err := s.ApplyOp(ctx, opEntry("op-a", "documents", "d1", hlc.Clock{Physical: 100, DeviceID: "dev-a"}))
	require.NoError(t, err)

	assert.True(t, result.Conflict, "lexicographically smaller device id loses the tie-break")
	assert.Equal(t, "dev-b", result.Winner.DeviceID)
}

func TestApplyOp_EqualClockSameDeviceIsDuplicate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	clock := hlc.Clock{Physical: 100, DeviceID: "dev-a"}
	_, err := s.ApplyOp(ctx, opEntry("op-1", "documents", "d1", clock))
	require.NoError(t, err)

	// Та же мутация пришла повторно под другим op_id
	result, err := s.ApplyOp(ctx, opEntry("op-2", "documents", "d1", clock))
	require.NoError(t, err)
	assert.False(t, result.Conflict, "identical clocks are idempotent redelivery, not a conflict")
}

func TestApplyOp_RejectsUnknownOperation(t *testing.T) {
	s := newTestStorage(t)

	entry := opEntry("op-1", "chats", "c1", hlc.Clock{Physical: 100, DeviceID: "dev-a"})
	entry.Operation = "truncate"

	_, err := s.ApplyOp(context.Background(), entry)
	assert.ErrorIs(t, err, storage.ErrUnknownOperation)
}

func TestApplyOp_DeleteProducesTombstone(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.ApplyOp(ctx, opEntry("op-1", "chats", "c1", hlc.Clock{Physical: 100, DeviceID: "dev-a"}))
	require.NoError(t, err)

	del := opEntry("op-2", "chats", "c1", hlc.Clock{Physical: 200, DeviceID: "dev-a"})
	del.Operation = models.OpDelete
	del.Payload = nil

	result, err := s.ApplyOp(ctx, del)
	require.NoError(t, err)
	assert.False(t, result.Conflict)

	// Надгробие защищает от воскрешения более старым put
	stale := opEntry("op-3", "chats", "c1", hlc.Clock{Physical: 150, DeviceID: "dev-b"})
	late, err := s.ApplyOp(ctx, stale)
	require.NoError(t, err)
	assert.True(t, late.Conflict, "a put older than the tombstone must lose")
}

func TestListChanges_Pagination(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		clock := hlc.Clock{Physical: uint64(100 + i), DeviceID: "dev-a"}
		_, err := s.ApplyOp(ctx, opEntry(fmt.Sprintf("op-%d", i), "chats", fmt.Sprintf("c%d", i), clock))
		require.NoError(t, err)
	}

	page, err := s.ListChanges(ctx, "ws-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].ServerVersion)
	assert.Equal(t, uint64(2), page[1].ServerVersion)

	page, err = s.ListChanges(ctx, "ws-1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(3), page[0].ServerVersion)
}

func TestSaveCursor_Monotonic(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	cursor := &models.DeviceCursor{
		WorkspaceID: "ws-1",
		DeviceID:    "dev-a",
		Cursor:      10,
		UpdatedAt:   time.Now().UnixMilli(),
	}

	effective, err := s.SaveCursor(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), effective)

	// Откат назад не принимается, возвращается действующее значение
	cursor.Cursor = 5
	effective, err = s.SaveCursor(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), effective)

	cursor.Cursor = 20
	effective, err = s.SaveCursor(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), effective)

	saved, err := s.GetCursor(ctx, "ws-1", "dev-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), saved.Cursor)
}

func TestSaveCursor_EqualValueRefreshesLiveness(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	stale := time.Now().Add(-48 * time.Hour).UnixMilli()
	saveCursorAt(t, s, "dev-slow", 5, stale)
	saveCursorAt(t, s, "dev-fast", 100, time.Now().UnixMilli())

	// Ack без продвижения: workspace тихий, устройство на месте
	fresh := time.Now().UnixMilli()
	effective, err := s.SaveCursor(ctx, &models.DeviceCursor{
		WorkspaceID: "ws-1",
		DeviceID:    "dev-slow",
		Cursor:      5,
		UpdatedAt:   fresh,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), effective)

	saved, err := s.GetCursor(ctx, "ws-1", "dev-slow")
	require.NoError(t, err)
	assert.Equal(t, fresh, saved.UpdatedAt, "an ack with an unchanged cursor still refreshes updated_at")

	// Живой медленный курсор продолжает держать floor
	floor, err := s.RetentionFloor(ctx, "ws-1", 2, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), floor, "floor follows the slow but live device, not the fast one")
}

func TestGetCursor_NotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetCursor(context.Background(), "ws-1", "ghost")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
}

func TestMembers_Lifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	member := &models.WorkspaceMember{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Role:        models.RoleAdmin,
		AddedAt:     time.Now().UnixMilli(),
	}

	require.NoError(t, s.AddMember(ctx, member))
	assert.ErrorIs(t, s.AddMember(ctx, member), storage.ErrMemberAlreadyExists)

	got, err := s.GetMember(ctx, "ws-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, got.Role)

	// Членство проверяется по конкретному workspace из запроса
	_, err = s.GetMember(ctx, "ws-other", "user-1")
	assert.ErrorIs(t, err, storage.ErrMemberNotFound)

	require.NoError(t, s.RemoveMember(ctx, "ws-1", "user-1"))
	assert.ErrorIs(t, s.RemoveMember(ctx, "ws-1", "user-1"), storage.ErrMemberNotFound)
}

func seedChangeLog(t *testing.T, s *Storage, n int) {
	t.Helper()
	ctx := context.Background()

	for i := 1; i <= n; i++ {
		clock := hlc.Clock{Physical: uint64(100 + i), DeviceID: "dev-a"}
		_, err := s.ApplyOp(ctx, opEntry(fmt.Sprintf("op-%d", i), "chats", fmt.Sprintf("c%d", i), clock))
		require.NoError(t, err)
	}
}

func saveCursorAt(t *testing.T, s *Storage, deviceID string, cursor uint64, updatedAt int64) {
	t.Helper()

	_, err := s.SaveCursor(context.Background(), &models.DeviceCursor{
		WorkspaceID: "ws-1",
		DeviceID:    deviceID,
		Cursor:      cursor,
		UpdatedAt:   updatedAt,
	})
	require.NoError(t, err)
}

func TestRetentionFloor(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// Без курсоров удалять нечего
	floor, err := s.RetentionFloor(ctx, "ws-1", 5, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, floor)

	saveCursorAt(t, s, "dev-a", 50, now)
	saveCursorAt(t, s, "dev-b", 30, now)

	floor, err = s.RetentionFloor(ctx, "ws-1", 5, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), floor, "floor is min(cursors) minus retention window")

	// Заброшенный курсор не держит floor
	stale := time.Now().Add(-48 * time.Hour).UnixMilli()
	saveCursorAt(t, s, "dev-zombie", 1, stale)

	floor, err = s.RetentionFloor(ctx, "ws-1", 5, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), floor, "expired cursors are excluded from the minimum")

	// Слишком низкий минимум означает, что удалять пока нечего
	floor, err = s.RetentionFloor(ctx, "ws-1", 100, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, floor)
}

func TestPruneBatch_BoundedAndResumable(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	seedChangeLog(t, s, 10)

	// Удалению подлежат версии 1..7 (floor = 8), батчами по 3
	result, err := s.PruneBatch(ctx, "ws-1", 8, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Deleted)
	require.NotZero(t, result.NextCursor, "a full batch signals remaining work")

	result, err = s.PruneBatch(ctx, "ws-1", 8, result.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Deleted)
	require.NotZero(t, result.NextCursor)

	result, err = s.PruneBatch(ctx, "ws-1", 8, result.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	// Версии выше floor не тронуты
	changes, err := s.ListChanges(ctx, "ws-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, uint64(8), changes[0].ServerVersion)
}

func TestPruneBatch_RemovesTombstonesBelowFloor(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.ApplyOp(ctx, opEntry("op-1", "chats", "c1", hlc.Clock{Physical: 100, DeviceID: "dev-a"}))
	require.NoError(t, err)

	del := opEntry("op-2", "chats", "c1", hlc.Clock{Physical: 200, DeviceID: "dev-a"})
	del.Operation = models.OpDelete
	del.Payload = nil
	_, err = s.ApplyOp(ctx, del)
	require.NoError(t, err)

	_, err = s.ApplyOp(ctx, opEntry("op-3", "chats", "c2", hlc.Clock{Physical: 300, DeviceID: "dev-a"}))
	require.NoError(t, err)

	// Floor выше версии надгробия: обе старые записи лога и надгробие уходят
	result, err := s.PruneBatch(ctx, "ws-1", 3, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Deleted, "two log entries plus one tombstone")
	assert.Zero(t, result.NextCursor)
}
