package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/client/storage"
	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/resolve"
	"github.com/driftlab/driftsync/pkg/api"
)

// fakeStore in-memory реализация Store для тестов
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Row
	cursor  uint64
	applyFn func(remote *models.Row) (resolve.Outcome, error)

	applied []string
	saved   []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.Row)}
}

func (s *fakeStore) ApplyRemote(ctx context.Context, remote *models.Row) (resolve.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applied = append(s.applied, remote.Table+"/"+remote.PK)
	if s.applyFn != nil {
		return s.applyFn(remote)
	}

	s.rows[remote.Table+"/"+remote.PK] = remote
	return resolve.RemoteWins, nil
}

func (s *fakeStore) GetRow(ctx context.Context, workspaceID, table, pk string) (*models.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[table+"/"+pk]
	if !ok {
		return nil, storage.ErrRowNotFound
	}
	return row, nil
}

func (s *fakeStore) GetCursor(ctx context.Context, workspaceID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *fakeStore) SaveCursor(ctx context.Context, workspaceID string, cursor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor < s.cursor {
		return storage.ErrCursorRegression
	}
	s.cursor = cursor
	s.saved = append(s.saved, cursor)
	return nil
}

// fakePuller отдает заранее подготовленные страницы и записывает запросы
type fakePuller struct {
	mu      sync.Mutex
	pages   []*api.PullResponse
	pullFn  func(cursor uint64) (*api.PullResponse, error)
	pulls   []uint64
	acks    []uint64
	ackErr  error
	pageIdx int
}

func (p *fakePuller) Pull(ctx context.Context, workspaceID string, cursor uint64, limit int) (*api.PullResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pulls = append(p.pulls, cursor)
	if p.pullFn != nil {
		return p.pullFn(cursor)
	}

	if p.pageIdx >= len(p.pages) {
		return &api.PullResponse{NextCursor: cursor}, nil
	}
	page := p.pages[p.pageIdx]
	p.pageIdx++
	return page, nil
}

func (p *fakePuller) UpdateCursor(ctx context.Context, req api.UpdateCursorRequest) (*api.UpdateCursorResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ackErr != nil {
		return nil, p.ackErr
	}
	p.acks = append(p.acks, req.Cursor)
	return &api.UpdateCursorResponse{Cursor: req.Cursor}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func change(table, pk string, version uint64, clock api.Clock) api.SyncChange {
	return api.SyncChange{
		Table:         table,
		PK:            pk,
		Operation:     api.OpPut,
		Payload:       map[string]interface{}{"title": pk},
		Clock:         clock,
		ServerVersion: version,
	}
}

func TestPull_EmptyBacklog(t *testing.T) {
	store := newFakeStore()
	puller := &fakePuller{pages: []*api.PullResponse{
		{NextCursor: 0, HasMore: false},
	}}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	result, err := m.Pull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Pages)
	assert.Zero(t, result.Applied)
	assert.Empty(t, puller.acks, "nothing to acknowledge on empty backlog")
	assert.Equal(t, StateIdle, m.State())
}

func TestPull_AppliesAndAdvancesCursor(t *testing.T) {
	store := newFakeStore()
	clk := api.Clock{Physical: 100, Logical: 0, DeviceID: "dev-b"}
	puller := &fakePuller{pages: []*api.PullResponse{
		{
			Changes:    []api.SyncChange{change("chats", "c1", 5, clk), change("chats", "c2", 7, clk)},
			NextCursor: 7,
			HasMore:    false,
		},
	}}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	result, err := m.Pull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, uint64(7), result.Cursor)
	assert.Equal(t, []uint64{7}, store.saved)
	assert.Equal(t, []uint64{7}, puller.acks, "server cursor acknowledged after drain")
}

func TestPull_ResumesFromHighestAppliedVersion(t *testing.T) {
	store := newFakeStore()
	clk := api.Clock{Physical: 100, Logical: 0, DeviceID: "dev-b"}
	puller := &fakePuller{pages: []*api.PullResponse{
		{
			Changes:    []api.SyncChange{change("chats", "c1", 3, clk), change("chats", "c2", 9, clk)},
			NextCursor: 9,
			HasMore:    true,
		},
		{
			Changes:    []api.SyncChange{change("chats", "c3", 12, clk)},
			NextCursor: 12,
			HasMore:    false,
		},
	}}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	result, err := m.Pull(context.Background())
	require.NoError(t, err)

	// Продолжение идет с максимальной примененной версии первой страницы,
	// а не с курсора, действовавшего до ее получения
	require.Len(t, puller.pulls, 2)
	assert.Equal(t, uint64(0), puller.pulls[0])
	assert.Equal(t, uint64(9), puller.pulls[1])
	assert.Equal(t, uint64(12), result.Cursor)
}

func TestPull_ProtocolViolationTerminatesLoop(t *testing.T) {
	store := newFakeStoreWithCursor(10)
	puller := &fakePuller{pages: []*api.PullResponse{
		{NextCursor: 10, HasMore: true},
	}}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	_, err := m.Pull(context.Background())
	require.ErrorIs(t, err, ErrProtocolViolation)

	assert.Len(t, puller.pulls, 1, "loop must not re-issue the same cursor")
	assert.Equal(t, StateIdle, m.State())
}

func newFakeStoreWithCursor(cursor uint64) *fakeStore {
	s := newFakeStore()
	s.cursor = cursor
	return s
}

func TestPull_TerminalPageEqualCursorIsLegal(t *testing.T) {
	store := newFakeStoreWithCursor(10)
	puller := &fakePuller{pages: []*api.PullResponse{
		{NextCursor: 10, HasMore: false},
	}}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	result, err := m.Pull(context.Background())
	require.NoError(t, err, "terminal page with unchanged cursor is not a violation")
	assert.Equal(t, uint64(10), result.Cursor)
}

func TestPull_CursorSavedOnlyAfterFullBatch(t *testing.T) {
	store := newFakeStore()
	applyErr := errors.New("disk full")
	calls := 0
	store.applyFn = func(remote *models.Row) (resolve.Outcome, error) {
		calls++
		if calls == 2 {
			return 0, applyErr
		}
		return resolve.RemoteWins, nil
	}

	clk := api.Clock{Physical: 100, Logical: 0, DeviceID: "dev-b"}
	puller := &fakePuller{pages: []*api.PullResponse{
		{
			Changes:    []api.SyncChange{change("chats", "c1", 3, clk), change("chats", "c2", 4, clk)},
			NextCursor: 4,
			HasMore:    false,
		},
	}}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	_, err := m.Pull(context.Background())
	require.ErrorIs(t, err, applyErr)

	// Падение посреди применения не двигает курсор: страница придет повторно
	assert.Empty(t, store.saved)
	assert.Zero(t, store.cursor)
}

func TestPull_LocalWinsEmitsConflict(t *testing.T) {
	store := newFakeStore()
	localClock := hlc.Clock{Physical: 500, Logical: 1, DeviceID: "dev-a"}
	store.rows["documents/doc-42"] = &models.Row{
		WorkspaceID: "ws-1",
		Table:       "documents",
		PK:          "doc-42",
		Clock:       localClock,
	}
	store.applyFn = func(remote *models.Row) (resolve.Outcome, error) {
		return resolve.LocalWins, nil
	}

	remoteClock := api.Clock{Physical: 100, Logical: 0, DeviceID: "dev-b"}
	puller := &fakePuller{pages: []*api.PullResponse{
		{
			Changes:    []api.SyncChange{change("documents", "doc-42", 3, remoteClock)},
			NextCursor: 3,
			HasMore:    false,
		},
	}}

	var events []models.ConflictEvent
	m := NewManager(store, puller, "ws-1", "dev-1", testLogger(),
		WithConflictFunc(func(e models.ConflictEvent) { events = append(events, e) }))

	result, err := m.Pull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Conflicts)
	require.Len(t, events, 1)
	assert.Equal(t, localClock, events[0].Winner)
	assert.Equal(t, "dev-b", events[0].Loser.DeviceID)
}

func TestPull_DuplicateIsNotConflict(t *testing.T) {
	store := newFakeStore()
	store.applyFn = func(remote *models.Row) (resolve.Outcome, error) {
		return resolve.Duplicate, nil
	}

	clk := api.Clock{Physical: 100, Logical: 0, DeviceID: "dev-b"}
	puller := &fakePuller{pages: []*api.PullResponse{
		{
			Changes:    []api.SyncChange{change("chats", "c1", 3, clk)},
			NextCursor: 3,
			HasMore:    false,
		},
	}}

	var events []models.ConflictEvent
	m := NewManager(store, puller, "ws-1", "dev-1", testLogger(),
		WithConflictFunc(func(e models.ConflictEvent) { events = append(events, e) }))

	result, err := m.Pull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Conflicts)
	assert.Empty(t, events, "redelivery of an identical clock is idempotent, not a conflict")
}

func TestPull_MaxPagesBoundsDrain(t *testing.T) {
	store := newFakeStore()
	puller := &fakePuller{}
	puller.pullFn = func(cursor uint64) (*api.PullResponse, error) {
		// Сервер всегда честно продвигает курсор и обещает продолжение
		return &api.PullResponse{NextCursor: cursor + 1, HasMore: true}, nil
	}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger(), WithMaxPages(3))

	result, err := m.Pull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Pages)
	assert.Len(t, puller.pulls, 3)
}

func TestPull_SingleFlight(t *testing.T) {
	store := newFakeStore()

	started := make(chan struct{})
	release := make(chan struct{})
	puller := &fakePuller{}
	puller.pullFn = func(cursor uint64) (*api.PullResponse, error) {
		close(started)
		<-release
		return &api.PullResponse{NextCursor: cursor}, nil
	}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := m.Pull(context.Background())
		done <- err
	}()

	<-started

	_, err := m.Pull(context.Background())
	assert.ErrorIs(t, err, ErrPullInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestPull_AckFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	clk := api.Clock{Physical: 100, Logical: 0, DeviceID: "dev-b"}
	puller := &fakePuller{
		ackErr: errors.New("connection reset"),
		pages: []*api.PullResponse{
			{
				Changes:    []api.SyncChange{change("chats", "c1", 5, clk)},
				NextCursor: 5,
				HasMore:    false,
			},
		},
	}

	m := NewManager(store, puller, "ws-1", "dev-1", testLogger())

	result, err := m.Pull(context.Background())
	require.NoError(t, err, "cursor acknowledgment is best effort")
	assert.Equal(t, uint64(5), result.Cursor)
	assert.Equal(t, uint64(5), store.cursor, "local cursor persisted regardless of ack")
}
