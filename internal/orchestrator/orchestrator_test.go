package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jangji/backend/internal/localstore"
	"github.com/jangji/backend/internal/models"
	"github.com/jangji/backend/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSession struct {
	mu      sync.Mutex
	current Session
	changes chan Session
}

func newFakeSession(ownerID string) *fakeSession {
	return &fakeSession{
		current: Session{OwnerID: ownerID, Token: "tok-" + ownerID},
		changes: make(chan Session, 1),
	}
}

func (f *fakeSession) Current() (Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.current.OwnerID != ""
}

func (f *fakeSession) Changes() <-chan Session {
	return f.changes
}

func (f *fakeSession) set(s Session) {
	f.mu.Lock()
	f.current = s
	f.mu.Unlock()
	f.changes <- s
}

type fakeConn struct {
	online   atomic.Bool
	restored chan struct{}
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{restored: make(chan struct{}, 1)}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online() bool              { return c.online.Load() }
func (c *fakeConn) Restored() <-chan struct{} { return c.restored }

// fakeRemote behaves like the sync endpoint over an in-memory stored record
type fakeRemote struct {
	mu      sync.Mutex
	stored  map[string]*models.ProgressRecord
	calls   int
	tokens  []string
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		stored:  map[string]*models.ProgressRecord{},
		entered: make(chan struct{}, 16),
	}
}

func (f *fakeRemote) Sync(ctx context.Context, token string, record *models.ProgressRecord) (*models.ProgressRecord, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, token)
	gate, err := f.gate, f.err
	f.mu.Unlock()

	f.entered <- struct{}{}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	owner := token[len("tok-"):]
	d := reconcile.Resolve(record, f.stored[owner])
	if d.WriteRemote {
		f.stored[owner] = d.Winner.Clone()
	}
	return d.Winner.Clone(), nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func waitCall(t *testing.T, remote *fakeRemote) {
	t.Helper()
	select {
	case <-remote.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a remote sync call")
	}
}

type fixture struct {
	orch    *Orchestrator
	local   *localstore.MemoryStore
	remote  *fakeRemote
	session *fakeSession
	conn    *fakeConn
}

func newFixture(t *testing.T, logger *zap.Logger, policy reconcile.Policy) *fixture {
	t.Helper()
	f := &fixture{
		local:   localstore.NewMemoryStore(),
		remote:  newFakeRemote(),
		session: newFakeSession("owner-1"),
		conn:    newFakeConn(true),
	}
	f.orch = New(f.local, f.remote, f.session, f.conn, reconcile.NewResolver(policy), logger)
	f.orch.now = func() time.Time { return time.UnixMilli(1000) }
	return f
}

func rec(surah, ayah int, at int64, bookmarks ...models.Bookmark) *models.ProgressRecord {
	if bookmarks == nil {
		bookmarks = []models.Bookmark{}
	}
	return &models.ProgressRecord{OwnerID: "owner-1", LastSurah: surah, LastAyah: ayah, LastReadAt: at, Bookmarks: bookmarks}
}

func localRecord(t *testing.T, f *fixture) *models.ProgressRecord {
	t.Helper()
	r, err := f.local.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	return r
}

func TestOrchestrator_BackToBackTriggersMakeOneCall(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	f.remote.gate = make(chan struct{})
	ctx := context.Background()

	assert.True(t, f.orch.Trigger(ctx))
	assert.False(t, f.orch.Trigger(ctx))
	assert.Equal(t, StateSyncing, f.orch.State())

	waitCall(t, f.remote)
	assert.False(t, f.orch.Trigger(ctx))
	close(f.remote.gate)
	f.orch.Wait()

	assert.Equal(t, 1, f.remote.callCount())
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestOrchestrator_FailureReturnsToIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, zap.New(core), reconcile.PolicyLastWriteWins)
	require.NoError(t, f.local.Put(context.Background(), rec(2, 2, 20)))
	f.remote.stored["owner-1"] = rec(9, 9, 90)
	f.remote.setErr(errors.New("connection refused"))

	require.True(t, f.orch.Trigger(context.Background()))
	f.orch.Wait()

	assert.Equal(t, StateIdle, f.orch.State())
	assert.Equal(t, 1, logs.FilterMessage("Progress sync failed").Len())
	assert.Equal(t, rec(2, 2, 20), localRecord(t, f))

	// the next trigger retries
	f.remote.setErr(nil)
	require.True(t, f.orch.Trigger(context.Background()))
	f.orch.Wait()
	assert.Equal(t, rec(9, 9, 90), localRecord(t, f))
}

func TestOrchestrator_SyncOutcomes(t *testing.T) {
	tests := []struct {
		name           string
		local          *models.ProgressRecord
		stored         *models.ProgressRecord
		expectedLocal  *models.ProgressRecord
		expectedStored *models.ProgressRecord
	}{
		{
			name:           "new device adopts server record",
			local:          nil,
			stored:         rec(3, 7, 70),
			expectedLocal:  rec(3, 7, 70),
			expectedStored: rec(3, 7, 70),
		},
		{
			name:           "first sync pushes local record",
			local:          rec(1, 2, 30),
			stored:         nil,
			expectedLocal:  rec(1, 2, 30),
			expectedStored: rec(1, 2, 30),
		},
		{
			name:           "client wins",
			local:          rec(2, 10, 100),
			stored:         rec(1, 5, 50),
			expectedLocal:  rec(2, 10, 100),
			expectedStored: rec(2, 10, 100),
		},
		{
			name:           "server wins",
			local:          rec(1, 5, 50),
			stored:         rec(2, 10, 100),
			expectedLocal:  rec(2, 10, 100),
			expectedStored: rec(2, 10, 100),
		},
		{
			name: "nothing anywhere",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
			if tt.local != nil {
				require.NoError(t, f.local.Put(context.Background(), tt.local))
			}
			if tt.stored != nil {
				f.remote.stored["owner-1"] = tt.stored
			}

			require.NoError(t, f.orch.SyncNow(context.Background()))

			assert.Equal(t, tt.expectedLocal, localRecord(t, f))
			assert.Equal(t, tt.expectedStored, f.remote.stored["owner-1"])
			assert.Equal(t, []string{"tok-owner-1"}, f.remote.tokens)
		})
	}
}

func TestOrchestrator_LocalEditDuringSyncIsKept(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	ctx := context.Background()
	require.NoError(t, f.local.Put(ctx, rec(1, 1, 50)))
	f.remote.stored["owner-1"] = rec(2, 2, 100)
	f.remote.gate = make(chan struct{})

	require.True(t, f.orch.Trigger(ctx))
	waitCall(t, f.remote)

	// the trigger fired by this edit is dropped
	require.NoError(t, f.orch.UpdateProgress(ctx, 5, 5))
	close(f.remote.gate)
	f.orch.Wait()

	assert.Equal(t, 1, f.remote.callCount())
	assert.Equal(t, rec(5, 5, 1000), localRecord(t, f))

	// the next sync pushes it
	require.NoError(t, f.orch.SyncNow(ctx))
	assert.Equal(t, rec(5, 5, 1000), f.remote.stored["owner-1"])
}

func TestOrchestrator_MergePolicyKeepsBookmarks(t *testing.T) {
	f := newFixture(t, zap.NewNop(), reconcile.PolicyMergeBookmarks)
	ctx := context.Background()
	older := models.Bookmark{Surah: 1, Ayah: 1, Timestamp: 40}
	newer := models.Bookmark{Surah: 2, Ayah: 2, Timestamp: 90}
	require.NoError(t, f.local.Put(ctx, rec(1, 1, 50, older)))
	f.remote.stored["owner-1"] = rec(2, 2, 100, newer)

	require.NoError(t, f.orch.SyncNow(ctx))

	assert.Equal(t, rec(2, 2, 100, newer, older), localRecord(t, f))
}

func TestOrchestrator_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	f.remote.stored["owner-2"] = &models.ProgressRecord{OwnerID: "owner-2", LastSurah: 4, LastAyah: 4, LastReadAt: 4, Bookmarks: []models.Bookmark{}}
	idle := func() bool { return f.orch.State() == StateIdle }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	// load
	waitCall(t, f.remote)
	require.Eventually(t, idle, time.Second, 5*time.Millisecond)

	// session change to another owner
	f.session.set(Session{OwnerID: "owner-2", Token: "tok-owner-2"})
	waitCall(t, f.remote)
	require.Eventually(t, idle, time.Second, 5*time.Millisecond)
	r, err := f.local.Get(context.Background(), "owner-2")
	require.NoError(t, err)
	assert.Equal(t, f.remote.stored["owner-2"], r)

	// back online
	f.conn.restored <- struct{}{}
	waitCall(t, f.remote)
	require.Eventually(t, idle, time.Second, 5*time.Millisecond)

	// same owner again and sign-out do not sync
	f.session.set(Session{OwnerID: "owner-2", Token: "tok-owner-2"})
	f.session.set(Session{})
	assert.Never(t, func() bool { return f.remote.callCount() > 3 }, 100*time.Millisecond, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"tok-owner-1", "tok-owner-2", "tok-owner-2"}, f.remote.tokens)
}

func TestOrchestrator_LocalEditAfterRunReturnsStillSyncs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	waitCall(t, f.remote)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	require.NoError(t, f.orch.UpdateProgress(context.Background(), 18, 1))
	f.orch.Wait()

	assert.Equal(t, 2, f.remote.callCount())
	assert.Equal(t, rec(18, 1, 1000), f.remote.stored["owner-1"])
}

func TestOrchestrator_TriggerRefusedWhileStopping(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	f.orch.lifeMu.Lock()
	f.orch.stopping = true
	f.orch.lifeMu.Unlock()

	assert.False(t, f.orch.Trigger(context.Background()))
	f.orch.LocalProgressChanged()
	f.orch.Wait()
	assert.Equal(t, StateIdle, f.orch.State())
	assert.Equal(t, 0, f.remote.callCount())

	f.orch.shutdown()
	assert.True(t, f.orch.Trigger(context.Background()))
	f.orch.Wait()
	assert.Equal(t, 1, f.remote.callCount())
}

func TestOrchestrator_LocalChangeTriggersOnlyWhenOnline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	f.conn.online.Store(false)
	ctx := context.Background()

	require.NoError(t, f.orch.UpdateProgress(ctx, 18, 10))
	f.orch.Wait()
	assert.Equal(t, 0, f.remote.callCount())
	assert.Equal(t, rec(18, 10, 1000), localRecord(t, f))

	f.conn.online.Store(true)
	require.NoError(t, f.orch.UpdateProgress(ctx, 18, 11))
	f.orch.Wait()
	assert.Equal(t, 1, f.remote.callCount())
	assert.Equal(t, rec(18, 11, 1001), f.remote.stored["owner-1"])
}

func TestOrchestrator_SyncNowErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	ctx := context.Background()

	f.remote.gate = make(chan struct{})
	require.True(t, f.orch.Trigger(ctx))
	assert.ErrorIs(t, f.orch.SyncNow(ctx), ErrSyncInFlight)
	close(f.remote.gate)
	f.orch.Wait()

	f.remote.setErr(errors.New("boom"))
	assert.Error(t, f.orch.SyncNow(ctx))
	assert.Equal(t, StateIdle, f.orch.State())

	f.session.current = Session{}
	assert.ErrorIs(t, f.orch.SyncNow(ctx), ErrNoSession)
}

func TestOrchestrator_ToggleBookmark(t *testing.T) {
	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	f.conn.online.Store(false)
	ctx := context.Background()
	require.NoError(t, f.local.Put(ctx, rec(36, 1, 10)))

	added, err := f.orch.ToggleBookmark(ctx, 36, 12)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, rec(36, 1, 1000, models.Bookmark{Surah: 36, Ayah: 12, Timestamp: 1000}), localRecord(t, f))

	// frozen clock: lastReadAt still moves forward
	added, err = f.orch.ToggleBookmark(ctx, 36, 12)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, rec(36, 1, 1001), localRecord(t, f))
}

func TestOrchestrator_UpdateProgressErrors(t *testing.T) {
	f := newFixture(t, zap.NewNop(), reconcile.PolicyLastWriteWins)
	ctx := context.Background()
	require.NoError(t, f.local.Put(ctx, rec(1, 1, 10)))

	assert.ErrorIs(t, f.orch.UpdateProgress(ctx, 115, 1), models.ErrInvalidRecord)
	assert.ErrorIs(t, f.orch.UpdateProgress(ctx, 1, 0), models.ErrInvalidRecord)
	assert.Equal(t, rec(1, 1, 10), localRecord(t, f))

	f.session.current = Session{}
	assert.ErrorIs(t, f.orch.UpdateProgress(ctx, 2, 2), ErrNoSession)
	assert.Equal(t, 0, f.remote.callCount())
}
