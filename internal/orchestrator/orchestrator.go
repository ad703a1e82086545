// Package orchestrator keeps the device's local progress in sync with the server.
//
// At most one sync runs at a time. A trigger that arrives while a sync is in flight
// is dropped; the next trigger after it finishes picks up whatever changed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jangji/backend/internal/localstore"
	"github.com/jangji/backend/internal/models"
	"github.com/jangji/backend/internal/reconcile"
	"go.uber.org/zap"
)

var (
	// ErrSyncInFlight is returned by SyncNow when another sync is running
	ErrSyncInFlight = errors.New("sync already in progress")
	// ErrNoSession is returned when no owner is signed in
	ErrNoSession = errors.New("no active session")
)

// State of the orchestrator
type State int32

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "syncing"
	}
	return "idle"
}

// Session identifies the signed-in owner. An empty OwnerID means signed out.
type Session struct {
	OwnerID string
	Token   string
}

// SessionProvider exposes the current session and its changes
type SessionProvider interface {
	Current() (Session, bool)
	// Changes may return nil when the session never changes
	Changes() <-chan Session
}

// Connectivity reports network reachability of the server
type Connectivity interface {
	Online() bool
	// Restored receives a value on every offline to online transition
	Restored() <-chan struct{}
}

// RemoteSyncer posts the local record and returns the authoritative one
type RemoteSyncer interface {
	Sync(ctx context.Context, token string, record *models.ProgressRecord) (*models.ProgressRecord, error)
}

// Orchestrator runs syncs on session changes, reconnects and local edits
type Orchestrator struct {
	local    localstore.Store
	remote   RemoteSyncer
	session  SessionProvider
	conn     Connectivity
	resolver *reconcile.Resolver
	logger   *zap.Logger
	now      func() time.Time

	state atomic.Int32
	wg    sync.WaitGroup

	// localMu serializes local edits with the apply phase of a sync
	localMu sync.Mutex

	// lifeMu guards baseCtx and stopping. Background syncs are only started
	// under it, so none can start while Run waits for the in-flight one.
	lifeMu   sync.Mutex
	baseCtx  context.Context
	stopping bool
}

// New creates an idle orchestrator
func New(local localstore.Store, remote RemoteSyncer, session SessionProvider, conn Connectivity, resolver *reconcile.Resolver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		local:    local,
		remote:   remote,
		session:  session,
		conn:     conn,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		baseCtx:  context.Background(),
	}
}

// State returns the current state
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Wait blocks until the in-flight background sync, if any, has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run triggers an initial sync and then reacts to session and connectivity
// events until ctx is done. It waits for the in-flight sync before returning,
// after which local edits sync in the background context again.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.lifeMu.Lock()
	o.baseCtx = ctx
	o.lifeMu.Unlock()

	changes := o.session.Changes()
	restored := o.conn.Restored()

	lastOwner := ""
	if s, ok := o.session.Current(); ok {
		lastOwner = s.OwnerID
	}
	o.Trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case s, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if s.OwnerID != "" && s.OwnerID != lastOwner {
				o.logger.Info("Session changed, syncing progress", zap.String("owner_id", s.OwnerID))
				o.Trigger(ctx)
			}
			lastOwner = s.OwnerID
		case <-restored:
			o.logger.Info("Connectivity restored, syncing progress")
			o.Trigger(ctx)
		}
	}
}

// Trigger starts a background sync unless one is already running.
// It reports whether a sync was started.
func (o *Orchestrator) Trigger(ctx context.Context) bool {
	o.lifeMu.Lock()
	if o.stopping {
		o.lifeMu.Unlock()
		o.logger.Debug("Orchestrator stopping, trigger dropped")
		return false
	}
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		o.lifeMu.Unlock()
		o.logger.Debug("Sync already in flight, trigger dropped")
		return false
	}
	o.wg.Add(1)
	o.lifeMu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.state.Store(int32(StateIdle))

		if err := o.syncOnce(ctx); err != nil {
			if errors.Is(err, ErrNoSession) {
				o.logger.Debug("Skipping sync without session")
				return
			}
			o.logger.Warn("Progress sync failed", zap.Error(err))
		}
	}()
	return true
}

// LocalProgressChanged triggers a sync when the server is reachable
func (o *Orchestrator) LocalProgressChanged() {
	if !o.conn.Online() {
		return
	}
	o.Trigger(o.context())
}

// SyncNow runs one sync in the caller's goroutine and returns its error
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		return ErrSyncInFlight
	}
	defer o.state.Store(int32(StateIdle))

	return o.syncOnce(ctx)
}

// UpdateProgress records the reading position locally and schedules a sync
func (o *Orchestrator) UpdateProgress(ctx context.Context, surah, ayah int) error {
	err := o.editLocal(ctx, func(record *models.ProgressRecord, now int64) {
		record.LastSurah = surah
		record.LastAyah = ayah
		record.LastReadAt = now
	})
	if err != nil {
		return err
	}

	o.LocalProgressChanged()
	return nil
}

// ToggleBookmark adds a bookmark on the verse or removes the existing one.
// It reports whether the bookmark was added.
func (o *Orchestrator) ToggleBookmark(ctx context.Context, surah, ayah int) (bool, error) {
	added := false
	err := o.editLocal(ctx, func(record *models.ProgressRecord, now int64) {
		idx := slices.IndexFunc(record.Bookmarks, func(b models.Bookmark) bool {
			return b.Surah == surah && b.Ayah == ayah
		})
		if idx >= 0 {
			record.Bookmarks = slices.Delete(record.Bookmarks, idx, idx+1)
		} else {
			record.Bookmarks = append(record.Bookmarks, models.Bookmark{Surah: surah, Ayah: ayah, Timestamp: now})
			added = true
		}
		record.LastReadAt = now
	})
	if err != nil {
		return false, err
	}

	o.LocalProgressChanged()
	return added, nil
}

// editLocal applies edit to the owner's local record under the local mutex.
// A device without a record starts at the first verse.
func (o *Orchestrator) editLocal(ctx context.Context, edit func(record *models.ProgressRecord, now int64)) error {
	s, ok := o.session.Current()
	if !ok || s.OwnerID == "" {
		return ErrNoSession
	}

	o.localMu.Lock()
	defer o.localMu.Unlock()

	record, err := o.local.Get(ctx, s.OwnerID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &models.ProgressRecord{
			LastSurah: models.MinSurah,
			LastAyah:  1,
			Bookmarks: []models.Bookmark{},
		}
	}
	record.OwnerID = s.OwnerID

	// lastReadAt must move forward even when the wall clock does not
	now := o.now().UnixMilli()
	if now <= record.LastReadAt {
		now = record.LastReadAt + 1
	}
	edit(record, now)

	if err := record.Validate(); err != nil {
		return err
	}
	return o.local.Put(ctx, record)
}

// syncOnce pushes the local record and applies the authoritative one.
// The stores are left untouched on any error.
func (o *Orchestrator) syncOnce(ctx context.Context) error {
	s, ok := o.session.Current()
	if !ok || s.OwnerID == "" {
		return ErrNoSession
	}

	local, err := o.local.Get(ctx, s.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to read local progress: %w", err)
	}

	returned, err := o.remote.Sync(ctx, s.Token, local)
	if err != nil {
		return fmt.Errorf("failed to sync with server: %w", err)
	}

	o.localMu.Lock()
	defer o.localMu.Unlock()

	// Local may have moved on while the request was in flight
	current, err := o.local.Get(ctx, s.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to read local progress: %w", err)
	}

	decision := o.resolver.Resolve(current, returned)
	if decision.WriteLocal {
		winner := decision.Winner.Clone()
		winner.OwnerID = s.OwnerID
		if err := o.local.Put(ctx, winner); err != nil {
			return fmt.Errorf("failed to write local progress: %w", err)
		}
	}

	o.logger.Debug("Progress synced",
		zap.String("owner_id", s.OwnerID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Bool("write_local", decision.WriteLocal),
	)
	return nil
}

// shutdown refuses new triggers, waits for the in-flight sync and then
// detaches from the cancelled Run context
func (o *Orchestrator) shutdown() {
	o.lifeMu.Lock()
	o.stopping = true
	o.lifeMu.Unlock()

	o.wg.Wait()

	o.lifeMu.Lock()
	o.stopping = false
	o.baseCtx = context.Background()
	o.lifeMu.Unlock()
}

func (o *Orchestrator) context() context.Context {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.baseCtx
}
