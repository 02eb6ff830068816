// Package syncer orchestrates synchronization of queued offline operations
// with the remote maintenance platform: periodic passes, connectivity
// handling, bulk submission and outcome reconciliation, and status fan-out
// to subscribers.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/heliosmaint/fieldsync/internal/api"
	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/logging"
	"github.com/heliosmaint/fieldsync/internal/models"
)

// Store is the durable local store surface the manager depends on.
type Store interface {
	PendingOperations(ctx context.Context, ceiling int) ([]*models.OfflineOperation, error)
	PendingCount(ctx context.Context, ceiling int) (int, error)
	FailedCount(ctx context.Context, ceiling int) (int, error)
	MarkOperationSynced(ctx context.Context, id int64) error
	IncrementRetryCount(ctx context.Context, id int64, errMsg string) error
	SetSubmissionStatus(ctx context.Context, offlineUUID models.UUID, status models.SyncState) error
}

// BackgroundRegistrar is an optional platform facility that schedules a sync
// attempt even when the application itself is not running.
type BackgroundRegistrar interface {
	RegisterSync(tag string) error
}

// Result summarizes one sync pass.
type Result struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
}

// Config holds manager configuration.
type Config struct {
	EngineerID   int64
	RetryCeiling int
	// DeviceInfo is called once per pass to describe the submitting device.
	DeviceInfo func() *models.DeviceInfo
	// Registrar may be nil; RequestBackgroundSync is then a no-op.
	Registrar BackgroundRegistrar
	Logger    *logging.Logger
}

// Manager coordinates sync passes over the outbox. All mutable state is
// instance state behind the mutex; the single-flight guarantee holds per
// manager instance.
type Manager struct {
	store        Store
	client       api.Client
	engineerID   int64
	retryCeiling int
	deviceInfo   func() *models.DeviceInfo
	registrar    BackgroundRegistrar
	log          *logging.Logger

	mu           sync.RWMutex
	isSyncing    bool
	isOnline     bool
	lastSync     *time.Time
	autoCtx      context.Context
	autoCancel   context.CancelFunc
	wg           sync.WaitGroup
	listeners    map[int]Listener
	nextListener int
}

// NewManager creates a Manager. The manager starts offline; connectivity is
// reported through SetOnline.
func NewManager(store Store, client api.Client, cfg Config) *Manager {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = models.DefaultRetryCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	return &Manager{
		store:        store,
		client:       client,
		engineerID:   cfg.EngineerID,
		retryCeiling: cfg.RetryCeiling,
		deviceInfo:   cfg.DeviceInfo,
		registrar:    cfg.Registrar,
		log:          cfg.Logger,
		listeners:    make(map[int]Listener),
	}
}

// StartAutoSync arms the periodic sync timer, cancelling any previous one,
// and performs an immediate opportunistic pass when online. Safe to call
// repeatedly.
func (m *Manager) StartAutoSync(ctx context.Context, interval time.Duration) {
	m.StopAutoSync()

	// Adds happen while the mutex shows the timer armed, so StopAutoSync
	// cannot observe a drained WaitGroup and then race a late Add.
	m.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	m.autoCtx = runCtx
	m.autoCancel = cancel
	online := m.isOnline
	m.wg.Add(1)
	if online {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if online {
		go func() {
			defer m.wg.Done()
			m.syncQuietly(runCtx, "startup")
		}()
	}

	go m.autoSyncLoop(runCtx, interval)

	m.log.Info("auto-sync started", map[string]interface{}{"interval": interval.String()})
}

// StopAutoSync cancels the periodic timer. An in-flight pass completes.
func (m *Manager) StopAutoSync() {
	m.mu.Lock()
	cancel := m.autoCancel
	m.autoCancel = nil
	m.autoCtx = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.log.Info("auto-sync stopped")
}

// autoSyncLoop attempts a pass on every tick while online.
func (m *Manager) autoSyncLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			skip := !m.isOnline || m.isSyncing
			m.mu.RUnlock()
			if skip {
				continue
			}
			m.syncQuietly(ctx, "timer")
		}
	}
}

// syncQuietly runs a pass and logs instead of propagating errors; used by
// the passive triggers (timer, connectivity) which have no caller to report
// to.
func (m *Manager) syncQuietly(ctx context.Context, trigger string) {
	if _, err := m.SyncPendingData(ctx); err != nil {
		m.log.Error("sync pass failed", err, map[string]interface{}{"trigger": trigger})
	}
}

// SyncPendingData performs one bulk sync pass: read the pending set, send it
// as a single request, reconcile per-operation outcomes by idempotency token.
// At most one pass is in flight per manager; a call during an active pass
// returns a zero Result and no error. The syncing flag is cleared and status
// re-published on every exit path.
func (m *Manager) SyncPendingData(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.isSyncing {
		m.mu.Unlock()
		return Result{}, nil
	}
	m.isSyncing = true
	m.mu.Unlock()

	m.publish(ctx)
	defer func() {
		m.mu.Lock()
		m.isSyncing = false
		m.mu.Unlock()
		m.publish(ctx)
	}()

	ops, err := m.store.PendingOperations(ctx, m.retryCeiling)
	if err != nil {
		return Result{}, err
	}
	if len(ops) == 0 {
		return Result{Success: true}, nil
	}

	req := &api.BulkSyncRequest{EngineerID: m.engineerID}
	if m.deviceInfo != nil {
		req.DeviceInfo = m.deviceInfo()
	}
	byToken := make(map[models.UUID]*models.OfflineOperation, len(ops))
	for _, op := range ops {
		req.Operations = append(req.Operations, api.BulkOperation{
			OperationType: op.OperationType,
			Payload:       op.Payload,
		})
		byToken[op.SyncUUID] = op
	}

	m.log.Info("sync pass started", map[string]interface{}{"operations": len(ops)})

	response, err := m.client.SyncOffline(ctx, req)
	if err != nil {
		// Pass-level failure: no retry bookkeeping, the operations stay
		// pending for the next pass.
		m.log.Error("bulk sync request failed", err, map[string]interface{}{"operations": len(ops)})
		return Result{}, err
	}

	// Counts report the raw response partition sizes; reconciliation below
	// only touches operations whose token is known locally.
	result := Result{
		Success: true,
		Synced:  len(response.Successful),
		Failed:  len(response.Failed),
	}
	for _, ack := range response.Successful {
		op, ok := byToken[ack.SyncUUID]
		if !ok {
			m.log.Warn("bulk response acknowledged unknown token", map[string]interface{}{"sync_uuid": ack.SyncUUID.String()})
			continue
		}
		if err := m.store.MarkOperationSynced(ctx, op.ID); err != nil {
			return Result{}, err
		}
		if op.OperationType == models.OpFormSubmission {
			if err := m.store.SetSubmissionStatus(ctx, op.SyncUUID, models.SyncStateSynced); err != nil {
				return Result{}, err
			}
		}
	}
	for _, rejection := range response.Failed {
		op, ok := byToken[rejection.SyncUUID]
		if !ok {
			m.log.Warn("bulk response rejected unknown token", map[string]interface{}{"sync_uuid": rejection.SyncUUID.String()})
			continue
		}
		if err := m.store.IncrementRetryCount(ctx, op.ID, rejection.Error); err != nil {
			return Result{}, err
		}
		if op.OperationType == models.OpFormSubmission {
			if err := m.store.SetSubmissionStatus(ctx, op.SyncUUID, models.SyncStateFailed); err != nil {
				return Result{}, err
			}
		}
	}

	now := time.Now()
	m.mu.Lock()
	m.lastSync = &now
	m.mu.Unlock()

	m.log.Info("sync pass finished", map[string]interface{}{
		"synced": result.Synced,
		"failed": result.Failed,
	})
	return result, nil
}

// ForceSync fails fast with OFFLINE when the client has no connectivity,
// otherwise runs a normal pass.
func (m *Manager) ForceSync(ctx context.Context) (Result, error) {
	m.mu.RLock()
	online := m.isOnline
	m.mu.RUnlock()

	if !online {
		return Result{}, errors.New(errors.ErrOffline, "client is offline")
	}
	return m.SyncPendingData(ctx)
}

// SetOnline records a connectivity change. An offline-to-online transition
// triggers an opportunistic pass when auto-sync is armed.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.isOnline
	m.isOnline = online
	transition := wasOnline != online
	autoCtx := m.autoCtx
	reconnect := transition && online && autoCtx != nil
	if reconnect {
		// While autoCtx is non-nil the loop goroutine is still counted, so
		// this Add cannot race a StopAutoSync already inside Wait.
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if !transition {
		return
	}

	m.log.Info("connectivity changed", map[string]interface{}{"online": online})
	m.publish(context.Background())

	if reconnect {
		go func() {
			defer m.wg.Done()
			m.syncQuietly(autoCtx, "reconnect")
		}()
	}
}

// Status recomputes the current sync status from the outbox and the
// manager's process flags. On a store failure the flags are still valid and
// returned alongside the error.
func (m *Manager) Status(ctx context.Context) (models.SyncStatus, error) {
	m.mu.RLock()
	status := models.SyncStatus{
		LastSync:  m.lastSync,
		IsOnline:  m.isOnline,
		IsSyncing: m.isSyncing,
	}
	m.mu.RUnlock()

	pending, err := m.store.PendingCount(ctx, m.retryCeiling)
	if err != nil {
		return status, err
	}
	status.Pending = pending

	failed, err := m.store.FailedCount(ctx, m.retryCeiling)
	if err != nil {
		return status, err
	}
	status.Failed = failed
	return status, nil
}

// RequestBackgroundSync registers a background sync attempt with the
// platform facility, when one is configured. Best-effort: registrar failures
// are logged, never returned.
func (m *Manager) RequestBackgroundSync() {
	if m.registrar == nil {
		return
	}
	if err := m.registrar.RegisterSync("sync-pending-data"); err != nil {
		m.log.Warn("background sync registration failed", map[string]interface{}{"error": err.Error()})
	}
}
