package syncer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliosmaint/fieldsync/internal/api"
	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/logging"
	"github.com/heliosmaint/fieldsync/internal/models"
	"github.com/heliosmaint/fieldsync/internal/store"
	"github.com/heliosmaint/fieldsync/internal/uuid"
)

// fakeClient implements api.Client with a programmable response. When
// entered/release are set, SyncOffline signals entry and blocks until
// released, which lets tests hold a pass in flight.
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	requests []*api.BulkSyncRequest
	respond  func(*api.BulkSyncRequest) (*api.BulkSyncResult, error)
	entered  chan struct{}
	release  chan struct{}
}

func (c *fakeClient) SyncOffline(ctx context.Context, req *api.BulkSyncRequest) (*api.BulkSyncResult, error) {
	c.mu.Lock()
	c.calls++
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	if c.respond != nil {
		return c.respond(req)
	}
	return &api.BulkSyncResult{}, nil
}

func (c *fakeClient) Health(ctx context.Context) error {
	return nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeRegistrar struct {
	tags []string
	err  error
}

func (r *fakeRegistrar) RegisterSync(tag string) error {
	r.tags = append(r.tags, tag)
	return r.err
}

func newTestManager(t *testing.T, client api.Client, cfg Config) (*Manager, *store.Store) {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if cfg.Logger == nil {
		cfg.Logger = logging.New(io.Discard, logging.LevelError)
	}
	if cfg.EngineerID == 0 {
		cfg.EngineerID = 9
	}
	return NewManager(s, client, cfg), s
}

func enqueue(t *testing.T, s *store.Store, n int) []*models.OfflineOperation {
	t.Helper()

	ops := make([]*models.OfflineOperation, 0, n)
	for i := 0; i < n; i++ {
		op, err := s.AddToSyncQueue(context.Background(), "status_update",
			models.GenericPayload{"sync_uuid": uuid.New()})
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return ops
}

func ackAll(req *api.BulkSyncRequest) (*api.BulkSyncResult, error) {
	result := &api.BulkSyncResult{}
	for _, op := range req.Operations {
		var flat map[string]interface{}
		if err := json.Unmarshal(op.Payload, &flat); err != nil {
			return nil, err
		}
		token, _ := flat["sync_uuid"].(string)
		if token == "" {
			token, _ = flat["offline_uuid"].(string)
		}
		result.Successful = append(result.Successful, api.AckEntry{SyncUUID: models.UUID(token)})
	}
	return result, nil
}

func TestSyncPendingData_allAcknowledged(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, s := newTestManager(t, client, Config{})
	m.SetOnline(true)
	ctx := context.Background()

	enqueue(t, s, 2)

	result, err := m.SyncPendingData(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Synced)
	assert.Zero(t, result.Failed)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Zero(t, status.Failed)
	require.NotNil(t, status.LastSync)
	assert.False(t, status.IsSyncing)
}

func TestSyncPendingData_singleFlight(t *testing.T) {
	client := &fakeClient{
		respond: ackAll,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	enqueue(t, s, 1)

	type passOutcome struct {
		result Result
		err    error
	}
	done := make(chan passOutcome, 1)
	go func() {
		result, err := m.SyncPendingData(ctx)
		done <- passOutcome{result, err}
	}()

	// Hold the first pass inside the network call.
	<-client.entered

	// A second call during an in-flight pass is a no-op zero result.
	result, err := m.SyncPendingData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Equal(t, 1, client.callCount())

	close(client.release)
	outcome := <-done
	require.NoError(t, outcome.err)
	assert.True(t, outcome.result.Success)
	assert.Equal(t, 1, outcome.result.Synced)
}

func TestSyncPendingData_emptyQueueShortCircuits(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, Config{})

	result, err := m.SyncPendingData(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.Synced)
	assert.Zero(t, client.callCount())

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status.LastSync)
}

func TestSyncPendingData_rejectionReachesCeiling(t *testing.T) {
	client := &fakeClient{
		respond: func(req *api.BulkSyncRequest) (*api.BulkSyncResult, error) {
			var flat map[string]interface{}
			require.NoError(t, json.Unmarshal(req.Operations[0].Payload, &flat))
			return &api.BulkSyncResult{
				Failed: []api.AckEntry{{
					SyncUUID: models.UUID(flat["sync_uuid"].(string)),
					Error:    "validation failed",
				}},
			}, nil
		},
	}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	ops := enqueue(t, s, 1)
	// Two earlier failed attempts; this pass is the third.
	require.NoError(t, s.IncrementRetryCount(ctx, ops[0].ID, "timeout"))
	require.NoError(t, s.IncrementRetryCount(ctx, ops[0].ID, "timeout"))

	result, err := m.SyncPendingData(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Failed)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Equal(t, 1, status.Failed)
}

func TestSyncPendingData_networkFailureLeavesQueueUntouched(t *testing.T) {
	client := &fakeClient{
		respond: func(*api.BulkSyncRequest) (*api.BulkSyncResult, error) {
			return nil, errors.New(errors.ErrNetwork, "connection reset")
		},
	}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	enqueue(t, s, 2)

	_, err := m.SyncPendingData(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))

	// No per-operation retry bookkeeping for a pass-level failure.
	ops, err := s.PendingOperations(ctx, models.DefaultRetryCeiling)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Zero(t, op.RetryCount)
	}

	// The guard is released even on the error path.
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsSyncing)
	assert.Nil(t, status.LastSync)
}

func TestSyncPendingData_unknownTokenIsDropped(t *testing.T) {
	client := &fakeClient{
		respond: func(*api.BulkSyncRequest) (*api.BulkSyncResult, error) {
			return &api.BulkSyncResult{
				Successful: []api.AckEntry{{SyncUUID: models.UUID(uuid.New())}},
			}, nil
		},
	}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	enqueue(t, s, 1)

	result, err := m.SyncPendingData(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	// Counts mirror the response partition sizes even for unknown tokens.
	assert.Equal(t, 1, result.Synced)

	// The local operation was not reconciled and stays pending.
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
	require.NotNil(t, status.LastSync)
}

func TestSyncPendingData_reconcilesSubmissionLog(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	sub, err := s.SaveFormSubmission(ctx, &models.SubmissionDraft{
		JobID:          1,
		FormTemplateID: 1,
		FormData:       json.RawMessage(`{"panel_status":"ok"}`),
	})
	require.NoError(t, err)

	result, err := m.SyncPendingData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	got, err := s.FormSubmission(ctx, sub.OfflineUUID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, got.SyncStatus)
}

func TestSyncPendingData_rejectionMarksSubmissionFailed(t *testing.T) {
	client := &fakeClient{
		respond: func(req *api.BulkSyncRequest) (*api.BulkSyncResult, error) {
			var flat map[string]interface{}
			if err := json.Unmarshal(req.Operations[0].Payload, &flat); err != nil {
				return nil, err
			}
			return &api.BulkSyncResult{
				Failed: []api.AckEntry{{
					SyncUUID: models.UUID(flat["offline_uuid"].(string)),
					Error:    "job closed",
				}},
			}, nil
		},
	}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	sub, err := s.SaveFormSubmission(ctx, &models.SubmissionDraft{
		JobID:          1,
		FormTemplateID: 1,
		FormData:       json.RawMessage(`{"panel_status":"ok"}`),
	})
	require.NoError(t, err)

	_, err = m.SyncPendingData(ctx)
	require.NoError(t, err)

	got, err := s.FormSubmission(ctx, sub.OfflineUUID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, got.SyncStatus)

	// The operation itself is retried until the ceiling.
	ops, err := s.PendingOperations(ctx, models.DefaultRetryCeiling)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Equal(t, "job closed", ops[0].LastError)
}

func TestForceSync_offline(t *testing.T) {
	client := &fakeClient{}
	m, s := newTestManager(t, client, Config{})
	ctx := context.Background()

	enqueue(t, s, 1)

	_, err := m.ForceSync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOffline))

	// Queue untouched, no network call.
	assert.Zero(t, client.callCount())
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
}

func TestForceSync_online(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, s := newTestManager(t, client, Config{})
	m.SetOnline(true)

	enqueue(t, s, 1)

	result, err := m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Synced)
}

func TestSubscribe_publishesPassBoundaries(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, s := newTestManager(t, client, Config{})

	enqueue(t, s, 1)

	var mu sync.Mutex
	var snapshots []models.SyncStatus
	unsubscribe := m.Subscribe(func(status models.SyncStatus) {
		mu.Lock()
		snapshots = append(snapshots, status)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := m.SyncPendingData(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 2)
	assert.True(t, snapshots[0].IsSyncing)
	assert.Equal(t, 1, snapshots[0].Pending)
	assert.False(t, snapshots[1].IsSyncing)
	assert.Zero(t, snapshots[1].Pending)
}

func TestSubscribe_unsubscribeIsIndependent(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, Config{})

	var first, second int
	unsubFirst := m.Subscribe(func(models.SyncStatus) { first++ })
	unsubSecond := m.Subscribe(func(models.SyncStatus) { second++ })
	defer unsubSecond()

	m.Notify(context.Background())
	unsubFirst()
	m.Notify(context.Background())

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestSetOnline_publishesTransition(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, Config{})

	var mu sync.Mutex
	var snapshots []models.SyncStatus
	defer m.Subscribe(func(status models.SyncStatus) {
		mu.Lock()
		snapshots = append(snapshots, status)
		mu.Unlock()
	})()

	m.SetOnline(true)
	// Repeating the same state publishes nothing.
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].IsOnline)
}

func TestStartAutoSync_immediatePassWhenOnline(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, s := newTestManager(t, client, Config{})
	m.SetOnline(true)

	enqueue(t, s, 1)

	m.StartAutoSync(context.Background(), time.Hour)
	defer m.StopAutoSync()

	require.Eventually(t, func() bool {
		status, err := m.Status(context.Background())
		return err == nil && status.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, client.callCount())
}

func TestStartAutoSync_rearmIsIdempotent(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, _ := newTestManager(t, client, Config{})

	m.StartAutoSync(context.Background(), time.Hour)
	m.StartAutoSync(context.Background(), time.Hour)
	m.StopAutoSync()
	// Stopping an already-stopped manager is a no-op.
	m.StopAutoSync()
}

func TestSetOnline_reconnectTriggersPass(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, s := newTestManager(t, client, Config{})

	enqueue(t, s, 1)

	m.StartAutoSync(context.Background(), time.Hour)
	defer m.StopAutoSync()

	m.SetOnline(true)

	require.Eventually(t, func() bool {
		status, err := m.Status(context.Background())
		return err == nil && status.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopAutoSync_racesReconnectTrigger(t *testing.T) {
	client := &fakeClient{respond: ackAll}
	m, _ := newTestManager(t, client, Config{})

	// Connectivity flaps while the timer is armed and disarmed; the
	// reconnect trigger must never outlive StopAutoSync.
	for i := 0; i < 50; i++ {
		m.StartAutoSync(context.Background(), time.Hour)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.SetOnline(true)
				m.SetOnline(false)
			}
		}()

		m.StopAutoSync()
		wg.Wait()
	}
}

func TestRequestBackgroundSync(t *testing.T) {
	t.Run("nil registrar is a no-op", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeClient{}, Config{})
		m.RequestBackgroundSync()
	})

	t.Run("registers the sync tag", func(t *testing.T) {
		registrar := &fakeRegistrar{}
		m, _ := newTestManager(t, &fakeClient{}, Config{Registrar: registrar})
		m.RequestBackgroundSync()
		assert.Equal(t, []string{"sync-pending-data"}, registrar.tags)
	})

	t.Run("registrar errors are swallowed", func(t *testing.T) {
		registrar := &fakeRegistrar{err: errors.New(errors.ErrInternal, "unsupported")}
		m, _ := newTestManager(t, &fakeClient{}, Config{Registrar: registrar})
		m.RequestBackgroundSync()
	})
}
