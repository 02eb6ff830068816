package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/heliosmaint/fieldsync/internal/api"
	"github.com/heliosmaint/fieldsync/internal/config"
	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/logging"
	"github.com/heliosmaint/fieldsync/internal/models"
	"github.com/heliosmaint/fieldsync/internal/store"
	"github.com/heliosmaint/fieldsync/internal/syncer"
)

// daemon wires the store, the sync manager and the local status surface.
type daemon struct {
	cfg     *config.Config
	store   *store.Store
	client  *api.HTTPClient
	manager *syncer.Manager
	hub     *WSHub
	log     *logging.Logger
}

func newDaemon(cfg *config.Config, log *logging.Logger) (*daemon, error) {
	s, err := store.Open(cfg.Server.DataDir)
	if err != nil {
		return nil, err
	}

	client := api.NewHTTPClient(cfg.API.BaseURL, cfg.API.Timeout.Std())
	manager := syncer.NewManager(s, client, syncer.Config{
		EngineerID:   cfg.Sync.EngineerID,
		RetryCeiling: cfg.Sync.RetryCeiling,
		DeviceInfo:   deviceInfo,
		Logger:       log,
	})

	return &daemon{
		cfg:     cfg,
		store:   s,
		client:  client,
		manager: manager,
		hub:     NewWSHub(log),
		log:     log,
	}, nil
}

// deviceInfo describes this device for bulk sync requests.
func deviceInfo() *models.DeviceInfo {
	hostname, _ := os.Hostname()
	return &models.DeviceInfo{
		UserAgent: "fieldsyncd (" + hostname + ")",
		Platform:  runtime.GOOS,
		Language:  os.Getenv("LANG"),
		Online:    true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// run starts the daemon and blocks until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	defer d.store.Close()

	unsubscribe := d.manager.Subscribe(d.hub.BroadcastSyncStatus)
	defer unsubscribe()

	d.manager.StartAutoSync(ctx, d.cfg.Sync.Interval.Std())
	defer d.manager.StopAutoSync()

	go d.probeLoop(ctx)
	go d.sweepLoop(ctx)
	if d.cfg.Sync.FailedRetention > 0 {
		go d.purgeLoop(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", d.handleHealth)
	mux.HandleFunc("/api/sync/status", d.handleSyncStatus)
	mux.HandleFunc("/api/sync/force", d.handleForceSync)
	mux.HandleFunc("/api/submissions", d.handleSubmissions)
	mux.HandleFunc("/api/submissions/pending", d.handlePendingSubmissions)
	mux.HandleFunc("/ws", HandleWebSocket(d.hub))

	server := &http.Server{
		Addr:    d.cfg.Server.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("daemon listening", map[string]interface{}{"addr": d.cfg.Server.Listen})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(errors.ErrInternal, "http server failed", err)
	case <-ctx.Done():
	}

	d.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// probeLoop feeds connectivity signals to the manager by probing the remote
// health endpoint.
func (d *daemon) probeLoop(ctx context.Context) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.Sync.ProbeInterval.Std())
		defer cancel()
		d.manager.SetOnline(d.client.Health(probeCtx) == nil)
	}

	probe()
	ticker := time.NewTicker(d.cfg.Sync.ProbeInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// sweepLoop clears expired cache entries on a timer.
func (d *daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Cache.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.ClearExpiredCache(ctx)
			if err != nil {
				d.log.Error("cache sweep failed", err)
				continue
			}
			if n > 0 {
				d.log.Debug("cache sweep", map[string]interface{}{"removed": n})
			}
		}
	}
}

// purgeLoop removes retry-exhausted operations older than the configured
// retention.
func (d *daemon) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-d.cfg.Sync.FailedRetention.Std())
			n, err := d.store.PurgeFailedBefore(ctx, d.cfg.Sync.RetryCeiling, cutoff)
			if err != nil {
				d.log.Error("failed-operation purge failed", err)
				continue
			}
			if n > 0 {
				d.log.Info("purged failed operations", map[string]interface{}{"removed": n})
			}
		}
	}
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fieldsyncd"})
}

func (d *daemon) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := d.manager.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *daemon) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := d.manager.ForceSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "sync already in progress"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d *daemon) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var draft models.SubmissionDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid submission body", err))
		return
	}

	sub, err := d.store.SaveFormSubmission(r.Context(), &draft)
	if err != nil {
		writeError(w, err)
		return
	}

	d.manager.Notify(r.Context())
	d.manager.RequestBackgroundSync()
	writeJSON(w, http.StatusCreated, sub)
}

func (d *daemon) handlePendingSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subs, err := d.store.PendingSubmissions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []*models.FormSubmission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.ErrInternal

	if appErr, ok := err.(*errors.AppError); ok {
		code = appErr.Code
		switch appErr.Code {
		case errors.ErrInvalid, errors.ErrValidation:
			status = http.StatusBadRequest
		case errors.ErrNotFound:
			status = http.StatusNotFound
		case errors.ErrOffline:
			status = http.StatusServiceUnavailable
		case errors.ErrNetwork:
			status = http.StatusBadGateway
		case errors.ErrSyncInProgress:
			status = http.StatusConflict
		}
	}

	writeJSON(w, status, map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}
