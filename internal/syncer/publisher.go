package syncer

import (
	"context"

	"github.com/heliosmaint/fieldsync/internal/models"
)

// Listener receives sync status snapshots.
type Listener func(models.SyncStatus)

// Subscribe registers a listener invoked with a fresh status snapshot at
// every publishing point (pass start, pass end, connectivity change). The
// returned function unsubscribes this listener only; other subscribers are
// unaffected.
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Notify recomputes the current status and fans it out to all subscribers.
// Exposed so callers can force a publish outside the manager's own
// publishing points.
func (m *Manager) Notify(ctx context.Context) {
	m.publish(ctx)
}

// publish fans the current status out to every listener. Every listener
// receives the same snapshot; a count failure is logged and the snapshot
// still carries the process flags.
func (m *Manager) publish(ctx context.Context) {
	status, err := m.Status(ctx)
	if err != nil {
		m.log.Error("failed to compute sync status", err)
	}

	m.mu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(status)
	}
}
