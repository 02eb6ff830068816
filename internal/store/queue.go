package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/models"
)

// AddToSyncQueue appends an operation to the outbox with a zero retry count.
// The idempotency token is extracted from the payload into its own indexed
// column so reconciliation is a keyed lookup instead of a payload scan.
func (s *Store) AddToSyncQueue(ctx context.Context, opType models.OperationType, payload models.OperationPayload) (*models.OfflineOperation, error) {
	token := payload.SyncUUID()
	if token == "" {
		return nil, errors.New(errors.ErrInvalid, "operation payload carries no idempotency token")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to encode operation payload", err)
	}

	op := &models.OfflineOperation{
		OperationType: opType,
		SyncUUID:      token,
		Payload:       raw,
		CreatedAt:     time.Now().Unix(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (operation_type, sync_uuid, payload, created_at, retry_count, last_error)
		 VALUES (?, ?, ?, ?, 0, '')`,
		op.OperationType, op.SyncUUID, string(op.Payload), op.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue operation", err)
	}

	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read enqueued operation id", err)
	}
	return op, nil
}

// PendingOperations returns the operations eligible for the next sync pass,
// in storage order. Operations whose retry count has reached the ceiling are
// excluded; they stay in the queue for inspection.
func (s *Store) PendingOperations(ctx context.Context, ceiling int) ([]*models.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation_type, sync_uuid, payload, created_at, retry_count, last_error
		 FROM sync_queue WHERE retry_count < ? ORDER BY id`, ceiling)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query pending operations", err)
	}
	defer rows.Close()

	var ops []*models.OfflineOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate pending operations", err)
	}
	return ops, nil
}

// PendingCount returns the number of operations still eligible for syncing.
func (s *Store) PendingCount(ctx context.Context, ceiling int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?", ceiling).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count pending operations", err)
	}
	return count, nil
}

// FailedCount returns the number of retry-exhausted operations.
func (s *Store) FailedCount(ctx context.Context, ceiling int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE retry_count >= ?", ceiling).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count failed operations", err)
	}
	return count, nil
}

// MarkOperationSynced removes an acknowledged operation from the outbox.
// Idempotent: removing an already-removed operation is not an error.
func (s *Store) MarkOperationSynced(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark operation synced", err)
	}
	return nil
}

// IncrementRetryCount records a failed attempt against an operation.
// A missing operation is a silent no-op.
func (s *Store) IncrementRetryCount(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?",
		errMsg, id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to increment retry count", err)
	}
	return nil
}

// PurgeFailedBefore deletes retry-exhausted operations created before the
// cutoff. Returns the number of operations removed.
func (s *Store) PurgeFailedBefore(ctx context.Context, ceiling int, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE retry_count >= ? AND created_at < ?",
		ceiling, cutoff.Unix())
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to purge failed operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read purge count", err)
	}
	return n, nil
}

// scanOperation scans a sync_queue row.
func scanOperation(rows *sql.Rows) (*models.OfflineOperation, error) {
	var op models.OfflineOperation
	var payload string
	err := rows.Scan(&op.ID, &op.OperationType, &op.SyncUUID, &payload,
		&op.CreatedAt, &op.RetryCount, &op.LastError)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan operation", err)
	}
	op.Payload = json.RawMessage(payload)
	return &op, nil
}
