package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/models"
	"github.com/heliosmaint/fieldsync/internal/uuid"
)

// SaveFormSubmission persists a captured form answer set together with the
// queue operation that will carry it to the remote authority. Both rows
// commit in one transaction so the submission log and the outbox can never
// disagree about a capture. The assigned offline UUID doubles as the
// operation's idempotency token.
func (s *Store) SaveFormSubmission(ctx context.Context, draft *models.SubmissionDraft) (*models.FormSubmission, error) {
	if len(draft.FormData) == 0 {
		return nil, errors.New(errors.ErrInvalid, "form data is required")
	}

	sub := &models.FormSubmission{
		OfflineUUID:    models.UUID(uuid.New()),
		JobID:          draft.JobID,
		FormTemplateID: draft.FormTemplateID,
		FormData:       draft.FormData,
		SyncStatus:     models.SyncStatePending,
		SubmittedAt:    time.Now().Unix(),
		Location:       draft.Location,
		DeviceInfo:     draft.DeviceInfo,
	}

	location, err := marshalNullable(sub.Location)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to encode location", err)
	}
	deviceInfo, err := marshalNullable(sub.DeviceInfo)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to encode device info", err)
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to encode submission payload", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO form_submissions
		 (offline_uuid, job_id, form_template_id, form_data, sync_status, submitted_at, location, device_info)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.OfflineUUID, sub.JobID, sub.FormTemplateID, string(sub.FormData),
		sub.SyncStatus, sub.SubmittedAt, location, deviceInfo)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to insert form submission", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_queue (operation_type, sync_uuid, payload, created_at, retry_count, last_error)
		 VALUES (?, ?, ?, ?, 0, '')`,
		models.OpFormSubmission, sub.OfflineUUID, string(payload), sub.SubmittedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue submission operation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to commit submission", err)
	}
	return sub, nil
}

// SetSubmissionStatus transitions a submission log row to its reconciled
// state. A missing row is a silent no-op: the operation may reference a
// submission purged by the operator.
func (s *Store) SetSubmissionStatus(ctx context.Context, offlineUUID models.UUID, status models.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE form_submissions SET sync_status = ? WHERE offline_uuid = ?",
		status, offlineUUID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update submission status", err)
	}
	return nil
}

// FormSubmission returns one submission by its offline UUID.
func (s *Store) FormSubmission(ctx context.Context, offlineUUID models.UUID) (*models.FormSubmission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT offline_uuid, job_id, form_template_id, form_data, sync_status, submitted_at, location, device_info
		 FROM form_submissions WHERE offline_uuid = ?`, offlineUUID)

	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "form submission not found")
	}
	return sub, err
}

// PendingSubmissions returns the submissions still awaiting acknowledgement,
// oldest first.
func (s *Store) PendingSubmissions(ctx context.Context) ([]*models.FormSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT offline_uuid, job_id, form_template_id, form_data, sync_status, submitted_at, location, device_info
		 FROM form_submissions WHERE sync_status = ? ORDER BY submitted_at`, models.SyncStatePending)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query pending submissions", err)
	}
	defer rows.Close()

	var subs []*models.FormSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate pending submissions", err)
	}
	return subs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSubmission scans a form_submissions row.
func scanSubmission(row rowScanner) (*models.FormSubmission, error) {
	var sub models.FormSubmission
	var formData string
	var location, deviceInfo sql.NullString

	err := row.Scan(&sub.OfflineUUID, &sub.JobID, &sub.FormTemplateID, &formData,
		&sub.SyncStatus, &sub.SubmittedAt, &location, &deviceInfo)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan submission", err)
	}

	sub.FormData = json.RawMessage(formData)
	if location.Valid && location.String != "" {
		if err := json.Unmarshal([]byte(location.String), &sub.Location); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to decode location", err)
		}
	}
	if deviceInfo.Valid && deviceInfo.String != "" {
		if err := json.Unmarshal([]byte(deviceInfo.String), &sub.DeviceInfo); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to decode device info", err)
		}
	}
	return &sub, nil
}

// marshalNullable encodes v as JSON, mapping a nil pointer to SQL NULL.
func marshalNullable(v interface{}) (sql.NullString, error) {
	switch v := v.(type) {
	case *models.Location:
		if v == nil {
			return sql.NullString{}, nil
		}
	case *models.DeviceInfo:
		if v == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
