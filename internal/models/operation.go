// Package models provides data model definitions for the fieldsync subsystem.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType tags the kind of remote effect an offline operation applies.
type OperationType string

const (
	// OpFormSubmission carries an engineer form submission.
	OpFormSubmission OperationType = "form_submission"
)

// DefaultRetryCeiling is the number of failed attempts after which an
// operation is parked as permanently failed.
const DefaultRetryCeiling = 3

// OfflineOperation is one unit of deferred work in the sync queue.
// It exists from creation until the remote authority acknowledges it or its
// retry count reaches the ceiling; exhausted operations are kept, not deleted,
// so operators can inspect them.
type OfflineOperation struct {
	ID            int64           `db:"id" json:"id"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	SyncUUID      UUID            `db:"sync_uuid" json:"sync_uuid"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for OfflineOperation.
func (OfflineOperation) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (o *OfflineOperation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// OperationPayload is the tagged union of payload shapes carried by
// OfflineOperation, keyed by OperationType. Every variant exposes the
// client-generated idempotency token used to correlate local operations
// with bulk-response entries.
type OperationPayload interface {
	// SyncUUID returns the idempotency token embedded in the payload.
	SyncUUID() UUID
}

// GenericPayload is the payload shape for operation types the subsystem does
// not model explicitly. The idempotency token is read from the conventional
// sync_uuid field, falling back to offline_uuid.
type GenericPayload map[string]interface{}

// SyncUUID implements OperationPayload.
func (p GenericPayload) SyncUUID() UUID {
	if v, ok := p["sync_uuid"].(string); ok {
		return UUID(v)
	}
	if v, ok := p["offline_uuid"].(string); ok {
		return UUID(v)
	}
	return ""
}

// DecodePayload decodes a raw operation payload into its typed variant.
func DecodePayload(opType OperationType, raw json.RawMessage) (OperationPayload, error) {
	switch opType {
	case OpFormSubmission:
		var sub FormSubmission
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode form submission payload: %w", err)
		}
		return &sub, nil
	default:
		var generic GenericPayload
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", opType, err)
		}
		return generic, nil
	}
}

// DecodedPayload decodes the operation's raw payload into its typed variant.
func (o *OfflineOperation) DecodedPayload() (OperationPayload, error) {
	return DecodePayload(o.OperationType, o.Payload)
}
