// Package models provides data model definitions for the fieldsync subsystem.
package models

import (
	"encoding/json"
	"time"
)

// SyncState tracks a form submission through the reconciliation lifecycle.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// Location is an optional GPS fix captured at submission time.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FormSubmission is an engineer form answer set captured on the device.
// Created with SyncStatePending; transitions to synced or failed only as a
// result of a sync reconciliation pass, never directly by the UI.
type FormSubmission struct {
	OfflineUUID    UUID            `db:"offline_uuid" json:"offline_uuid"`
	JobID          int64           `db:"job_id" json:"job_id"`
	FormTemplateID int64           `db:"form_template_id" json:"form_template_id"`
	FormData       json.RawMessage `db:"form_data" json:"form_data"`
	SyncStatus     SyncState       `db:"sync_status" json:"sync_status"`
	SubmittedAt    int64           `db:"submitted_at" json:"submitted_at"`
	Location       *Location       `db:"location" json:"location,omitempty"`
	DeviceInfo     *DeviceInfo     `db:"device_info" json:"device_info,omitempty"`
}

// TableName returns the table name for FormSubmission.
func (FormSubmission) TableName() string {
	return "form_submissions"
}

// SubmittedAtTime returns the SubmittedAt as time.Time.
func (s *FormSubmission) SubmittedAtTime() time.Time {
	return time.Unix(s.SubmittedAt, 0)
}

// SyncUUID implements OperationPayload: the offline UUID doubles as the
// idempotency token for the queue operation carrying this submission.
func (s *FormSubmission) SyncUUID() UUID {
	return s.OfflineUUID
}

// SubmissionDraft is the caller-supplied part of a form submission. The store
// assigns the offline UUID, sync status and submission time when persisting.
type SubmissionDraft struct {
	JobID          int64           `json:"job_id"`
	FormTemplateID int64           `json:"form_template_id"`
	FormData       json.RawMessage `json:"form_data"`
	Location       *Location       `json:"location,omitempty"`
	DeviceInfo     *DeviceInfo     `json:"device_info,omitempty"`
}
