// Package models provides data model definitions for the fieldsync subsystem.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a generic TTL key/value cache record.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	ExpiresAt int64           `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache"
}

// Expired reports whether the entry has passed its expiry at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Unix() > e.ExpiresAt
}

// Route is a snapshot of a server-side route cached for offline availability.
// Overwritten wholesale on each successful refresh; carries no retry state.
type Route struct {
	ID         int64           `db:"id" json:"id"`
	EngineerID int64           `db:"engineer_id" json:"engineer_id"`
	Date       string          `db:"date" json:"date"` // YYYY-MM-DD
	Data       json.RawMessage `db:"data" json:"data"`
}

// TableName returns the table name for Route.
func (Route) TableName() string {
	return "routes"
}

// FormTemplate is a snapshot of a server-side form template cached for
// offline availability, keyed by server id.
type FormTemplate struct {
	ID       int64           `db:"id" json:"id"`
	FormType string          `db:"form_type" json:"form_type"`
	Data     json.RawMessage `db:"data" json:"data"`
}

// TableName returns the table name for FormTemplate.
func (FormTemplate) TableName() string {
	return "form_templates"
}
