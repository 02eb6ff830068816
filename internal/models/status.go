// Package models provides data model definitions for the fieldsync subsystem.
package models

import "time"

// SyncStatus is the derived, non-persisted view of the sync subsystem that
// status subscribers receive. It is recomputed on demand from the outbox plus
// the manager's process flags.
type SyncStatus struct {
	Pending   int        `json:"pending"`
	Failed    int        `json:"failed"`
	LastSync  *time.Time `json:"lastSync"`
	IsOnline  bool       `json:"isOnline"`
	IsSyncing bool       `json:"isSyncing"`
}

// ScreenInfo describes the device display, reported with each bulk sync.
type ScreenInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceInfo identifies the device a bulk sync request originates from.
type DeviceInfo struct {
	UserAgent string     `json:"userAgent"`
	Platform  string     `json:"platform"`
	Language  string     `json:"language"`
	Online    bool       `json:"online"`
	Timestamp string     `json:"timestamp"`
	Screen    ScreenInfo `json:"screen"`
}
