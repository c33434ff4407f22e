package models

import "time"

// SyncStatus is the read model handed to the presentation layer. It is
// derived from queue state and never persisted.
type SyncStatus struct {
	IsOnline             bool       `json:"is_online"`
	ConnectionType       string     `json:"connection_type"`
	IsSyncing            bool       `json:"is_syncing"`
	PendingRecordCount   int        `json:"pending_record_count"`
	PendingPhotoCount    int        `json:"pending_photo_count"`
	ActiveUploadCount    int        `json:"active_upload_count"`
	ProblematicItemCount int        `json:"problematic_item_count"`
	LastSyncTime         *time.Time `json:"last_sync_time,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
}

// HasPendingWork reports whether anything is still queued.
func (s SyncStatus) HasPendingWork() bool {
	return s.PendingRecordCount > 0 || s.PendingPhotoCount > 0
}
