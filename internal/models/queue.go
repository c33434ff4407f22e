package models

import (
	"encoding/json"
	"time"
)

// QueuedRecord is a pending "create exposure record" operation.
type QueuedRecord struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand out of the queue.
func (r *QueuedRecord) Clone() *QueuedRecord {
	c := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// Record decodes the payload.
func (r *QueuedRecord) Record() (*ExposureRecord, error) {
	var rec ExposureRecord
	if err := json.Unmarshal(r.Payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UploadStatus is the lifecycle state of a queued photo.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadError     UploadStatus = "error"
)

// QueuedPhoto is a pending "upload photo" operation.
type QueuedPhoto struct {
	ID                   string       `json:"id"`
	ParentIdempotencyKey string       `json:"parent_idempotency_key"`
	LocalURI             string       `json:"local_uri"`
	FileSizeBytes        int64        `json:"file_size_bytes"`
	MimeType             string       `json:"mime_type"`
	Caption              string       `json:"caption,omitempty"`
	UploadStatus         UploadStatus `json:"upload_status"`
	UploadProgress       float64      `json:"upload_progress"`
	RetryCount           int          `json:"retry_count"`
	LastAttemptAt        *time.Time   `json:"last_attempt_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	LastError            string       `json:"last_error,omitempty"`
	LastErrorCode        string       `json:"last_error_code,omitempty"`
}

// Clone returns a copy safe to hand out of the queue.
func (p *QueuedPhoto) Clone() *QueuedPhoto {
	c := *p
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// Metadata returns what the backend needs to store the photo.
func (p *QueuedPhoto) Metadata() PhotoMetadata {
	return PhotoMetadata{
		PhotoID:              p.ID,
		ParentIdempotencyKey: p.ParentIdempotencyKey,
		FileName:             baseName(p.LocalURI),
		FileSizeBytes:        p.FileSizeBytes,
		MimeType:             p.MimeType,
		Caption:              p.Caption,
		CapturedAt:           p.CreatedAt,
	}
}

func baseName(uri string) string {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '/' || uri[i] == '\\' {
			return uri[i+1:]
		}
	}
	return uri
}

// PhotoMetadata accompanies a photo upload and its confirmation.
type PhotoMetadata struct {
	PhotoID              string    `json:"photo_id"`
	ParentIdempotencyKey string    `json:"parent_idempotency_key"`
	FileName             string    `json:"file_name"`
	FileSizeBytes        int64     `json:"file_size_bytes"`
	MimeType             string    `json:"mime_type"`
	Caption              string    `json:"caption,omitempty"`
	CapturedAt           time.Time `json:"captured_at"`
}

// SyncedRecordRef remembers the backend id of a record after its create
// was confirmed, so photos can be attached to it later.
type SyncedRecordRef struct {
	RecordID string    `json:"record_id"`
	SyncedAt time.Time `json:"synced_at"`
}
