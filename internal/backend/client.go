// Package backend defines the remote collaborator the queues replay
// against, plus its HTTP and S3 implementations.
package backend

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/kimhsiao/exposurelog/internal/models"
)

// Client defines the backend operations consumed by the queues.
// This interface allows for fakes in tests and alternative transports.
type Client interface {
	// CreateRecord creates an exposure record. It must be idempotent on
	// idempotencyKey: replaying the same key returns the same record id.
	CreateRecord(ctx context.Context, idempotencyKey string, payload json.RawMessage) (recordID string, err error)

	// UploadPhoto uploads the file at localPath and returns where it landed.
	UploadPhoto(ctx context.Context, localPath string, meta models.PhotoMetadata, progress ProgressFunc) (*UploadResult, error)

	// ConfirmPhotoUpload attaches an uploaded object to a record.
	ConfirmPhotoUpload(ctx context.Context, recordID, storageID string, meta models.PhotoMetadata) (photoID string, err error)
}

// UploadResult is returned by UploadPhoto.
type UploadResult struct {
	StorageID string `json:"storage_id"`
	URL       string `json:"url"`
}

// ProgressFunc receives upload progress in bytes.
type ProgressFunc func(sent, total int64)

// ErrPermanent marks a rejection that will not succeed on retry
// (validation failure, unknown parent, auth revoked).
var ErrPermanent = stderrors.New("permanent backend rejection")

// StatusError is a non-2xx HTTP response from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap exposes ErrPermanent for client errors other than timeouts and
// rate limiting.
func (e *StatusError) Unwrap() error {
	if IsPermanentStatus(e.StatusCode) {
		return ErrPermanent
	}
	return nil
}

// IsPermanentStatus reports whether an HTTP status will not change on retry.
func IsPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// IsPermanent reports whether err carries ErrPermanent.
func IsPermanent(err error) bool {
	return stderrors.Is(err, ErrPermanent)
}
