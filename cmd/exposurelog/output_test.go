package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/kimhsiao/exposurelog/internal/models"
	"github.com/kimhsiao/exposurelog/internal/sync/scheduler"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestPrintResult_Golden(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &scheduler.SyncResult{
		Trigger:        scheduler.TriggerManual,
		RecordsSynced:  2,
		RecordsFailed:  1,
		PhotosUploaded: 1,
		PhotosSkipped:  3,
		Duration:       1234567890 * time.Nanosecond,
		LastError:      "[BACKEND_UNAVAILABLE] create record: connection refused",
	})
	newGoldie(t).Assert(t, "sync_result", buf.Bytes())
}

func TestPrintStatus_Golden(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, models.SyncStatus{
		IsOnline:             true,
		ConnectionType:       "cellular",
		PendingRecordCount:   2,
		PendingPhotoCount:    1,
		ActiveUploadCount:    1,
		ProblematicItemCount: 1,
		LastError:            "[BACKEND_REJECTED] create record rejected",
	})
	newGoldie(t).Assert(t, "status_online", buf.Bytes())
}

func TestPrintListing_Golden(t *testing.T) {
	var buf bytes.Buffer
	printListing(&buf, listing{
		Photos: []*models.QueuedPhoto{
			{
				ID:                   "photo-1",
				ParentIdempotencyKey: "rec-1",
				FileSizeBytes:        6 * 1024 * 1024,
				UploadStatus:         models.UploadError,
				RetryCount:           5,
				LastError:            "[PHOTO_FILE_MISSING] photo file no longer exists",
			},
			{
				ID:                   "photo-12",
				ParentIdempotencyKey: "rec-3",
				FileSizeBytes:        512,
				UploadStatus:         models.UploadPending,
			},
		},
	}, 5)
	newGoldie(t).Assert(t, "listing_photos", buf.Bytes())
}
