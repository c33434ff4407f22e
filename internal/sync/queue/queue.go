// Package queue provides the offline mutation queues: pending record
// creates and pending photo uploads, persisted to a kv.Store and replayed
// against the backend with exponential backoff.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/exposurelog/internal/connectivity"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/kv"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/metrics"
	"github.com/kimhsiao/exposurelog/internal/uuid"
)

// Storage keys.
const (
	RecordsKey     = "exposurelog.queue.records"
	PhotosKey      = "exposurelog.queue.photos"
	SyncedIndexKey = "exposurelog.queue.synced_records"
)

// Defaults.
const (
	DefaultMaxAttempts          = 5
	DefaultMaxConcurrentUploads = 2
	DefaultLargeFileThreshold   = 5 * 1024 * 1024
	syncedRetention             = 30 * 24 * time.Hour
	maxBackoffExponent          = 30
)

// Options configures both queues. Zero values take the defaults.
type Options struct {
	// Now returns the current time.
	Now func() time.Time
	// NewID generates idempotency keys and photo ids.
	NewID uuid.Generator
	// Network reports the current connectivity state.
	Network func() connectivity.State

	MaxAttempts          int
	MaxConcurrentUploads int
	LargeFileThreshold   int64

	// AttemptTimeout bounds each backend call. 0 means no timeout.
	AttemptTimeout time.Duration
	// FailFastOnPermanent moves items rejected with backend.ErrPermanent
	// straight to terminal failure instead of spending the retry budget.
	FailFastOnPermanent bool

	Metrics *metrics.SyncMetrics
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.New
	}
	if o.Network == nil {
		o.Network = func() connectivity.State { return connectivity.Offline }
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.MaxConcurrentUploads <= 0 {
		o.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if o.LargeFileThreshold <= 0 {
		o.LargeFileThreshold = DefaultLargeFileThreshold
	}
	return o
}

// Backoff returns the minimum wait before the next attempt of an item that
// has been attempted attempts times: 2^attempts seconds.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	return time.Duration(int64(1)<<uint(attempts)) * time.Second
}

// backoffElapsed reports whether an item last attempted at last may be
// attempted again at now.
func backoffElapsed(attempts int, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= Backoff(attempts)
}

// load reads key into v. A missing key leaves v untouched. A blob that
// fails to decode is copied aside under key.corrupt.<unix> and v is left
// untouched, so the queue starts empty and nothing is silently discarded.
func load[T any](store kv.Store, key string, v *T, now time.Time) error {
	raw, ok, err := store.Get(key)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("read %s", key), err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}

	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		backupKey := fmt.Sprintf("%s.corrupt.%d", key, now.Unix())
		if setErr := store.Set(backupKey, raw); setErr != nil {
			return errors.Wrap(errors.ErrQueueCorrupted, fmt.Sprintf("%s is unreadable and could not be backed up", key), setErr)
		}
		logging.ErrorWithCode("Queue snapshot unreadable, starting empty", string(errors.ErrQueueCorrupted), err,
			map[string]interface{}{"key": key, "backup_key": backupKey, "bytes": len(raw)})
		return nil
	}
	*v = decoded
	return nil
}

// save writes a full snapshot of v under key.
func save(store kv.Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrQueuePersist, fmt.Sprintf("encode %s", key), err)
	}
	if err := store.Set(key, raw); err != nil {
		return errors.Wrap(errors.ErrQueuePersist, fmt.Sprintf("write %s", key), err)
	}
	return nil
}
