// Package scheduler coordinates the record and photo queues: it drains
// them when connectivity returns or on request, and maintains the
// SyncStatus read model for the presentation layer.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/exposurelog/internal/broadcast"
	"github.com/kimhsiao/exposurelog/internal/connectivity"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/metrics"
	"github.com/kimhsiao/exposurelog/internal/models"
	"github.com/kimhsiao/exposurelog/internal/sync/queue"
)

// Drain triggers, used as log fields and metric labels.
const (
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
	TriggerPeriodic  = "periodic"
	TriggerStartup   = "startup"
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainInterval time.Duration // periodic drain while online, 0 disables
	PassTimeout   time.Duration // bound on one drain pass, 0 = none
	Now           func() time.Time
	Metrics       *metrics.SyncMetrics
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{}
}

// SyncResult summarizes one drain pass over both queues.
type SyncResult struct {
	Trigger        string        `json:"trigger"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	RecordsSynced  int           `json:"records_synced"`
	RecordsFailed  int           `json:"records_failed"`
	RecordsSkipped int           `json:"records_skipped"`
	PhotosUploaded int           `json:"photos_uploaded"`
	PhotosFailed   int           `json:"photos_failed"`
	PhotosSkipped  int           `json:"photos_skipped"`
	LastError      string        `json:"last_error,omitempty"`
}

// Scheduler owns both queues and the connectivity subscription.
type Scheduler struct {
	records *queue.RecordQueue
	photos  *queue.PhotoQueue
	monitor *connectivity.Monitor
	config  SchedulerConfig

	isSyncing atomic.Bool

	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastError    string

	listeners broadcast.Set[models.SyncStatus]
	unsubs    []func()

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler wires the queues to the monitor. Call Close when done.
func NewScheduler(records *queue.RecordQueue, photos *queue.PhotoQueue, monitor *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		records: records,
		photos:  photos,
		monitor: monitor,
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	s.unsubs = append(s.unsubs,
		monitor.Subscribe(s.onTransition),
		records.AddListener(s.refresh),
		photos.AddListener(s.refresh),
	)
	s.refresh()

	return s
}

// Start starts the periodic drain loop when an interval is configured and
// drains restored work when already online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	if s.config.DrainInterval > 0 {
		s.wg.Add(1)
		go s.periodicDrainLoop(ctx)
	}
	// Work restored from disk gets no connectivity event.
	if s.monitor.IsOnline() && s.Status().HasPendingWork() {
		s.startBackground(TriggerStartup)
	}

	logging.Info("Sync scheduler started", map[string]interface{}{
		"drain_interval": s.config.DrainInterval.String(),
	})
}

// Stop stops the periodic loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// Close stops the scheduler, unsubscribes from the queues and monitor and
// waits for background passes.
func (s *Scheduler) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.cancel()
	s.Stop()
	s.wg.Wait()
}

// periodicDrainLoop retries backed-off items without a connectivity event.
func (s *Scheduler) periodicDrainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() || !s.Status().HasPendingWork() {
				continue
			}
			s.startBackground(TriggerPeriodic)
		}
	}
}

func (s *Scheduler) onTransition(t connectivity.Transition) {
	s.refresh()

	started := false
	if t.CameOnline() && s.Status().HasPendingWork() {
		started = s.startBackground(TriggerReconnect)
	}
	if !started && t.BecameWiFi() {
		// Releases large photos deferred on a metered connection.
		s.photos.ProcessQueue()
	}
}

// startBackground runs one drain pass unless one is already running.
func (s *Scheduler) startBackground(trigger string) bool {
	if !s.isSyncing.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": trigger})
		return false
	}
	s.refresh()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.endSync()
		s.drain(s.ctx, trigger)
	}()
	return true
}

func (s *Scheduler) endSync() {
	s.isSyncing.Store(false)
	s.refresh()
}

// TriggerSync runs one drain pass and waits for it. It returns a
// SYNC_OFFLINE or SYNC_IN_PROGRESS error instead of starting a pass when
// offline or when another pass is running. Item failures do not make it
// fail; they are reported in SyncResult.LastError.
func (s *Scheduler) TriggerSync(ctx context.Context) (*SyncResult, error) {
	if !s.monitor.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "device is offline")
	}
	if !s.isSyncing.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync is already in progress")
	}
	defer s.endSync()
	s.refresh()

	return s.drain(ctx, TriggerManual), nil
}

// drain drains records, then photos.
func (s *Scheduler) drain(ctx context.Context, trigger string) *SyncResult {
	if s.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PassTimeout)
		defer cancel()
	}

	s.config.Metrics.SyncPass(trigger)
	result := &SyncResult{Trigger: trigger, StartTime: s.config.Now()}
	logging.Info("Starting sync pass", map[string]interface{}{"trigger": trigger})

	rec := s.records.Drain(ctx)
	result.RecordsSynced = rec.Succeeded
	result.RecordsFailed = rec.Failed
	result.RecordsSkipped = rec.Skipped

	photo := s.photos.Drain(ctx)
	result.PhotosUploaded = photo.Succeeded
	result.PhotosFailed = photo.Failed
	result.PhotosSkipped = photo.Skipped

	result.LastError = photo.LastError
	if result.LastError == "" {
		result.LastError = rec.LastError
	}
	if ctx.Err() == context.DeadlineExceeded && result.LastError == "" {
		result.LastError = errors.New(errors.ErrSyncTimeout, "sync pass timed out").Error()
	}

	result.EndTime = s.config.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	s.mu.Lock()
	s.lastSyncTime = result.EndTime
	s.lastError = result.LastError
	s.mu.Unlock()

	fields := map[string]interface{}{
		"trigger":         trigger,
		"records_synced":  result.RecordsSynced,
		"records_failed":  result.RecordsFailed,
		"photos_uploaded": result.PhotosUploaded,
		"photos_failed":   result.PhotosFailed,
		"duration_ms":     result.Duration.Milliseconds(),
	}
	if result.LastError != "" {
		fields["last_error"] = result.LastError
		logging.Warn("Sync pass completed with failures", fields)
	} else {
		logging.Info("Sync pass completed", fields)
	}

	return result
}

// refresh recomputes the status and notifies listeners.
func (s *Scheduler) refresh() {
	s.listeners.Notify(s.compute())
}

func (s *Scheduler) compute() models.SyncStatus {
	net := s.monitor.Current()

	s.mu.RLock()
	lastSync := s.lastSyncTime
	lastError := s.lastError
	s.mu.RUnlock()

	status := models.SyncStatus{
		IsOnline:             net.IsConnected,
		ConnectionType:       string(net.ConnectionType),
		IsSyncing:            s.isSyncing.Load(),
		PendingRecordCount:   s.records.Count(),
		PendingPhotoCount:    s.photos.Count(),
		ActiveUploadCount:    s.photos.ActiveCount(),
		ProblematicItemCount: s.records.ProblematicCount() + s.photos.FailedCount(),
		LastError:            lastError,
	}
	if !lastSync.IsZero() {
		t := lastSync
		status.LastSyncTime = &t
	}
	return status
}

// Status returns the current SyncStatus.
func (s *Scheduler) Status() models.SyncStatus {
	return s.compute()
}

// AddListener registers fn to receive the status after every change.
func (s *Scheduler) AddListener(fn func(models.SyncStatus)) (unsubscribe func()) {
	return s.listeners.Add(fn)
}

// IsSyncing reports whether a drain pass is running.
func (s *Scheduler) IsSyncing() bool {
	return s.isSyncing.Load()
}

// EnqueueRecord validates rec and queues it for creation.
func (s *Scheduler) EnqueueRecord(rec *models.ExposureRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", errors.Wrap(errors.ErrValidation, "invalid exposure record", err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "encode exposure record", err)
	}
	return s.records.Enqueue(payload)
}

// EnqueuePhoto queues a photo for upload.
func (s *Scheduler) EnqueuePhoto(in queue.PhotoInput) (string, error) {
	return s.photos.Enqueue(in)
}

// RetryFailedPhotos resets failed photos and processes them again.
func (s *Scheduler) RetryFailedPhotos() (int, error) {
	return s.photos.RetryFailed()
}

// RetryProblematicRecords resets problematic records and, when online,
// starts a background pass for them.
func (s *Scheduler) RetryProblematicRecords() (int, error) {
	n, err := s.records.RetryFailed()
	if err != nil || n == 0 {
		return n, err
	}
	if s.monitor.IsOnline() {
		s.startBackground(TriggerManual)
	}
	return n, nil
}

// ProblematicRecords returns records that need manual attention.
func (s *Scheduler) ProblematicRecords() []*models.QueuedRecord {
	return s.records.Problematic()
}

// FailedPhotos returns photos in terminal failure.
func (s *Scheduler) FailedPhotos() []*models.QueuedPhoto {
	return s.photos.FailedUploads()
}

// PendingRecords returns every queued record.
func (s *Scheduler) PendingRecords() []*models.QueuedRecord {
	return s.records.List()
}

// PendingPhotos returns every queued photo.
func (s *Scheduler) PendingPhotos() []*models.QueuedPhoto {
	return s.photos.List()
}

// CancelUpload cancels an in-flight photo upload.
func (s *Scheduler) CancelUpload(id string) error {
	return s.photos.Cancel(id)
}

// DiscardRecord drops a queued record at the user's request.
func (s *Scheduler) DiscardRecord(key string) (bool, error) {
	return s.records.Discard(key)
}
