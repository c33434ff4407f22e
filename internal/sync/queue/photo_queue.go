package queue

import (
	"context"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/kimhsiao/exposurelog/internal/backend"
	"github.com/kimhsiao/exposurelog/internal/broadcast"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/kv"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/metrics"
	"github.com/kimhsiao/exposurelog/internal/models"
)

// PhotoUploader is the subset of backend.Client the photo queue uses.
type PhotoUploader interface {
	UploadPhoto(ctx context.Context, localPath string, meta models.PhotoMetadata, progress backend.ProgressFunc) (*backend.UploadResult, error)
	ConfirmPhotoUpload(ctx context.Context, recordID, storageID string, meta models.PhotoMetadata) (string, error)
}

// ParentResolver maps a parent idempotency key to its backend record id.
type ParentResolver interface {
	ResolveRecordID(key string) (id string, pending bool)
}

// PhotoInput describes a photo to enqueue. Size and mime type are
// detected from the file when left empty.
type PhotoInput struct {
	ParentIdempotencyKey string `json:"parent_idempotency_key"`
	LocalURI             string `json:"local_uri"`
	FileSizeBytes        int64  `json:"file_size_bytes,omitempty"`
	MimeType             string `json:"mime_type,omitempty"`
	Caption              string `json:"caption,omitempty"`
}

// upload is one in-flight attempt. A completion whose upload is no longer
// registered in active (cancelled) is ignored.
type upload struct {
	id     string
	cancel context.CancelFunc
}

// PhotoQueue holds pending photo uploads and runs at most
// MaxConcurrentUploads of them at a time.
type PhotoQueue struct {
	mu      sync.Mutex
	store   kv.Store
	client  PhotoUploader
	parents ParentResolver
	opts    Options
	items   []*models.QueuedPhoto
	active  map[string]*upload
	idle    chan struct{} // closed while active is empty

	listeners broadcast.Set[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPhotoQueue loads the persisted queue from store. Items persisted as
// uploading cannot still be in flight and are reset to pending.
func NewPhotoQueue(store kv.Store, client PhotoUploader, parents ParentResolver, opts Options) (*PhotoQueue, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	q := &PhotoQueue{
		store:   store,
		client:  client,
		parents: parents,
		opts:    opts,
		active:  make(map[string]*upload),
		idle:    closedChan(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := load(store, PhotosKey, &q.items, opts.Now()); err != nil {
		cancel()
		return nil, err
	}

	repaired, dropped := 0, 0
	kept := q.items[:0]
	for _, p := range q.items {
		switch p.UploadStatus {
		case models.UploadUploaded:
			dropped++
			continue
		case models.UploadUploading:
			p.UploadStatus = models.UploadPending
			p.UploadProgress = 0
			repaired++
		}
		kept = append(kept, p)
	}
	q.items = kept
	if repaired > 0 || dropped > 0 {
		if err := q.persistLocked(); err != nil {
			cancel()
			return nil, err
		}
		logging.Warn("Photo queue repaired on load", map[string]interface{}{
			"reset_uploading":  repaired,
			"dropped_uploaded": dropped,
		})
	}
	q.recordMetricsLocked()

	return q, nil
}

// Close cancels in-flight uploads and waits for their goroutines.
func (q *PhotoQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

// AddListener registers fn to run after every mutation, including
// progress updates.
func (q *PhotoQueue) AddListener(fn func()) (unsubscribe func()) {
	return q.listeners.Add(func(struct{}) { fn() })
}

func (q *PhotoQueue) notify() {
	q.listeners.Notify(struct{}{})
}

// Enqueue stores a photo upload. The snapshot is durable when Enqueue
// returns; processing starts immediately.
func (q *PhotoQueue) Enqueue(in PhotoInput) (string, error) {
	if in.ParentIdempotencyKey == "" {
		return "", errors.New(errors.ErrInvalid, "parent idempotency key is required")
	}
	if in.LocalURI == "" {
		return "", errors.New(errors.ErrInvalid, "local uri is required")
	}

	if in.FileSizeBytes <= 0 {
		info, err := os.Stat(in.LocalURI)
		if err != nil {
			return "", errors.Wrap(errors.ErrPhotoFileMissing, "cannot stat photo", err)
		}
		in.FileSizeBytes = info.Size()
	}
	if in.MimeType == "" {
		mt, err := mimetype.DetectFile(in.LocalURI)
		if err != nil {
			return "", errors.Wrap(errors.ErrPhotoFileMissing, "cannot read photo", err)
		}
		in.MimeType = mt.String()
	}

	q.mu.Lock()
	item := &models.QueuedPhoto{
		ID:                   q.opts.NewID(),
		ParentIdempotencyKey: in.ParentIdempotencyKey,
		LocalURI:             in.LocalURI,
		FileSizeBytes:        in.FileSizeBytes,
		MimeType:             in.MimeType,
		Caption:              in.Caption,
		UploadStatus:         models.UploadPending,
		CreatedAt:            q.opts.Now(),
	}
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		logging.ErrorWithCode("Failed to persist enqueued photo", string(errors.CodeOf(err)), err, nil)
		return "", err
	}
	q.recordMetricsLocked()
	q.mu.Unlock()

	q.opts.Metrics.Enqueued(metrics.QueuePhotos)
	logging.Info("Photo enqueued", map[string]interface{}{
		"photo_id":   item.ID,
		"parent_key": item.ParentIdempotencyKey,
		"size":       humanize.IBytes(uint64(item.FileSizeBytes)),
		"mime_type":  item.MimeType,
	})
	q.notify()
	q.ProcessQueue()

	return item.ID, nil
}

// ProcessQueue admits eligible items up to the concurrency cap and returns
// how many uploads it started.
func (q *PhotoQueue) ProcessQueue() int {
	q.mu.Lock()
	started := q.admitLocked()
	q.mu.Unlock()

	if started > 0 {
		q.notify()
	}
	return started
}

// eligibleLocked reports whether p may start an upload now.
func (q *PhotoQueue) eligibleLocked(p *models.QueuedPhoto, net connectivityState) bool {
	if p.UploadStatus != models.UploadPending && p.UploadStatus != models.UploadError {
		return false
	}
	if _, running := q.active[p.ID]; running {
		return false
	}
	if p.RetryCount >= q.opts.MaxAttempts {
		return false
	}
	if !net.online {
		return false
	}
	if p.FileSizeBytes > q.opts.LargeFileThreshold && !net.wifi {
		return false
	}
	return backoffElapsed(p.RetryCount, p.LastAttemptAt, q.opts.Now())
}

type connectivityState struct {
	online bool
	wifi   bool
}

// admitLocked starts uploads for eligible items in enqueue order until the
// cap is reached. It is the only place uploads start, and it runs under
// q.mu, so the active set never exceeds the cap.
func (q *PhotoQueue) admitLocked() int {
	slots := q.opts.MaxConcurrentUploads - len(q.active)
	if slots <= 0 || q.ctx.Err() != nil {
		return 0
	}

	state := q.opts.Network()
	net := connectivityState{online: state.IsConnected, wifi: state.IsWiFi()}

	var admitted []*models.QueuedPhoto
	for _, p := range q.items {
		if len(admitted) == slots {
			break
		}
		if q.eligibleLocked(p, net) {
			admitted = append(admitted, p)
		}
	}
	if len(admitted) == 0 {
		return 0
	}

	now := q.opts.Now()
	if len(q.active) == 0 {
		q.idle = make(chan struct{})
	}
	for _, p := range admitted {
		p.UploadStatus = models.UploadUploading
		p.UploadProgress = 0
		p.RetryCount++
		p.LastAttemptAt = &now

		ctx, cancel := context.WithCancel(q.ctx)
		up := &upload{id: p.ID, cancel: cancel}
		q.active[p.ID] = up

		snapshot := p.Clone()
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.uploadItem(ctx, up, snapshot)
		}()
	}
	if err := q.persistLocked(); err != nil {
		logging.ErrorWithCode("Failed to persist photo admission", string(errors.CodeOf(err)), err, nil)
	}
	q.recordMetricsLocked()

	return len(admitted)
}

// releaseSlotLocked runs after an upload leaves the active set. idle is
// closed exactly when the active set is empty; admitLocked opens a new one
// when it refills an empty set.
func (q *PhotoQueue) releaseSlotLocked() {
	if len(q.active) == 0 {
		close(q.idle)
	}
	q.admitLocked()
}

// uploadItem runs one attempt: file check, upload, confirmation.
func (q *PhotoQueue) uploadItem(ctx context.Context, up *upload, item *models.QueuedPhoto) {
	defer up.cancel()
	q.opts.Metrics.Attempted(metrics.QueuePhotos)

	if _, err := os.Stat(item.LocalURI); err != nil {
		q.finish(up, errors.Wrap(errors.ErrPhotoFileMissing, "photo file no longer exists", err))
		return
	}

	if q.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.AttemptTimeout)
		defer cancel()
	}

	meta := item.Metadata()
	res, err := q.client.UploadPhoto(ctx, item.LocalURI, meta, func(sent, total int64) {
		q.setProgress(up, sent, total)
	})
	if err != nil {
		q.finish(up, q.wrapAttemptErr(ctx, "upload photo", err))
		return
	}

	// A parent not synced yet is addressed by its idempotency key.
	recordID := item.ParentIdempotencyKey
	if q.parents != nil {
		if id, _ := q.parents.ResolveRecordID(item.ParentIdempotencyKey); id != "" {
			recordID = id
		}
	}

	if _, err := q.client.ConfirmPhotoUpload(ctx, recordID, res.StorageID, meta); err != nil {
		q.finish(up, q.wrapAttemptErr(ctx, "confirm photo", err))
		return
	}
	q.finish(up, nil)
}

func (q *PhotoQueue) wrapAttemptErr(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(errors.ErrSyncTimeout, op+" timed out", err)
	}
	return err
}

func (q *PhotoQueue) setProgress(up *upload, sent, total int64) {
	if total <= 0 {
		return
	}
	progress := float64(sent) / float64(total)
	if progress > 1 {
		progress = 1
	}

	q.mu.Lock()
	if q.active[up.id] != up {
		q.mu.Unlock()
		return
	}
	if p := q.findLocked(up.id); p != nil {
		p.UploadProgress = progress
	}
	q.mu.Unlock()
	q.notify()
}

// finish records the outcome of up and admits the next items in the same
// critical section.
func (q *PhotoQueue) finish(up *upload, err error) {
	q.mu.Lock()
	if q.active[up.id] != up {
		q.mu.Unlock()
		return
	}
	delete(q.active, up.id)

	var item *models.QueuedPhoto
	idx := q.indexLocked(up.id)
	if idx >= 0 {
		item = q.items[idx]
	}

	terminal := false
	if item != nil {
		if err == nil {
			item.UploadStatus = models.UploadUploaded
			item.UploadProgress = 1
			q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
		} else {
			item.UploadStatus = models.UploadError
			item.LastError = err.Error()
			item.LastErrorCode = string(errors.CodeOf(err))
			if errors.Is(err, errors.ErrPhotoFileMissing) ||
				(q.opts.FailFastOnPermanent && backend.IsPermanent(err)) {
				item.RetryCount = q.opts.MaxAttempts
			}
			terminal = item.RetryCount >= q.opts.MaxAttempts
		}
		if perr := q.persistLocked(); perr != nil {
			logging.ErrorWithCode("Failed to persist photo outcome", string(errors.CodeOf(perr)), perr,
				map[string]interface{}{"photo_id": up.id})
		}
	}

	q.releaseSlotLocked()
	q.recordMetricsLocked()
	q.mu.Unlock()

	ctx := map[string]interface{}{"photo_id": up.id}
	switch {
	case err == nil:
		q.opts.Metrics.Succeeded(metrics.QueuePhotos)
		logging.Info("Photo uploaded", ctx)
	case terminal:
		q.opts.Metrics.Failed(metrics.QueuePhotos, string(errors.CodeOf(err)))
		logging.ErrorWithCode("Photo upload needs manual attention", string(errors.CodeOf(err)), err, ctx)
	default:
		q.opts.Metrics.Failed(metrics.QueuePhotos, string(errors.CodeOf(err)))
		logging.Warn("Photo upload attempt failed: "+err.Error(), ctx)
	}
	q.notify()
}

// Cancel aborts an in-flight upload. The item returns to error and stays
// eligible for a later retry; its backoff window restarts now, so the
// admission pass that fills the freed slot does not pick it again.
func (q *PhotoQueue) Cancel(id string) error {
	q.mu.Lock()
	p := q.findLocked(id)
	if p == nil {
		q.mu.Unlock()
		return errors.New(errors.ErrPhotoNotFound, "photo "+id+" is not queued")
	}
	up, running := q.active[id]
	if !running || p.UploadStatus != models.UploadUploading {
		q.mu.Unlock()
		return errors.New(errors.ErrInvalidState, "photo "+id+" is not uploading")
	}

	delete(q.active, id)
	up.cancel()
	now := q.opts.Now()
	p.LastAttemptAt = &now
	p.UploadStatus = models.UploadError
	p.LastError = "upload cancelled"
	p.LastErrorCode = string(errors.ErrInvalidState)
	if err := q.persistLocked(); err != nil {
		logging.ErrorWithCode("Failed to persist cancellation", string(errors.CodeOf(err)), err,
			map[string]interface{}{"photo_id": id})
	}
	q.releaseSlotLocked()
	q.recordMetricsLocked()
	q.mu.Unlock()

	logging.Info("Photo upload cancelled", map[string]interface{}{"photo_id": id})
	q.notify()
	return nil
}

// FailedUploads returns items in terminal failure.
func (q *PhotoQueue) FailedUploads() []*models.QueuedPhoto {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.QueuedPhoto
	for _, p := range q.items {
		if q.terminalLocked(p) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// FailedCount returns len(FailedUploads()) without copying.
func (q *PhotoQueue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failedLocked()
}

func (q *PhotoQueue) terminalLocked(p *models.QueuedPhoto) bool {
	return p.UploadStatus == models.UploadError && p.RetryCount >= q.opts.MaxAttempts
}

func (q *PhotoQueue) failedLocked() int {
	n := 0
	for _, p := range q.items {
		if q.terminalLocked(p) {
			n++
		}
	}
	return n
}

// RetryFailed resets the retry budget of every errored item and processes
// the queue again.
func (q *PhotoQueue) RetryFailed() (int, error) {
	q.mu.Lock()
	count := 0
	for _, p := range q.items {
		if p.UploadStatus == models.UploadError {
			p.RetryCount = 0
			p.LastAttemptAt = nil
			count++
		}
	}
	var err error
	if count > 0 {
		err = q.persistLocked()
		q.recordMetricsLocked()
	}
	q.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Reset failed photos for retry", map[string]interface{}{"count": count})
		q.notify()
		q.ProcessQueue()
	}
	return count, nil
}

// Drain processes the queue and waits until no upload is active. Uploads
// admitted on completion of others are waited for too.
func (q *PhotoQueue) Drain(ctx context.Context) DrainResult {
	before := q.snapshotCounts()
	q.ProcessQueue()

	for {
		q.mu.Lock()
		if len(q.active) == 0 {
			q.mu.Unlock()
			break
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return q.diff(before)
		}
	}
	return q.diff(before)
}

type photoCounts struct {
	ids map[string]int // id -> retry count
}

func (q *PhotoQueue) snapshotCounts() photoCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := photoCounts{ids: make(map[string]int, len(q.items))}
	for _, p := range q.items {
		c.ids[p.ID] = p.RetryCount
	}
	return c
}

// diff derives a DrainResult by comparing the queue with an earlier
// snapshot: items gone were uploaded, items errored since were failures.
func (q *PhotoQueue) diff(before photoCounts) DrainResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res DrainResult
	now := make(map[string]*models.QueuedPhoto, len(q.items))
	for _, p := range q.items {
		now[p.ID] = p
	}
	for id, retries := range before.ids {
		p, ok := now[id]
		switch {
		case !ok:
			res.Attempted++
			res.Succeeded++
		case p.UploadStatus == models.UploadError && p.RetryCount != retries:
			res.Attempted++
			res.Failed++
			res.LastError = p.LastError
		case p.UploadStatus == models.UploadUploading:
			res.Attempted++
		default:
			res.Skipped++
		}
	}
	return res
}

// Get returns a copy of the item with id.
func (q *PhotoQueue) Get(id string) (*models.QueuedPhoto, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p := q.findLocked(id); p != nil {
		return p.Clone(), true
	}
	return nil, false
}

// List returns copies of all items in enqueue order.
func (q *PhotoQueue) List() []*models.QueuedPhoto {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueuedPhoto, len(q.items))
	for i, p := range q.items {
		out[i] = p.Clone()
	}
	return out
}

// Count returns the number of queued items.
func (q *PhotoQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ActiveCount returns the number of uploads in flight.
func (q *PhotoQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *PhotoQueue) findLocked(id string) *models.QueuedPhoto {
	if idx := q.indexLocked(id); idx >= 0 {
		return q.items[idx]
	}
	return nil
}

func (q *PhotoQueue) indexLocked(id string) int {
	for i, p := range q.items {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (q *PhotoQueue) persistLocked() error {
	return save(q.store, PhotosKey, q.items)
}

func (q *PhotoQueue) recordMetricsLocked() {
	q.opts.Metrics.SetDepth(metrics.QueuePhotos, len(q.items), q.failedLocked())
	q.opts.Metrics.SetActiveUploads(len(q.active))
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
