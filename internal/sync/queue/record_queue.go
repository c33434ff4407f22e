package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/exposurelog/internal/backend"
	"github.com/kimhsiao/exposurelog/internal/broadcast"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/kv"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/metrics"
	"github.com/kimhsiao/exposurelog/internal/models"
)

// RecordCreator is the backend operation the record queue replays.
type RecordCreator interface {
	CreateRecord(ctx context.Context, idempotencyKey string, payload json.RawMessage) (string, error)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	LastError string
}

type attemptOutcome int

const (
	outcomeSkipped attemptOutcome = iota
	outcomeSucceeded
	outcomeFailed
)

// RecordQueue holds pending record creates in enqueue order. Every
// mutation is written through to the store before it becomes visible.
type RecordQueue struct {
	mu       sync.Mutex
	store    kv.Store
	client   RecordCreator
	opts     Options
	records  []*models.QueuedRecord
	inFlight map[string]bool
	synced   map[string]models.SyncedRecordRef

	listeners broadcast.Set[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecordQueue loads the persisted queue from store.
func NewRecordQueue(store kv.Store, client RecordCreator, opts Options) (*RecordQueue, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	q := &RecordQueue{
		store:    store,
		client:   client,
		opts:     opts,
		inFlight: make(map[string]bool),
		synced:   make(map[string]models.SyncedRecordRef),
		ctx:      ctx,
		cancel:   cancel,
	}

	now := opts.Now()
	if err := load(store, RecordsKey, &q.records, now); err != nil {
		cancel()
		return nil, err
	}
	if err := load(store, SyncedIndexKey, &q.synced, now); err != nil {
		cancel()
		return nil, err
	}
	if q.synced == nil {
		q.synced = make(map[string]models.SyncedRecordRef)
	}
	q.pruneSyncedLocked(now)
	q.recordMetricsLocked()

	if len(q.records) > 0 {
		logging.Info("Record queue restored", map[string]interface{}{"count": len(q.records)})
	}
	return q, nil
}

// Close cancels background attempts and waits for them to return.
func (q *RecordQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

// AddListener registers fn to run after every committed mutation.
func (q *RecordQueue) AddListener(fn func()) (unsubscribe func()) {
	return q.listeners.Add(func(struct{}) { fn() })
}

func (q *RecordQueue) notify() {
	q.listeners.Notify(struct{}{})
}

// Enqueue stores payload under a fresh idempotency key. The snapshot is
// durable when Enqueue returns. When online, one attempt is started in the
// background.
func (q *RecordQueue) Enqueue(payload json.RawMessage) (string, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return "", errors.New(errors.ErrInvalid, "record payload must be valid JSON")
	}

	q.mu.Lock()
	rec := &models.QueuedRecord{
		IdempotencyKey: q.opts.NewID(),
		Payload:        append(json.RawMessage(nil), payload...),
		CreatedAt:      q.opts.Now(),
	}
	q.records = append(q.records, rec)
	if err := q.persistLocked(); err != nil {
		q.records = q.records[:len(q.records)-1]
		q.mu.Unlock()
		logging.ErrorWithCode("Failed to persist enqueued record", string(errors.CodeOf(err)), err, nil)
		return "", err
	}
	q.recordMetricsLocked()
	q.mu.Unlock()

	q.opts.Metrics.Enqueued(metrics.QueueRecords)
	logging.Info("Record enqueued", map[string]interface{}{"idempotency_key": rec.IdempotencyKey})
	q.notify()

	if q.opts.Network().IsConnected {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.attemptSync(q.ctx, rec.IdempotencyKey)
		}()
	}

	return rec.IdempotencyKey, nil
}

// Remove deletes the record with key. Removing an absent key is a no-op.
func (q *RecordQueue) Remove(key string) error {
	q.mu.Lock()
	removed, err := q.removeLocked(key)
	q.mu.Unlock()

	if err != nil {
		return err
	}
	if removed {
		q.notify()
	}
	return nil
}

// Discard drops a record at the user's request. It reports whether the
// record was queued.
func (q *RecordQueue) Discard(key string) (bool, error) {
	q.mu.Lock()
	removed, err := q.removeLocked(key)
	q.mu.Unlock()

	if err != nil {
		return false, err
	}
	if removed {
		logging.Warn("Record discarded by user", map[string]interface{}{"idempotency_key": key})
		q.notify()
	}
	return removed, nil
}

func (q *RecordQueue) removeLocked(key string) (bool, error) {
	idx := q.indexLocked(key)
	if idx < 0 {
		return false, nil
	}
	removed := q.records[idx]
	q.records = append(q.records[:idx:idx], q.records[idx+1:]...)
	if err := q.persistLocked(); err != nil {
		q.records = append(q.records[:idx:idx], append([]*models.QueuedRecord{removed}, q.records[idx:]...)...)
		return false, err
	}
	q.recordMetricsLocked()
	return true, nil
}

// Get returns a copy of the record with key.
func (q *RecordQueue) Get(key string) (*models.QueuedRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(key)
	if idx < 0 {
		return nil, false
	}
	return q.records[idx].Clone(), true
}

// List returns copies of all records in enqueue order.
func (q *RecordQueue) List() []*models.QueuedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueuedRecord, len(q.records))
	for i, r := range q.records {
		out[i] = r.Clone()
	}
	return out
}

// Count returns the number of queued records.
func (q *RecordQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Problematic returns records that exhausted their automatic attempts.
func (q *RecordQueue) Problematic() []*models.QueuedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.QueuedRecord
	for _, r := range q.records {
		if r.AttemptCount >= q.opts.MaxAttempts {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ProblematicCount returns len(Problematic()) without copying.
func (q *RecordQueue) ProblematicCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.problematicLocked()
}

func (q *RecordQueue) problematicLocked() int {
	n := 0
	for _, r := range q.records {
		if r.AttemptCount >= q.opts.MaxAttempts {
			n++
		}
	}
	return n
}

// RetryFailed resets problematic records so the next drain attempts them.
func (q *RecordQueue) RetryFailed() (int, error) {
	q.mu.Lock()
	count := 0
	for _, r := range q.records {
		if r.AttemptCount >= q.opts.MaxAttempts {
			r.AttemptCount = 0
			r.LastAttemptAt = nil
			r.LastError = ""
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
		logging.Info("Reset problematic records for retry", map[string]interface{}{"count": count})
		q.notify()
	}
	return count, nil
}

// ResolveRecordID returns the backend id of a synced record. pending is
// true while the record is still queued.
func (q *RecordQueue) ResolveRecordID(key string) (id string, pending bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexLocked(key) >= 0 {
		return "", true
	}
	return q.synced[key].RecordID, false
}

// Drain attempts every eligible record once. Attempts start in enqueue
// order and run concurrently, so a slow record does not hold back the
// ones after it. Drain returns when all started attempts finish.
func (q *RecordQueue) Drain(ctx context.Context) DrainResult {
	q.mu.Lock()
	keys := make([]string, len(q.records))
	for i, r := range q.records {
		keys[i] = r.IdempotencyKey
	}
	q.mu.Unlock()

	var (
		mu     sync.Mutex
		result DrainResult
		g      errgroup.Group
	)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			outcome, err := q.attemptSync(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSucceeded:
				result.Attempted++
				result.Succeeded++
			case outcomeFailed:
				result.Attempted++
				result.Failed++
				result.LastError = err.Error()
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// attemptSync makes one attempt for key if its backoff window has elapsed
// and it is neither in flight nor problematic.
func (q *RecordQueue) attemptSync(ctx context.Context, key string) (attemptOutcome, error) {
	if ctx.Err() != nil {
		return outcomeSkipped, nil
	}

	q.mu.Lock()
	idx := q.indexLocked(key)
	if idx < 0 || q.inFlight[key] {
		q.mu.Unlock()
		return outcomeSkipped, nil
	}
	rec := q.records[idx]
	now := q.opts.Now()
	if rec.AttemptCount >= q.opts.MaxAttempts || !backoffElapsed(rec.AttemptCount, rec.LastAttemptAt, now) {
		q.mu.Unlock()
		return outcomeSkipped, nil
	}

	// The attempt is only made once its count is durable, so a crash
	// mid-call never understates attemptCount.
	prevLast := rec.LastAttemptAt
	rec.AttemptCount++
	rec.LastAttemptAt = &now
	if err := q.persistLocked(); err != nil {
		rec.AttemptCount--
		rec.LastAttemptAt = prevLast
		q.mu.Unlock()
		logging.ErrorWithCode("Failed to persist record attempt, skipping", string(errors.CodeOf(err)), err,
			map[string]interface{}{"idempotency_key": key})
		return outcomeSkipped, nil
	}
	attempt := rec.AttemptCount
	payload := append(json.RawMessage(nil), rec.Payload...)
	q.inFlight[key] = true
	q.mu.Unlock()
	q.notify()

	q.opts.Metrics.Attempted(metrics.QueueRecords)

	callCtx := ctx
	if q.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, q.opts.AttemptTimeout)
		defer cancel()
	}
	recordID, err := q.client.CreateRecord(callCtx, key, payload)
	if err == nil {
		q.onSuccess(key, recordID)
		return outcomeSucceeded, nil
	}
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = errors.Wrap(errors.ErrSyncTimeout, "create record timed out", err)
	}
	q.onFailure(key, attempt, err)
	return outcomeFailed, err
}

func (q *RecordQueue) onSuccess(key, recordID string) {
	q.mu.Lock()
	delete(q.inFlight, key)
	now := q.opts.Now()
	q.pruneSyncedLocked(now)
	q.synced[key] = models.SyncedRecordRef{RecordID: recordID, SyncedAt: now}
	if err := save(q.store, SyncedIndexKey, q.synced); err != nil {
		logging.ErrorWithCode("Failed to persist synced record index", string(errors.CodeOf(err)), err,
			map[string]interface{}{"idempotency_key": key})
	}
	if _, err := q.removeLocked(key); err != nil {
		logging.ErrorWithCode("Failed to persist record removal", string(errors.CodeOf(err)), err,
			map[string]interface{}{"idempotency_key": key})
	}
	q.mu.Unlock()

	q.opts.Metrics.Succeeded(metrics.QueueRecords)
	logging.Info("Record synced", map[string]interface{}{
		"idempotency_key": key,
		"record_id":       recordID,
	})
	q.notify()
}

func (q *RecordQueue) onFailure(key string, attempt int, err error) {
	q.mu.Lock()
	delete(q.inFlight, key)
	problematic := false
	if idx := q.indexLocked(key); idx >= 0 {
		rec := q.records[idx]
		rec.LastError = err.Error()
		if q.opts.FailFastOnPermanent && backend.IsPermanent(err) {
			rec.AttemptCount = q.opts.MaxAttempts
		}
		problematic = rec.AttemptCount >= q.opts.MaxAttempts
		if perr := q.persistLocked(); perr != nil {
			logging.ErrorWithCode("Failed to persist record failure", string(errors.CodeOf(perr)), perr,
				map[string]interface{}{"idempotency_key": key})
		}
		q.recordMetricsLocked()
	}
	q.mu.Unlock()

	code := string(errors.CodeOf(err))
	q.opts.Metrics.Failed(metrics.QueueRecords, code)
	ctx := map[string]interface{}{
		"idempotency_key": key,
		"attempt":         attempt,
		"retry_after_s":   Backoff(attempt).Seconds(),
	}
	if problematic {
		logging.ErrorWithCode("Record needs manual attention", code, err, ctx)
	} else {
		logging.Warn("Record sync attempt failed: "+err.Error(), ctx)
	}
	q.notify()
}

func (q *RecordQueue) indexLocked(key string) int {
	for i, r := range q.records {
		if r.IdempotencyKey == key {
			return i
		}
	}
	return -1
}

func (q *RecordQueue) persistLocked() error {
	return save(q.store, RecordsKey, q.records)
}

func (q *RecordQueue) pruneSyncedLocked(now time.Time) {
	for key, ref := range q.synced {
		if now.Sub(ref.SyncedAt) > syncedRetention {
			delete(q.synced, key)
		}
	}
}

func (q *RecordQueue) recordMetricsLocked() {
	q.opts.Metrics.SetDepth(metrics.QueueRecords, len(q.records), q.problematicLocked())
}
