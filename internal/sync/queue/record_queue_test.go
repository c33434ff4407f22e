package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/exposurelog/internal/backend"
	"github.com/kimhsiao/exposurelog/internal/connectivity"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/kv"
	"github.com/kimhsiao/exposurelog/internal/models"
)

var noisePayload = json.RawMessage(`{"hazard_type":"noise","severity":3}`)

func newRecordQueue(t *testing.T, store kv.Store, f *fixture, mutate ...func(*Options)) *RecordQueue {
	t.Helper()
	opts := f.options("rec")
	for _, m := range mutate {
		m(&opts)
	}
	q, err := NewRecordQueue(store, f.fb, opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func persistedRecords(t *testing.T, store kv.Store) []*models.QueuedRecord {
	t.Helper()
	raw, ok, err := store.Get(RecordsKey)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	var out []*models.QueuedRecord
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// TestRecordQueue_EnqueueOfflinePersists verifies the snapshot is durable on return
// and no attempt is made offline.
func TestRecordQueue_EnqueueOfflinePersists(t *testing.T) {
	f := newFixture(connectivity.Offline)
	store := kv.NewMemoryStore()
	q := newRecordQueue(t, store, f)

	key, err := q.Enqueue(noisePayload)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", key)
	assert.Equal(t, 1, q.Count())

	persisted := persistedRecords(t, store)
	require.Len(t, persisted, 1)
	assert.Equal(t, key, persisted[0].IdempotencyKey)
	assert.Equal(t, 0, persisted[0].AttemptCount)
	assert.Nil(t, persisted[0].LastAttemptAt)
	assert.Equal(t, epoch, persisted[0].CreatedAt)
	assert.JSONEq(t, string(noisePayload), string(persisted[0].Payload))

	assert.Equal(t, 0, f.fb.CreateCalls(key))
}

// TestRecordQueue_OfflineThenOnline verifies a queued record is created exactly once
// with its original key after connectivity returns.
func TestRecordQueue_OfflineThenOnline(t *testing.T) {
	f := newFixture(connectivity.Offline)
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	key, err := q.Enqueue(noisePayload)
	require.NoError(t, err)
	require.Equal(t, 1, q.Count())

	f.net.set(wifi)
	res := q.Drain(context.Background())

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, f.fb.CreateCalls(key))
	assert.Equal(t, 0, q.Count())

	id, pending := q.ResolveRecordID(key)
	assert.False(t, pending)
	want, _ := f.fb.RecordID(key)
	assert.Equal(t, want, id)
}

// TestRecordQueue_EnqueueOnlineAttemptsInBackground verifies the fire-and-forget attempt.
func TestRecordQueue_EnqueueOnlineAttemptsInBackground(t *testing.T) {
	f := newFixture(cellular)
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	key, err := q.Enqueue(noisePayload)
	require.NoError(t, err)

	waitFor(t, func() bool { return q.Count() == 0 }, "record should sync in the background")
	assert.Equal(t, 1, f.fb.CreateCalls(key))
}

// TestRecordQueue_EnqueueRejectsInvalidPayload verifies payload validation.
func TestRecordQueue_EnqueueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(connectivity.Offline)
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	_, err := q.Enqueue(json.RawMessage(`{"broken"`))
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	_, err = q.Enqueue(nil)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	assert.Equal(t, 0, q.Count())
}

type failingStore struct {
	kv.Store
	fail bool
}

func (s *failingStore) Set(key string, value []byte) error {
	if s.fail {
		return fmt.Errorf("disk full")
	}
	return s.Store.Set(key, value)
}

// TestRecordQueue_EnqueuePersistFailure verifies a failed write leaves nothing queued.
func TestRecordQueue_EnqueuePersistFailure(t *testing.T) {
	f := newFixture(connectivity.Offline)
	store := &failingStore{Store: kv.NewMemoryStore(), fail: true}
	q := newRecordQueue(t, store, f)

	_, err := q.Enqueue(noisePayload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueuePersist))
	assert.Equal(t, 0, q.Count())
}

// TestRecordQueue_AttemptNeedsDurableCount verifies no backend call is made when
// the attempt stamp cannot be written.
func TestRecordQueue_AttemptNeedsDurableCount(t *testing.T) {
	f := newFixture(connectivity.Offline)
	store := &failingStore{Store: kv.NewMemoryStore()}
	q := newRecordQueue(t, store, f)

	key, err := q.Enqueue(noisePayload)
	require.NoError(t, err)

	store.fail = true
	f.net.set(wifi)
	res := q.Drain(context.Background())
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, f.fb.CreateCalls(key))
	rec, _ := q.Get(key)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Nil(t, rec.LastAttemptAt)

	store.fail = false
	res = q.Drain(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, q.Count())
}

// TestRecordQueue_RemoveIsIdempotent verifies removing twice equals removing once.
func TestRecordQueue_RemoveIsIdempotent(t *testing.T) {
	f := newFixture(connectivity.Offline)
	store := kv.NewMemoryStore()
	q := newRecordQueue(t, store, f)

	k1, _ := q.Enqueue(noisePayload)
	k2, _ := q.Enqueue(noisePayload)

	require.NoError(t, q.Remove(k1))
	once := persistedRecords(t, store)
	require.NoError(t, q.Remove(k1))
	require.NoError(t, q.Remove("never-existed"))
	twice := persistedRecords(t, store)

	assert.Equal(t, once, twice)
	require.Len(t, twice, 1)
	assert.Equal(t, k2, twice[0].IdempotencyKey)
}

// TestRecordQueue_SurvivesRestart verifies records persist across process restarts
// until confirmed.
func TestRecordQueue_SurvivesRestart(t *testing.T) {
	store, err := kv.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(connectivity.Offline)
	q1, err := NewRecordQueue(store, f.fb, f.options("a"))
	require.NoError(t, err)
	k1, _ := q1.Enqueue(noisePayload)
	k2, _ := q1.Enqueue(noisePayload)
	q1.Close()

	q2, err := NewRecordQueue(store, f.fb, f.options("b"))
	require.NoError(t, err)
	defer q2.Close()

	list := q2.List()
	require.Len(t, list, 2)
	assert.Equal(t, k1, list[0].IdempotencyKey)
	assert.Equal(t, k2, list[1].IdempotencyKey)
}

// TestRecordQueue_SyncedIndexSurvivesRestart verifies photos can still resolve a
// parent synced before a restart.
func TestRecordQueue_SyncedIndexSurvivesRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	f := newFixture(connectivity.Offline)

	q1, err := NewRecordQueue(store, f.fb, f.options("a"))
	require.NoError(t, err)
	key, _ := q1.Enqueue(noisePayload)
	f.net.set(wifi)
	q1.Drain(context.Background())
	q1.Close()

	q2, err := NewRecordQueue(store, f.fb, f.options("b"))
	require.NoError(t, err)
	defer q2.Close()

	id, pending := q2.ResolveRecordID(key)
	assert.False(t, pending)
	assert.NotEmpty(t, id)
}

// TestRecordQueue_SyncedIndexPruned verifies old index entries expire.
func TestRecordQueue_SyncedIndexPruned(t *testing.T) {
	store := kv.NewMemoryStore()
	old := map[string]models.SyncedRecordRef{
		"old": {RecordID: "rec-old", SyncedAt: epoch.Add(-31 * 24 * time.Hour)},
		"new": {RecordID: "rec-new", SyncedAt: epoch.Add(-time.Hour)},
	}
	raw, _ := json.Marshal(old)
	require.NoError(t, store.Set(SyncedIndexKey, raw))

	f := newFixture(connectivity.Offline)
	q := newRecordQueue(t, store, f)

	id, _ := q.ResolveRecordID("old")
	assert.Empty(t, id)
	id, _ = q.ResolveRecordID("new")
	assert.Equal(t, "rec-new", id)
}

// TestRecordQueue_BackoffWindow verifies a record is never retried before 2^n seconds.
func TestRecordQueue_BackoffWindow(t *testing.T) {
	f := newFixture(wifi)
	f.fb.SetRecordErr(func(string) error { return fmt.Errorf("network down") })
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	f.net.set(connectivity.Offline)
	key, _ := q.Enqueue(noisePayload)
	f.net.set(wifi)

	res := q.Drain(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "network down", res.LastError)
	require.Equal(t, 1, f.fb.CreateCalls(key))

	for attempts := 1; attempts < 4; attempts++ {
		wait := Backoff(attempts)

		f.clock.Advance(wait - time.Millisecond)
		res = q.Drain(context.Background())
		assert.Equal(t, 1, res.Skipped, "attempt %d retried early", attempts+1)
		assert.Equal(t, attempts, f.fb.CreateCalls(key))

		f.clock.Advance(time.Millisecond)
		q.Drain(context.Background())
		assert.Equal(t, attempts+1, f.fb.CreateCalls(key))
	}

	rec, ok := q.Get(key)
	require.True(t, ok)
	assert.Equal(t, 4, rec.AttemptCount)
	assert.Equal(t, "network down", rec.LastError)
}

// TestRecordQueue_ProblematicAfterFiveFailures walks a record to terminal failure
// and back through RetryFailed.
func TestRecordQueue_ProblematicAfterFiveFailures(t *testing.T) {
	f := newFixture(connectivity.Offline)
	f.fb.SetRecordErr(func(string) error { return fmt.Errorf("validation failed") })
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	key, _ := q.Enqueue(noisePayload)
	f.net.set(wifi)

	for i := 0; i < 5; i++ {
		q.Drain(context.Background())
		f.clock.Advance(time.Hour)
	}

	rec, ok := q.Get(key)
	require.True(t, ok, "record must never be purged")
	assert.Equal(t, 5, rec.AttemptCount)
	require.Len(t, q.Problematic(), 1)
	assert.Equal(t, key, q.Problematic()[0].IdempotencyKey)
	assert.Equal(t, 1, q.ProblematicCount())

	// Sixth pass does nothing.
	res := q.Drain(context.Background())
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 5, f.fb.CreateCalls(key))

	f.fb.SetRecordErr(nil)
	n, err := q.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, _ = q.Get(key)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Nil(t, rec.LastAttemptAt)

	res = q.Drain(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, q.Count())
}

// TestRecordQueue_PermanentErrorsRetriedByDefault verifies validation rejections
// consume the normal retry budget unless fail-fast is enabled.
func TestRecordQueue_PermanentErrorsRetriedByDefault(t *testing.T) {
	rejected := &backend.StatusError{Op: "create record", StatusCode: 422, Body: "bad severity"}

	t.Run("default", func(t *testing.T) {
		f := newFixture(connectivity.Offline)
		f.fb.SetRecordErr(func(string) error { return rejected })
		q := newRecordQueue(t, kv.NewMemoryStore(), f)
		key, _ := q.Enqueue(noisePayload)
		f.net.set(wifi)

		q.Drain(context.Background())
		rec, _ := q.Get(key)
		assert.Equal(t, 1, rec.AttemptCount)
		assert.Empty(t, q.Problematic())
	})

	t.Run("fail fast", func(t *testing.T) {
		f := newFixture(connectivity.Offline)
		f.fb.SetRecordErr(func(string) error { return rejected })
		q := newRecordQueue(t, kv.NewMemoryStore(), f, func(o *Options) { o.FailFastOnPermanent = true })
		key, _ := q.Enqueue(noisePayload)
		f.net.set(wifi)

		q.Drain(context.Background())
		rec, _ := q.Get(key)
		assert.Equal(t, DefaultMaxAttempts, rec.AttemptCount)
		assert.Len(t, q.Problematic(), 1)
	})
}

// TestRecordQueue_SlowRecordDoesNotBlockOthers verifies attempts in a pass run concurrently.
func TestRecordQueue_SlowRecordDoesNotBlockOthers(t *testing.T) {
	f := newFixture(connectivity.Offline)
	gate := make(chan struct{})
	f.fb.RecordGate = gate
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	k1, _ := q.Enqueue(noisePayload)
	k2, _ := q.Enqueue(noisePayload)
	f.net.set(wifi)

	done := make(chan DrainResult, 1)
	go func() { done <- q.Drain(context.Background()) }()

	waitFor(t, func() bool { return f.fb.CreateCalls(k1) == 1 && f.fb.CreateCalls(k2) == 1 },
		"both records should be in flight together")

	// A concurrent pass must not duplicate in-flight attempts.
	f.clock.Advance(time.Hour)
	res := q.Drain(context.Background())
	assert.Equal(t, 2, res.Skipped)

	close(gate)
	res = <-done
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, f.fb.CreateCalls(k1))
	assert.Equal(t, 0, q.Count())
}

// TestRecordQueue_AttemptTimeout verifies the optional per-attempt timeout.
func TestRecordQueue_AttemptTimeout(t *testing.T) {
	f := newFixture(connectivity.Offline)
	f.fb.RecordGate = make(chan struct{})
	q := newRecordQueue(t, kv.NewMemoryStore(), f, func(o *Options) { o.AttemptTimeout = 20 * time.Millisecond })

	key, _ := q.Enqueue(noisePayload)
	f.net.set(wifi)

	res := q.Drain(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.True(t, strings.Contains(res.LastError, string(errors.ErrSyncTimeout)), res.LastError)

	rec, _ := q.Get(key)
	assert.Equal(t, 1, rec.AttemptCount)
}

// TestRecordQueue_CorruptSnapshotIsBackedUp verifies unreadable state is kept aside.
func TestRecordQueue_CorruptSnapshotIsBackedUp(t *testing.T) {
	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(RecordsKey, []byte("{not json")))

	f := newFixture(connectivity.Offline)
	q := newRecordQueue(t, store, f)
	assert.Equal(t, 0, q.Count())

	backupKey := fmt.Sprintf("%s.corrupt.%d", RecordsKey, epoch.Unix())
	raw, ok, err := store.Get(backupKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "{not json", string(raw))
}

// TestRecordQueue_MistypedSnapshotStartsEmpty verifies a snapshot that decodes
// partway before a type error leaves no half-loaded records behind.
func TestRecordQueue_MistypedSnapshotStartsEmpty(t *testing.T) {
	store := kv.NewMemoryStore()
	raw := `[{"idempotency_key":"k1","payload":{}},{"idempotency_key":"k2","attempt_count":"three"}]`
	require.NoError(t, store.Set(RecordsKey, []byte(raw)))

	q := newRecordQueue(t, store, newFixture(connectivity.Offline))
	assert.Equal(t, 0, q.Count())
	assert.Empty(t, q.List())

	_, ok, err := store.Get(fmt.Sprintf("%s.corrupt.%d", RecordsKey, epoch.Unix()))
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRecordQueue_DiscardAndListeners verifies user discard and listener lifecycle.
func TestRecordQueue_DiscardAndListeners(t *testing.T) {
	f := newFixture(connectivity.Offline)
	q := newRecordQueue(t, kv.NewMemoryStore(), f)

	calls := 0
	unsubscribe := q.AddListener(func() { calls++ })

	key, _ := q.Enqueue(noisePayload)
	assert.Equal(t, 1, calls)

	ok, err := q.Discard(key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, calls)

	ok, err = q.Discard(key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, calls)

	unsubscribe()
	q.Enqueue(noisePayload)
	assert.Equal(t, 2, calls)
}

// TestBackoff verifies the 2^n schedule.
func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 32*time.Second, Backoff(5))
	assert.Equal(t, Backoff(30), Backoff(100))
}
