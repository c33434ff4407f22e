package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kimhsiao/exposurelog/internal/backend"
	"github.com/kimhsiao/exposurelog/internal/models"
)

// Confirmation is a recorded ConfirmPhotoUpload call.
type Confirmation struct {
	RecordID  string
	StorageID string
	PhotoID   string
}

// FakeBackend is a scriptable in-memory backend.Client. It is idempotent
// on the idempotency key like the real backend.
type FakeBackend struct {
	mu sync.Mutex

	// RecordErr, when set, decides the outcome of each CreateRecord call.
	RecordErr func(key string) error
	// UploadErr, when set, decides the outcome of each UploadPhoto call.
	UploadErr func(meta models.PhotoMetadata) error
	// ConfirmErr, when set, decides the outcome of each ConfirmPhotoUpload call.
	ConfirmErr func(recordID string) error

	// Gate, when non-nil, blocks every UploadPhoto until it receives a value
	// or the call's context ends.
	Gate chan struct{}
	// RecordGate, when non-nil, blocks every CreateRecord the same way.
	RecordGate chan struct{}

	records       map[string]string // idempotency key -> record id
	createCalls   map[string]int
	uploadCalls   map[string]int
	confirmations []Confirmation
	active        int
	maxActive     int
	nextID        int
}

// NewFakeBackend creates an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		records:     make(map[string]string),
		createCalls: make(map[string]int),
		uploadCalls: make(map[string]int),
	}
}

var _ backend.Client = (*FakeBackend)(nil)

// CreateRecord implements backend.Client.
func (f *FakeBackend) CreateRecord(ctx context.Context, key string, payload json.RawMessage) (string, error) {
	f.mu.Lock()
	f.createCalls[key]++
	gate := f.RecordGate
	decide := f.RecordErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if decide != nil {
		if err := decide(key); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.records[key]; ok {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.records[key] = id
	return id, nil
}

// UploadPhoto implements backend.Client.
func (f *FakeBackend) UploadPhoto(ctx context.Context, localPath string, meta models.PhotoMetadata, progress backend.ProgressFunc) (*backend.UploadResult, error) {
	f.mu.Lock()
	f.uploadCalls[meta.PhotoID]++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate := f.Gate
	decide := f.UploadErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if decide != nil {
		if err := decide(meta); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(info.Size()/2, info.Size())
		progress(info.Size(), info.Size())
	}
	return &backend.UploadResult{StorageID: "blob-" + meta.PhotoID, URL: "mem://blob-" + meta.PhotoID}, nil
}

// ConfirmPhotoUpload implements backend.Client.
func (f *FakeBackend) ConfirmPhotoUpload(ctx context.Context, recordID, storageID string, meta models.PhotoMetadata) (string, error) {
	f.mu.Lock()
	decide := f.ConfirmErr
	f.mu.Unlock()
	if decide != nil {
		if err := decide(recordID); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations = append(f.confirmations, Confirmation{RecordID: recordID, StorageID: storageID, PhotoID: meta.PhotoID})
	return "att-" + meta.PhotoID, nil
}

// SetRecordErr replaces RecordErr under the lock.
func (f *FakeBackend) SetRecordErr(fn func(key string) error) {
	f.mu.Lock()
	f.RecordErr = fn
	f.mu.Unlock()
}

// SetUploadErr replaces UploadErr under the lock.
func (f *FakeBackend) SetUploadErr(fn func(meta models.PhotoMetadata) error) {
	f.mu.Lock()
	f.UploadErr = fn
	f.mu.Unlock()
}

// RecordID returns the id assigned to key, if created.
func (f *FakeBackend) RecordID(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.records[key]
	return id, ok
}

// RecordCount returns the number of distinct records created.
func (f *FakeBackend) RecordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// CreateCalls returns how many times key was submitted.
func (f *FakeBackend) CreateCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls[key]
}

// UploadCalls returns how many times photoID was uploaded.
func (f *FakeBackend) UploadCalls(photoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls[photoID]
}

// Confirmations returns recorded confirmations.
func (f *FakeBackend) Confirmations() []Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Confirmation(nil), f.confirmations...)
}

// Active returns the number of uploads currently inside UploadPhoto.
func (f *FakeBackend) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// MaxActive returns the highest observed concurrent upload count.
func (f *FakeBackend) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}
