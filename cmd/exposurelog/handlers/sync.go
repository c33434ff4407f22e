// Package handlers provides REST API handlers for the sync queues.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/exposurelog/internal/connectivity"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/models"
	"github.com/kimhsiao/exposurelog/internal/sync/queue"
	"github.com/kimhsiao/exposurelog/internal/sync/scheduler"
	"github.com/kimhsiao/exposurelog/internal/uuid"
)

// SyncService is the scheduler surface the handlers need.
type SyncService interface {
	Status() models.SyncStatus
	TriggerSync(ctx context.Context) (*scheduler.SyncResult, error)
	EnqueueRecord(rec *models.ExposureRecord) (string, error)
	EnqueuePhoto(in queue.PhotoInput) (string, error)
	RetryFailedPhotos() (int, error)
	RetryProblematicRecords() (int, error)
	ProblematicRecords() []*models.QueuedRecord
	FailedPhotos() []*models.QueuedPhoto
	PendingRecords() []*models.QueuedRecord
	PendingPhotos() []*models.QueuedPhoto
	CancelUpload(id string) error
	DiscardRecord(key string) (bool, error)
}

// ConnectivityFeed accepts reachability reports from the host platform.
type ConnectivityFeed interface {
	Current() connectivity.State
	Update(s connectivity.State) bool
}

// WSSyncBroadcaster interface for sync WebSocket events.
type WSSyncBroadcaster interface {
	BroadcastSyncStarted(trigger string)
	BroadcastSyncCompleted(result *scheduler.SyncResult)
	BroadcastSyncFailed(code string, message string)
}

// SyncHandler handles sync status, triggers and queue management.
type SyncHandler struct {
	service SyncService
	network ConnectivityFeed
	wsHub   WSSyncBroadcaster
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(service SyncService, network ConnectivityFeed) *SyncHandler {
	return &SyncHandler{service: service, network: network}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting sync events.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// Routes mounts the handler under r.
func (h *SyncHandler) Routes(r chi.Router, triggerLimit func(http.Handler) http.Handler) {
	r.Get("/sync/status", h.GetStatus)
	if triggerLimit != nil {
		r.With(triggerLimit).Post("/sync/trigger", h.TriggerSync)
	} else {
		r.Post("/sync/trigger", h.TriggerSync)
	}

	r.Get("/records", h.ListRecords)
	r.Post("/records", h.CreateRecord)
	r.Get("/records/problematic", h.ListProblematicRecords)
	r.Post("/records/retry", h.RetryRecords)
	r.Delete("/records/{key}", h.DiscardRecord)

	r.Get("/photos", h.ListPhotos)
	r.Post("/photos", h.CreatePhoto)
	r.Get("/photos/failed", h.ListFailedPhotos)
	r.Post("/photos/retry", h.RetryPhotos)
	r.Post("/photos/{id}/cancel", h.CancelUpload)

	r.Get("/connectivity", h.GetConnectivity)
	r.Put("/connectivity", h.SetConnectivity)
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

// TriggerSync handles POST /sync/trigger
// Runs one drain pass over both queues and returns its summary.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.wsHub != nil {
		h.wsHub.BroadcastSyncStarted(scheduler.TriggerManual)
	}

	result, err := h.service.TriggerSync(r.Context())
	if err != nil {
		if h.wsHub != nil {
			h.wsHub.BroadcastSyncFailed(string(errors.CodeOf(err)), err.Error())
		}
		writeError(w, err)
		return
	}

	if h.wsHub != nil {
		h.wsHub.BroadcastSyncCompleted(result)
	}
	writeJSON(w, http.StatusOK, result)
}

// ListRecords handles GET /records
func (h *SyncHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": nonNilRecords(h.service.PendingRecords()),
	})
}

// ListProblematicRecords handles GET /records/problematic
func (h *SyncHandler) ListProblematicRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": nonNilRecords(h.service.ProblematicRecords()),
	})
}

// CreateRecord handles POST /records
func (h *SyncHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec models.ExposureRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	key, err := h.service.EnqueueRecord(&rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"idempotency_key": key})
}

// RetryRecords handles POST /records/retry
func (h *SyncHandler) RetryRecords(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RetryProblematicRecords()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// DiscardRecord handles DELETE /records/{key}
func (h *SyncHandler) DiscardRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := uuid.Validate(key); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "idempotency key", err))
		return
	}
	removed, err := h.service.DiscardRecord(key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, errors.New(errors.ErrRecordNotFound, "no queued record with key "+key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPhotos handles GET /photos
func (h *SyncHandler) ListPhotos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"photos": nonNilPhotos(h.service.PendingPhotos()),
	})
}

// ListFailedPhotos handles GET /photos/failed
func (h *SyncHandler) ListFailedPhotos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"photos": nonNilPhotos(h.service.FailedPhotos()),
	})
}

// CreatePhoto handles POST /photos
// The photo must already be on local disk; the body carries its path.
func (h *SyncHandler) CreatePhoto(w http.ResponseWriter, r *http.Request) {
	var in queue.PhotoInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	id, err := h.service.EnqueuePhoto(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// RetryPhotos handles POST /photos/retry
func (h *SyncHandler) RetryPhotos(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RetryFailedPhotos()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// CancelUpload handles POST /photos/{id}/cancel
func (h *SyncHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CancelUpload(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetConnectivity handles GET /connectivity
func (h *SyncHandler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.network.Current())
}

// SetConnectivity handles PUT /connectivity
// Lets the host platform push reachability changes.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		IsConnected    bool   `json:"is_connected"`
		ConnectionType string `json:"connection_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	state := connectivity.Offline
	if request.IsConnected {
		state = connectivity.State{IsConnected: true, ConnectionType: connectivity.ParseType(request.ConnectionType)}
	}
	changed := h.network.Update(state)

	logging.Info("Connectivity reported", map[string]interface{}{
		"is_connected":    state.IsConnected,
		"connection_type": string(state.ConnectionType),
		"changed":         changed,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   h.network.Current(),
		"changed": changed,
	})
}

func nonNilRecords(items []*models.QueuedRecord) []*models.QueuedRecord {
	if items == nil {
		return []*models.QueuedRecord{}
	}
	return items
}

func nonNilPhotos(items []*models.QueuedPhoto) []*models.QueuedPhoto {
	if items == nil {
		return []*models.QueuedPhoto{}
	}
	return items
}
