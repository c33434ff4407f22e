package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/logging"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps an AppError code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError && code != errors.ErrSyncOffline {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrRecordNotFound, errors.ErrPhotoNotFound:
		return http.StatusNotFound
	case errors.ErrSyncInProgress, errors.ErrInvalidState:
		return http.StatusConflict
	case errors.ErrPhotoFileMissing:
		return http.StatusUnprocessableEntity
	case errors.ErrSyncOffline, errors.ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
