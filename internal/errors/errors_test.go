// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},
		{"storage", ErrStorage},
		{"migration", ErrMigration},
		{"queue persist", ErrQueuePersist},
		{"queue corrupted", ErrQueueCorrupted},
		{"record not found", ErrRecordNotFound},
		{"photo not found", ErrPhotoNotFound},
		{"photo file missing", ErrPhotoFileMissing},
		{"invalid state", ErrInvalidState},
		{"sync in progress", ErrSyncInProgress},
		{"sync offline", ErrSyncOffline},
		{"sync failed", ErrSyncFailed},
		{"sync timeout", ErrSyncTimeout},
		{"backend rejected", ErrBackendRejected},
		{"backend unavailable", ErrBackendUnavailable},
		{"config", ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrStorage, Message: "write failed", Err: errors.New("disk full")},
			want:     "[STORAGE_ERROR] write failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	appErr := Wrap(ErrSyncFailed, "failed", underlying)

	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error")
	}
	if New(ErrInternal, "x").Unwrap() != nil {
		t.Error("Unwrap() should return nil without underlying error")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	inner := New(ErrPhotoFileMissing, "gone")
	outer := Wrap(ErrSyncFailed, "upload failed", inner)
	viaFmt := fmt.Errorf("attempt: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", inner, ErrPhotoFileMissing, true},
		{"outer code", outer, ErrSyncFailed, true},
		{"nested code", outer, ErrPhotoFileMissing, true},
		{"through fmt wrap", viaFmt, ErrPhotoFileMissing, true},
		{"no match", outer, ErrSyncOffline, false},
		{"plain error", errors.New("x"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", New(ErrSyncOffline, "offline"))
	if got := CodeOf(err); got != ErrSyncOffline {
		t.Errorf("CodeOf() = %s, want %s", got, ErrSyncOffline)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
}
