// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%q)", err, buf.String())
	}
	return entry
}

// TestInit_idempotent verifies a second Init is ignored.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if first.out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(io.Discard, tt.minLevel)
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestLogger_InfoWithContext verifies context maps become JSON fields.
func TestLogger_InfoWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("record enqueued", map[string]interface{}{"idempotency_key": "k-1"}, map[string]interface{}{"count": 2})

	entry := decode(t, &buf)
	if entry["message"] != "record enqueued" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["idempotency_key"] != "k-1" {
		t.Errorf("idempotency_key = %v", entry["idempotency_key"])
	}
	if entry["count"] != float64(2) {
		t.Errorf("count = %v", entry["count"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_Filtered verifies messages below the minimum level are dropped.
func TestLogger_Filtered(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("upload failed", "PHOTO_FILE_MISSING", errors.New("no such file"), map[string]interface{}{"photo_id": "p-1"})

	entry := decode(t, &buf)
	if entry["error_code"] != "PHOTO_FILE_MISSING" {
		t.Errorf("error_code = %v", entry["error_code"])
	}
	if entry["error"] != "no such file" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["photo_id"] != "p-1" {
		t.Errorf("photo_id = %v", entry["photo_id"])
	}
}

// TestMergeContext_doesNotMutate verifies caller maps are left untouched.
func TestMergeContext_doesNotMutate(t *testing.T) {
	ctx := map[string]interface{}{"a": 1}
	var buf bytes.Buffer
	New(&buf, LevelInfo).ErrorWithCode("x", "C", nil, ctx)

	if _, ok := ctx["error_code"]; ok {
		t.Error("ErrorWithCode mutated the caller's context map")
	}
}
