package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// decodeEntry parses a single JSON log line.
func decodeEntry(t *testing.T, line string) LogEntry {
	t.Helper()

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", line, err)
	}
	return entry
}

// TestNew tests creating a standalone logger.
func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	if logger == nil {
		t.Fatal("New returned nil")
	}
	if logger.out != &buf {
		t.Error("logger output writer not set")
	}
	if logger.minLevel != LevelDebug {
		t.Errorf("minLevel = %v, want %v", logger.minLevel, LevelDebug)
	}
}

// TestLogger_Info tests logging an info message.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("sync started")

	entry := decodeEntry(t, buf.String())
	if entry.Level != "INFO" {
		t.Errorf("level = %q, want INFO", entry.Level)
	}
	if entry.Message != "sync started" {
		t.Errorf("message = %q, want %q", entry.Message, "sync started")
	}
	if entry.Timestamp == "" {
		t.Error("timestamp should not be empty")
	}
	if entry.Error != "" {
		t.Errorf("error = %q, want empty", entry.Error)
	}
}

// TestLogger_Error tests logging an error with an attached error value.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Error("sync failed", errors.New("connection refused"))

	entry := decodeEntry(t, buf.String())
	if entry.Level != "ERROR" {
		t.Errorf("level = %q, want ERROR", entry.Level)
	}
	if entry.Error != "connection refused" {
		t.Errorf("error = %q, want %q", entry.Error, "connection refused")
	}
}

// TestLogger_Error_nilError tests logging an error message with no error value.
func TestLogger_Error_nilError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Error("something went wrong", nil)

	entry := decodeEntry(t, buf.String())
	if entry.Error != "" {
		t.Errorf("error = %q, want empty", entry.Error)
	}
}

// TestLogger_context tests logging with a context map.
func TestLogger_context(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("operation queued", map[string]interface{}{
		"sync_uuid": "abc-123",
		"attempts":  2,
	})

	entry := decodeEntry(t, buf.String())
	if entry.Context == nil {
		t.Fatal("context should not be nil")
	}
	if entry.Context["sync_uuid"] != "abc-123" {
		t.Errorf("context sync_uuid = %v, want abc-123", entry.Context["sync_uuid"])
	}
	if entry.Context["attempts"] != float64(2) {
		t.Errorf("context attempts = %v, want 2", entry.Context["attempts"])
	}
}

// TestLogger_levelFiltering tests the minimum level filter.
func TestLogger_levelFiltering(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logAt    LogLevel
		want     bool
	}{
		{"debug at debug", LevelDebug, LevelDebug, true},
		{"debug at info", LevelInfo, LevelDebug, false},
		{"info at info", LevelInfo, LevelInfo, true},
		{"warn at error", LevelError, LevelWarn, false},
		{"error at error", LevelError, LevelError, true},
		{"error at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, tt.minLevel)

			switch tt.logAt {
			case LevelDebug:
				logger.Debug("msg")
			case LevelInfo:
				logger.Info("msg")
			case LevelWarn:
				logger.Warn("msg")
			case LevelError:
				logger.Error("msg", nil)
			}

			got := buf.Len() > 0
			if got != tt.want {
				t.Errorf("logged = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLogger_oneLinePerEntry tests that each entry is a single JSON line.
func TestLogger_oneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for i, line := range lines {
		entry := decodeEntry(t, line)
		if entry.Message == "" {
			t.Errorf("line %d has empty message", i)
		}
	}
}

// TestMergeContext_none tests merging with no context maps.
func TestMergeContext_none(t *testing.T) {
	if got := mergeContext(); got != nil {
		t.Errorf("mergeContext() = %v, want nil", got)
	}
}

// TestMergeContext_single tests merging a single context map.
func TestMergeContext_single(t *testing.T) {
	ctx := map[string]interface{}{"key": "value"}

	got := mergeContext(ctx)
	if len(got) != 1 || got["key"] != "value" {
		t.Errorf("mergeContext(ctx) = %v, want %v", got, ctx)
	}
}

// TestMergeContext_multiple tests merging multiple context maps.
func TestMergeContext_multiple(t *testing.T) {
	first := map[string]interface{}{"a": 1, "b": 2}
	second := map[string]interface{}{"b": 3, "c": 4}

	got := mergeContext(first, second)
	if len(got) != 3 {
		t.Fatalf("merged map has %d keys, want 3", len(got))
	}
	if got["a"] != 1 {
		t.Errorf("a = %v, want 1", got["a"])
	}
	if got["b"] != 3 {
		t.Errorf("b = %v, want 3 (later map wins)", got["b"])
	}
	if got["c"] != 4 {
		t.Errorf("c = %v, want 4", got["c"])
	}
}

// TestLogger_concurrent tests concurrent logging does not corrupt output.
func TestLogger_concurrent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent message")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 200 {
		t.Fatalf("got %d lines, want 200", len(lines))
	}
	for _, line := range lines {
		decodeEntry(t, line)
	}
}

// TestGet_default tests that Get initializes a default global logger.
func TestGet_default(t *testing.T) {
	logger := Get()
	if logger == nil {
		t.Fatal("Get returned nil")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("default minLevel = %v, want %v", logger.minLevel, LevelInfo)
	}
}
