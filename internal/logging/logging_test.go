package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("test message")
	logger.Debug("debug message")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		if result := Default(original); result != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

// captureHandler records every record it's handed, for assertions on
// what survived a LevelFilter. WithAttrs clones share the backing
// slice pointer so a derived logger's records are still visible
// through the original handler.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCaptureHandler() *captureHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &captureHandler{mu: &mu, records: &records}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &captureHandler{mu: h.mu, records: h.records, attrs: newAttrs}
}

func (h *captureHandler) WithGroup(name string) slog.Handler { return h }

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestLevelFilterBasicFiltering(t *testing.T) {
	capture := newCaptureHandler()
	logger := slog.New(NewLevelFilter(capture, slog.LevelInfo))

	logger.Info("info message", "component", ComponentSync)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("debug message", "component", ComponentSync)
	if capture.count() != 1 {
		t.Errorf("expected debug to be filtered, got %d records", capture.count())
	}

	logger.Warn("warn message", "component", ComponentSync)
	if capture.count() != 2 {
		t.Errorf("expected 2 records, got %d", capture.count())
	}
}

func TestLevelFilterSetLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewLevelFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("debug message", "component", ComponentGC)
	if capture.count() != 0 {
		t.Errorf("expected 0 records before SetLevel, got %d", capture.count())
	}

	filter.SetLevel(ComponentGC, slog.LevelDebug)
	logger.Debug("debug message", "component", ComponentGC)
	if capture.count() != 1 {
		t.Errorf("expected 1 record after SetLevel, got %d", capture.count())
	}

	logger.Debug("debug message", "component", ComponentSync)
	if capture.count() != 1 {
		t.Errorf("expected sync's debug to stay filtered, got %d records", capture.count())
	}
}

func TestLevelFilterClearLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewLevelFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel(ComponentGC, slog.LevelDebug)
	logger.Debug("debug message", "component", ComponentGC)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	filter.ClearLevel(ComponentGC)
	logger.Debug("debug message", "component", ComponentGC)
	if capture.count() != 1 {
		t.Errorf("expected debug to be filtered again after ClearLevel, got %d", capture.count())
	}
}

func TestLevelFilterLevel(t *testing.T) {
	filter := NewLevelFilter(nil, slog.LevelInfo)

	if level := filter.Level(ComponentChunkstore); level != slog.LevelInfo {
		t.Errorf("expected INFO for an unconfigured component, got %v", level)
	}

	filter.SetLevel(ComponentChunkstore, slog.LevelDebug)
	if level := filter.Level(ComponentChunkstore); level != slog.LevelDebug {
		t.Errorf("expected DEBUG, got %v", level)
	}
}

func TestLevelFilterClearLevelNonExistent(t *testing.T) {
	filter := NewLevelFilter(nil, slog.LevelInfo)
	filter.ClearLevel("nonexistent")
	if level := filter.Level("nonexistent"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}

func TestLevelFilterWithAttrs(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewLevelFilter(capture, slog.LevelInfo)
	logger := slog.New(filter).With("component", ComponentBackupClient)

	filter.SetLevel(ComponentBackupClient, slog.LevelDebug)
	logger.Debug("debug message")
	if capture.count() != 1 {
		t.Errorf("expected debug through preAttrs component, got %d records", capture.count())
	}
}

func TestLevelFilterNoComponent(t *testing.T) {
	capture := newCaptureHandler()
	logger := slog.New(NewLevelFilter(capture, slog.LevelInfo))

	logger.Info("info message")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}
	logger.Debug("debug message")
	if capture.count() != 1 {
		t.Errorf("expected debug filtered for a record with no component, got %d", capture.count())
	}
}

func TestLevelFilterWithGroup(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewLevelFilter(capture, slog.LevelInfo)
	logger := slog.New(filter.WithGroup("snapshot"))

	logger.Info("info message", "component", ComponentDatastore)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}
	logger.Debug("debug message", "component", ComponentDatastore)
	if capture.count() != 1 {
		t.Errorf("expected debug filtered, got %d", capture.count())
	}
}

// derived handlers (via WithAttrs) must see SetLevel calls made on the
// original filter, and vice versa: they share one levelTable.
func TestLevelFilterSharesStateAcrossDerivedHandlers(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewLevelFilter(capture, slog.LevelInfo)
	scoped := slog.New(filter).With("component", ComponentConfig)

	filter.SetLevel(ComponentConfig, slog.LevelDebug)
	scoped.Debug("debug message")
	if capture.count() != 1 {
		t.Errorf("expected derived logger to observe SetLevel on the parent filter, got %d records", capture.count())
	}
}

func TestLevelFilterConcurrent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewLevelFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 100

	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				logger.Info("message", "component", ComponentSync)
			}
		})
	}
	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				filter.SetLevel(ComponentSync, slog.LevelDebug)
				filter.ClearLevel(ComponentSync)
			}
		})
	}
	wg.Wait()

	if count := capture.count(); count != goroutines*iterations {
		t.Errorf("expected %d records, got %d", goroutines*iterations, count)
	}
}

func TestLevelFilterIntegration(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewLevelFilter(base, slog.LevelInfo)
	logger := slog.New(filter)

	syncLogger := logger.With("component", ComponentSync)
	gcLogger := logger.With("component", ComponentGC)

	syncLogger.Debug("sync debug 1")
	gcLogger.Debug("gc debug 1")
	if buf.Len() != 0 {
		t.Errorf("expected no output before SetLevel, got: %s", buf.String())
	}

	filter.SetLevel(ComponentSync, slog.LevelDebug)
	syncLogger.Debug("sync debug 2")
	gcLogger.Debug("gc debug 2")

	output := buf.String()
	if !strings.Contains(output, "sync debug 2") {
		t.Errorf("expected sync's debug log, got: %s", output)
	}
	if strings.Contains(output, "gc debug") {
		t.Errorf("did not expect gc's debug log, got: %s", output)
	}
}
