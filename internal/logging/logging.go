package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geolocate/internal/config"
)

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(NewTraditionalHandler(io.Discard, slog.LevelError+4))
}

// Setup configures global logging with stdout and optional daily file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("geolocate-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "geolocate-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(io.MultiWriter(writers...), level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("geolocate logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())

	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogBatchStart logs the beginning of an orchestration run.
func LogBatchStart(logger *slog.Logger, kind, batchID string, photos int, method int, seed *int64) {
	logger.Info("batch started",
		"kind", kind,
		"id", batchID,
		"photos", photos,
		"method", method,
		"seed", SeedString(seed),
	)
}

// LogBatchComplete logs successful batch completion.
func LogBatchComplete(logger *slog.Logger, kind, batchID string, duration time.Duration, result map[string]any) {
	logger.Info("batch completed",
		"kind", kind,
		"id", batchID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", result,
	)
}

// LogBatchError logs batch failures
func LogBatchError(logger *slog.Logger, kind, batchID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("batch failed",
		"kind", kind,
		"id", batchID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogPhotoState logs a per-photo state transition inside a batch.
func LogPhotoState(logger *slog.Logger, batchID string, photoID int64, state, reason string) {
	if reason != "" {
		logger.Warn("photo state",
			"batch", batchID,
			"photo_id", photoID,
			"state", state,
			"reason", reason,
		)
		return
	}
	logger.Debug("photo state",
		"batch", batchID,
		"photo_id", photoID,
		"state", state,
	)
}

// LogDetection logs the outcome of one detection call on one image.
func LogDetection(logger *slog.Logger, imageRef string, method int, count int, duration time.Duration) {
	logger.Info("detection finished",
		"image", imageRef,
		"method", method,
		"detections", count,
		"duration_ms", duration.Milliseconds(),
	)
}

// SeedString renders an optional seed for logs and status bars.
func SeedString(seed *int64) string {
	if seed == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *seed)
}
