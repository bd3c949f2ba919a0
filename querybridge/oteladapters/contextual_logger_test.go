package oteladapters_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/log/noop"

	"github.com/querybridge/querybridge-go/querybridge/oteladapters"
)

func Test_NewSlogBridgeLogger_Construction(t *testing.T) {
	logger := oteladapters.NewSlogBridgeLogger("test")
	assert.NotNil(t, logger, "NewSlogBridgeLogger should return non-nil logger")
}

func Test_SlogBridgeLogger_AllLevels(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Capture all levels
	})

	logger := oteladapters.NewSlogBridgeLoggerWithHandler(handler)
	ctx := context.Background()

	logger.DebugContext(ctx, "debug message", "level", "debug")
	logger.InfoContext(ctx, "info message", "level", "info")
	logger.WarnContext(ctx, "warn message", "level", "warn")
	logger.ErrorContext(ctx, "error message", "level", "error")

	output := buf.String()

	assert.Contains(t, output, "debug message", "Debug message should be logged")
	assert.Contains(t, output, "info message", "Info message should be logged")
	assert.Contains(t, output, "warn message", "Warn message should be logged")
	assert.Contains(t, output, "error message", "Error message should be logged")
}

func Test_SlogBridgeLogger_WithAttributes(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)

	logger := oteladapters.NewSlogBridgeLoggerWithHandler(handler)

	logger.InfoContext(context.Background(), "query completed",
		"source", "users",
		"record_count", 42,
		"duration_ms", 3.14,
	)

	output := buf.String()

	assert.Contains(t, output, "query completed", "Message should be logged")
	assert.Contains(t, output, `"source":"users"`, "String attribute should be present")
	assert.Contains(t, output, `"record_count":42`, "Int attribute should be present")
	assert.Contains(t, output, `"duration_ms":3.14`, "Float attribute should be present")
}

func Test_OTelLogger_EmitsWithoutPanic(t *testing.T) {
	logger := oteladapters.NewOTelLogger(noop.NewLoggerProvider().Logger("test"))
	ctx := context.Background()

	assert.NotPanics(t, func() {
		logger.DebugContext(ctx, "debug message", "key", "value")
		logger.InfoContext(ctx, "info message", "count", 7)
		logger.WarnContext(ctx, "warn message")
		logger.ErrorContext(ctx, "error message", "error", "boom")
	}, "OTelLogger should handle all levels and attribute shapes")
}

func Test_OTelLogger_ToleratesOddArgs(t *testing.T) {
	logger := oteladapters.NewOTelLogger(noop.NewLoggerProvider().Logger("test"))

	assert.NotPanics(t, func() {
		logger.InfoContext(context.Background(), "message", "dangling_key")
	}, "A dangling key without a value should be skipped, not panic")
}
