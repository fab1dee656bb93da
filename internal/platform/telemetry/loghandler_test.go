package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func spanContext(t *testing.T, flags trace.TraceFlags) trace.SpanContext {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: flags})
}

func TestLogHandler_TraceFields(t *testing.T) {
	t.Run("SampledSpan", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil)))
		ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t, trace.FlagsSampled))

		logger.InfoContext(ctx, "hello")

		record := decodeRecord(t, &buf)
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", record["trace_id"])
		assert.Equal(t, "00f067aa0ba902b7", record["span_id"])
		assert.NotContains(t, record, "trace_sampled")
	})

	t.Run("UnsampledSpan", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil)))
		ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t, 0))

		logger.InfoContext(ctx, "hello")

		assert.Equal(t, false, decodeRecord(t, &buf)["trace_sampled"])
	})

	t.Run("NoSpan", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil)))

		logger.InfoContext(context.Background(), "hello")

		record := decodeRecord(t, &buf)
		assert.NotContains(t, record, "trace_id")
		assert.NotContains(t, record, "span_id")
	})
}

func TestLogHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil))).With("service", "mailscheduler")

	ctx := ContextWithLogAttrs(context.Background(), slog.String("request_id", "req-1"))
	ctx = ContextWithLogAttrs(ctx, slog.String("sweep_run", "run-7"))
	logger.WarnContext(ctx, "sweep step")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "run-7", record["sweep_run"])
	assert.Equal(t, "mailscheduler", record["service"])

	assert.Same(t, ctx, ContextWithLogAttrs(ctx))
}
