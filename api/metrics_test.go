package api

import (
	"context"
	"errors"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestListRequestMetricsSuccess(t *testing.T) {
	recorder := setupSpanRecorder(t)
	logger, hook := logtest.NewNullLogger()

	metrics, ctx := newListRequestMetrics(context.Background(), logger)
	if ctx == nil {
		t.Fatalf("expected a span context")
	}
	metrics.ObserveAuth(3 * time.Millisecond)
	metrics.ObserveFetch(7 * time.Millisecond)
	metrics.SetFiltered(true)
	metrics.SetTasksReturned(4)
	metrics.Log(200, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "tasks.list" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", span.Status())
	}
	attrs := spanAttrs(span)
	if attrs["http.status_code"].AsInt64() != 200 ||
		!attrs["dayplan.tasks.filtered"].AsBool() ||
		attrs["dayplan.tasks.returned"].AsInt64() != 4 {
		t.Fatalf("unexpected span attributes: %v", attrs)
	}

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "observability.event" ||
		entry.Data["event.name"] != tasksEventName ||
		entry.Data["event.domain"] != tasksEventDomain {
		t.Fatalf("unexpected log entry: %v", entry.Data)
	}
	if _, ok := entry.Data["auth_ms"]; !ok {
		t.Fatalf("expected auth_ms in fields")
	}
	if _, ok := entry.Data["fetch_ms"]; !ok {
		t.Fatalf("expected fetch_ms in fields")
	}
	if _, ok := entry.Data["error"]; ok {
		t.Fatalf("no error expected on success")
	}
}

func TestListRequestMetricsError(t *testing.T) {
	recorder := setupSpanRecorder(t)
	logger, hook := logtest.NewNullLogger()

	metrics, _ := newListRequestMetrics(context.Background(), logger)
	metrics.SetErrorStage("storage")
	metrics.Log(500, errors.New("fetch tasks: boom"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", span.Status())
	}
	if spanAttrs(span)["dayplan.error_stage"].AsString() != "storage" {
		t.Fatalf("expected error stage attribute")
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if entry.Data["error_stage"] != "storage" || entry.Data["error"] != "fetch tasks: boom" {
		t.Fatalf("unexpected log fields: %v", entry.Data)
	}
}
