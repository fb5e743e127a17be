package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-tracking/config"
)

// Тесты не параллельные: newTelemetry меняет глобальные провайдеры otel.

func TestNewTelemetry_ExportsMetrics(t *testing.T) {
	tel, err := newTelemetry("tracking-test", config.TraceExporterNone, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.shutdown(context.Background()) })

	counter, err := tel.meterProvider.Meter("tracking-test").Int64Counter("tracking.test.updates")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	rec := httptest.NewRecorder()
	tel.metricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tracking_test_updates_total")
	assert.Contains(t, body, "go_goroutines", "runtime-метрики регистрируются рядом с otel")
}

func TestNewTelemetry_StdoutTraces(t *testing.T) {
	var out bytes.Buffer
	tel, err := newTelemetry("tracking-test", config.TraceExporterStdout, &out)
	require.NoError(t, err)

	_, span := tel.tracerProvider.Tracer("tracking-test").Start(context.Background(), "dispatch.tracking process")
	span.End()

	require.NoError(t, tel.shutdown(context.Background()))
	assert.Contains(t, out.String(), "dispatch.tracking process")
}

func TestNewTelemetry_UnknownExporter(t *testing.T) {
	_, err := newTelemetry("tracking-test", "jaeger", io.Discard)
	assert.ErrorContains(t, err, `"jaeger"`)
}
