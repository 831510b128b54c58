package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

type staticChecker struct {
	name   string
	status HealthStatus
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) *ComponentHealth {
	return &ComponentHealth{Name: c.name, Status: c.status}
}

func TestPoolChecker(t *testing.T) {
	pc := NewPoolChecker(noop.NewTracerProvider().Tracer("test"))

	h := pc.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Nil(t, h.Metadata)

	pc.Publish(PoolSnapshot{Backend: "simulated", Handle: "0x10000", DeviceID: 1})
	h = pc.Check(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "0x10000", h.Metadata["handle"])
	assert.Equal(t, 1, h.Metadata["device_id"])

	pc.Publish(PoolSnapshot{Backend: "simulated", Handle: "0x10000", Released: true})
	h = pc.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "resource pool released", h.Message)
}

func TestHealthManager_WorstStatusWins(t *testing.T) {
	hm := NewHealthManager("test", zerolog.Nop(), noop.NewTracerProvider().Tracer("test"))
	hm.RegisterChecker(staticChecker{"a", StatusHealthy})

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)

	hm.RegisterChecker(staticChecker{"b", StatusDegraded})
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)

	hm.RegisterChecker(staticChecker{"c", StatusUnhealthy})
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Len(t, report.Components, 3)
	assert.Equal(t, int64(3), report.CheckCount)
}

func TestHealthManager_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pc := NewPoolChecker(tp.Tracer("test"))
	pc.Publish(PoolSnapshot{Backend: "simulated", Handle: "0x10000"})
	hm := NewHealthManager("test", zerolog.Nop(), tp.Tracer("test"))
	hm.RegisterChecker(pc)
	hm.CheckHealth(context.Background())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "PoolChecker.Check", spans[0].Name())
	assert.Equal(t, "HealthManager.CheckHealth", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestHTTPHandler(t *testing.T) {
	pc := NewPoolChecker(noop.NewTracerProvider().Tracer("test"))
	hm := NewHealthManager("test", zerolog.Nop(), noop.NewTracerProvider().Tracer("test"))
	hm.RegisterChecker(pc)
	handler := hm.HTTPHandler()

	pc.Publish(PoolSnapshot{Backend: "simulated", Handle: "0x10000"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "simulated", report.Components["gpu_resources"].Metadata["backend"])

	pc.Publish(PoolSnapshot{Backend: "simulated", Released: true})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
