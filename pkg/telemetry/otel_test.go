package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

func newTestOTLPProvider(t *testing.T) (*OTLPProvider, *tracetest.InMemoryExporter) {
	t.Helper()

	cfg := config.NewDefaultConfig().Telemetry
	cfg.Enabled = true
	cfg.Metrics.Enabled = false

	exporter := tracetest.NewInMemoryExporter()
	prov, err := NewOTLPProvider(context.Background(), cfg,
		hostenv.Context{SessionID: "sess-1", Platform: "linux/amd64"},
		WithTraceExporter(exporter),
	)
	require.NoError(t, err)
	return prov, exporter
}

func spanAttr(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTLPProvider_SendEvent(t *testing.T) {
	prov, exporter := newTestOTLPProvider(t)
	defer func() { _ = prov.Shutdown(context.Background()) }()

	start := time.Now().Add(-time.Second)
	end := time.Now()
	prov.SendEvent("editor.save", EventData{"ext": ".go"}, start, end)

	require.NoError(t, prov.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "editor.save", spans[0].Name)
	assert.WithinDuration(t, start, spans[0].StartTime, time.Millisecond)
	assert.WithinDuration(t, end, spans[0].EndTime, time.Millisecond)

	v, ok := spanAttr(spans[0], "ext")
	require.True(t, ok)
	assert.Equal(t, ".go", v.AsString())
}

func TestOTLPProvider_GlobalAttributesOnSpans(t *testing.T) {
	prov, exporter := newTestOTLPProvider(t)
	defer func() { _ = prov.Shutdown(context.Background()) }()

	prov.SetGlobalAttributes(map[string]interface{}{"global.workspace": "w1"})
	prov.SendEvent("tagged", nil, time.Now(), time.Now())

	require.NoError(t, prov.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	v, ok := spanAttr(spans[0], "global.workspace")
	require.True(t, ok)
	assert.Equal(t, "w1", v.AsString())
}

func TestOTLPProvider_StartEvent(t *testing.T) {
	prov, exporter := newTestOTLPProvider(t)
	defer func() { _ = prov.Shutdown(context.Background()) }()

	handle := prov.StartEvent("long.op", EventData{"step": 1}, time.Now())
	require.NotNil(t, handle)
	handle.End()

	require.NoError(t, prov.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "long.op", spans[0].Name)
}

func TestOTLPProvider_HostContextOnResource(t *testing.T) {
	prov, exporter := newTestOTLPProvider(t)
	defer func() { _ = prov.Shutdown(context.Background()) }()

	prov.SendEvent("resource.check", nil, time.Now(), time.Now())
	require.NoError(t, prov.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if string(kv.Key) == "common.sessionid" {
			assert.Equal(t, "sess-1", kv.Value.AsString())
			found = true
		}
	}
	assert.True(t, found, "session id missing from resource attributes")
}

func TestOTLPProvider_ShutdownIdempotent(t *testing.T) {
	prov, _ := newTestOTLPProvider(t)

	require.NoError(t, prov.Shutdown(context.Background()))
	// Second shutdown reports the SDK's already-shut-down state but must
	// not panic; the facade swallows the error either way.
	assert.NotPanics(t, func() { _ = prov.Shutdown(context.Background()) })
}

func TestFactoryFor(t *testing.T) {
	for _, name := range []string{"otlp", "log", "noop", ""} {
		factory, err := FactoryFor(name)
		require.NoError(t, err, name)
		require.NotNil(t, factory, name)
	}

	_, err := FactoryFor("carrier-pigeon")
	assert.Error(t, err)
}

func TestNoopProvider(t *testing.T) {
	prov := NewNoopProvider()
	assert.NotPanics(t, func() {
		prov.SendEvent("ev", nil, time.Now(), time.Now())
		prov.StartEvent("span", nil, time.Now()).End()
		prov.SetGlobalAttributes(map[string]interface{}{"k": "v"})
	})
	assert.NoError(t, prov.Shutdown(context.Background()))
}
