package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

// testConfig returns a config with a short deferred-init delay so tests
// are not stuck behind the production default.
func testConfig() config.TelemetryConfig {
	cfg := config.NewDefaultConfig().Telemetry
	cfg.InitDelay = config.Duration(10 * time.Millisecond)
	cfg.Events.RateLimit = 0
	return cfg
}

func TestService_DisabledByDefault(t *testing.T) {
	svc := NewService(testConfig())
	defer svc.Dispose()

	assert.False(t, svc.Enabled())

	assert.NotPanics(t, func() {
		svc.SendEvent("some.event", EventData{"k": "v"}, nil, time.Time{}, time.Time{})
		handle := svc.StartEvent("some.span", nil, nil, time.Time{})
		handle.End() // nil handle, still safe
	})

	assert.False(t, svc.Enabled())
}

func TestService_StaysDisabledWithoutFactory(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = true // config flag alone must not enable anything

	consent := hostenv.NewConsent(true)
	svc := NewService(cfg, WithConsent(consent))
	defer svc.Dispose()

	// Give deferred initialization every chance to run.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, svc.Enabled())

	consent.Set(false)
	consent.Set(true)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, svc.Enabled())
}

func TestService_GlobalAttributeRoundTrip(t *testing.T) {
	svc := NewService(testConfig())
	defer svc.Dispose()

	svc.SetGlobalAttribute("workspace", "w1")
	assert.Equal(t, "w1", svc.GlobalAttributes()["global.workspace"])

	svc.DeleteGlobalAttribute("workspace")
	_, ok := svc.GlobalAttributes()["global.workspace"]
	assert.False(t, ok)
}

func TestService_SetGlobalAttributes_NilDeletes(t *testing.T) {
	svc := NewService(testConfig())
	defer svc.Dispose()

	svc.SetGlobalAttribute("b", "soon gone")
	svc.SetGlobalAttributes(map[string]interface{}{"a": 1, "b": nil})

	attrs := svc.GlobalAttributes()
	assert.Equal(t, 1, attrs["global.a"])
	_, ok := attrs["global.b"]
	assert.False(t, ok)
}

func TestService_SetGlobalAttribute_Idempotent(t *testing.T) {
	svc := NewService(testConfig())
	defer svc.Dispose()

	svc.SetGlobalAttribute("k", "v")
	svc.SetGlobalAttribute("k", "v")

	attrs := svc.GlobalAttributes()
	assert.Len(t, attrs, 1)
	assert.Equal(t, "v", attrs["global.k"])
}

func TestService_Dispose_Idempotent(t *testing.T) {
	rec := NewRecordingProvider()
	svc := newEnabledService(t, rec)

	assert.NotPanics(t, func() {
		svc.Dispose()
		svc.Dispose()
		svc.Dispose()
	})
	assert.Equal(t, 1, rec.Shutdowns())
	assert.False(t, svc.Enabled())

	// Post-dispose calls stay silent.
	svc.SendEvent("late.event", nil, nil, time.Time{}, time.Time{})
	assert.Nil(t, rec.EventByName("late.event"))
}

func TestService_Dispose_NoProvider(t *testing.T) {
	svc := NewService(testConfig())
	assert.NotPanics(t, func() {
		svc.Dispose()
		svc.Dispose()
	})
}

func TestService_EnablesWithConsentAndFactory(t *testing.T) {
	rec := NewRecordingProvider()
	svc := newEnabledService(t, rec)
	defer svc.Dispose()

	svc.SetGlobalAttribute("session", "s1")
	svc.SendEvent("editor.open", EventData{"ext": ".go"}, nil, time.Time{}, time.Time{})

	require.Eventually(t, func() bool {
		return rec.EventByName("editor.open") != nil
	}, 2*time.Second, 10*time.Millisecond)

	ev := rec.EventByName("editor.open")
	assert.Equal(t, ".go", ev.Data["ext"])
	assert.Equal(t, "s1", ev.Attrs["global.session"])
	assert.False(t, ev.Start.IsZero())
	assert.False(t, ev.End.Before(ev.Start))
}

func TestService_QueueDrainsIntoFreshProvider(t *testing.T) {
	rec := NewRecordingProvider()
	cfg := testConfig()
	cfg.Enabled = true
	cfg.InitDelay = config.Duration(150 * time.Millisecond)

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(RecordingFactory(rec)),
	)
	defer svc.Dispose()

	// Recorded during the deferred-initialization window.
	svc.SetGlobalAttribute("phase", "startup")
	svc.SendEvent("first", nil, nil, time.Time{}, time.Time{})
	svc.SendEvent("second", nil, nil, time.Time{}, time.Time{})

	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)

	events := rec.Events()
	assert.Equal(t, "first", events[0].Name)
	assert.Equal(t, "second", events[1].Name)
	assert.Equal(t, "startup", events[0].Attrs["global.phase"])
}

func TestService_QueueBounded(t *testing.T) {
	rec := NewRecordingProvider()
	cfg := testConfig()
	cfg.Enabled = true
	cfg.InitDelay = config.Duration(200 * time.Millisecond)

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(RecordingFactory(rec)),
	)
	defer svc.Dispose()

	for i := 0; i < maxQueuedEvents+50; i++ {
		svc.SendEvent(fmt.Sprintf("ev.%d", i), nil, nil, time.Time{}, time.Time{})
	}

	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.Events()) == maxQueuedEvents }, 2*time.Second, 10*time.Millisecond)
}

func TestService_ConsentRevocationDisables(t *testing.T) {
	rec := NewRecordingProvider()
	consent := hostenv.NewConsent(true)
	cfg := testConfig()
	cfg.Enabled = true

	svc := NewService(cfg,
		WithConsent(consent),
		WithProviderFactory(RecordingFactory(rec)),
	)
	defer svc.Dispose()

	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)

	consent.Set(false)
	require.Eventually(t, func() bool { return !svc.Enabled() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rec.Shutdowns() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Deferred re-evaluation must land back in Disabled.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, svc.Enabled())

	before := len(rec.Events())
	svc.SendEvent("after.revoke", nil, nil, time.Time{}, time.Time{})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Events(), before)
}

func TestService_StartEventHandle(t *testing.T) {
	rec := NewRecordingProvider()
	svc := newEnabledService(t, rec)
	defer svc.Dispose()

	handle := svc.StartEvent("long.op", EventData{"step": "index"}, nil, time.Now())
	require.NotNil(t, handle)

	handle.End()
	handle.End() // idempotent

	require.Eventually(t, func() bool { return rec.EventByName("long.op") != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.Events(), 1)
}

func TestService_NilProviderFromFactoryStaysDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = true

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(func(context.Context, config.TelemetryConfig, hostenv.Context) (Provider, error) {
			return nil, nil
		}),
	)
	defer svc.Dispose()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, svc.Enabled())
}

func TestService_FactoryErrorStaysDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = true

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(func(context.Context, config.TelemetryConfig, hostenv.Context) (Provider, error) {
			return nil, fmt.Errorf("collector unreachable")
		}),
	)
	defer svc.Dispose()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, svc.Enabled())
	assert.NotPanics(t, func() {
		svc.SendEvent("ev", nil, nil, time.Time{}, time.Time{})
	})
}

func TestService_ProviderPanicsAreSwallowed(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = true

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(func(context.Context, config.TelemetryConfig, hostenv.Context) (Provider, error) {
			return panicProvider{}, nil
		}),
	)
	defer svc.Dispose()

	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() {
		svc.SendEvent("boom", nil, nil, time.Time{}, time.Time{})
		h := svc.StartEvent("boom.span", nil, nil, time.Time{})
		h.End()
		svc.SetGlobalAttribute("k", "v")
		svc.Dispose()
	})
}

func TestService_RateLimit(t *testing.T) {
	rec := NewRecordingProvider()
	cfg := testConfig()
	cfg.Enabled = true
	cfg.Events.RateLimit = 1
	cfg.Events.Burst = 1

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(RecordingFactory(rec)),
	)
	defer svc.Dispose()

	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)

	svc.SendEvent("burst.1", nil, nil, time.Time{}, time.Time{})
	svc.SendEvent("burst.2", nil, nil, time.Time{}, time.Time{})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Events(), 1)
}

func TestService_UnrelatedConfigChangeDoesNotReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "telemetry:\n  enabled: true\n  provider: noop\n  init_delay: 10ms\nlogging:\n  level: info\n")

	watcher, err := config.NewWatcher(path)
	require.NoError(t, err)
	defer watcher.Close()

	rec := NewRecordingProvider()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Telemetry.InitDelay = config.Duration(10 * time.Millisecond)

	svc := NewService(cfg.Telemetry,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(RecordingFactory(rec)),
		WithConfigWatcher(watcher, func() (*config.Config, error) { return config.Load(path) }),
	)
	defer svc.Dispose()

	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)

	// Unrelated key change: gate must not re-run.
	writeConfigFile(t, path, "telemetry:\n  enabled: true\n  provider: noop\n  init_delay: 10ms\nlogging:\n  level: debug\n")
	time.Sleep(500 * time.Millisecond)
	assert.True(t, svc.Enabled())
	assert.Equal(t, 0, rec.Shutdowns())

	// Flipping the gate key re-runs ensureTelemetry and lands Disabled.
	writeConfigFile(t, path, "telemetry:\n  enabled: false\n  provider: noop\n  init_delay: 10ms\nlogging:\n  level: debug\n")
	require.Eventually(t, func() bool { return !svc.Enabled() }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rec.Shutdowns() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func newEnabledService(t *testing.T, rec *RecordingProvider) *Service {
	t.Helper()
	cfg := testConfig()
	cfg.Enabled = true

	svc := NewService(cfg,
		WithConsent(hostenv.NewConsent(true)),
		WithProviderFactory(RecordingFactory(rec)),
	)
	require.Eventually(t, svc.Enabled, 2*time.Second, 10*time.Millisecond)
	return svc
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
