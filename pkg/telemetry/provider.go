package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

// EventData is the optional structured payload of an event. Values are
// limited to strings, integers, floats, and booleans; anything else is
// dropped at the provider boundary.
type EventData map[string]interface{}

// Source identifies what part of the application triggered an event.
// Detail is either a string or a flat map[string]interface{}.
type Source struct {
	Name          string
	CorrelationID string
	Detail        interface{}
}

// SpanHandle marks the end of a span-like event on End. Implementations
// must tolerate End being called at most once per handle.
type SpanHandle interface {
	End()
}

// Provider is the pluggable backend responsible for transmitting telemetry.
// The service never assumes more than these four operations.
type Provider interface {
	// SendEvent forwards a completed event. start and end are never zero.
	SendEvent(name string, data EventData, start, end time.Time)

	// StartEvent begins a span-like event; the returned handle records the
	// end time when released.
	StartEvent(name string, data EventData, start time.Time) SpanHandle

	// SetGlobalAttributes replaces the full global attribute snapshot.
	SetGlobalAttributes(attrs map[string]interface{})

	// Shutdown flushes and releases the backend.
	Shutdown(ctx context.Context) error
}

// ProviderFactory constructs a Provider once consent permits. The factory
// runs off the caller's goroutine; errors disable telemetry for the current
// consent window rather than surfacing to callers.
type ProviderFactory func(ctx context.Context, cfg config.TelemetryConfig, host hostenv.Context) (Provider, error)

// FactoryFor returns the built-in factory for cfg.Provider ("otlp", "log",
// or "noop").
func FactoryFor(name string) (ProviderFactory, error) {
	switch name {
	case "otlp", "":
		return OTLPFactory(), nil
	case "log":
		return LogSinkFactory(nil), nil
	case "noop":
		return NoopFactory(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// noopProvider discards everything. It stands in wherever a backend is
// absent so callers never branch on nil.
type noopProvider struct{}

// NewNoopProvider returns a Provider that drops all telemetry.
func NewNoopProvider() Provider { return noopProvider{} }

// NoopFactory returns a factory producing the no-op provider.
func NoopFactory() ProviderFactory {
	return func(context.Context, config.TelemetryConfig, hostenv.Context) (Provider, error) {
		return NewNoopProvider(), nil
	}
}

func (noopProvider) SendEvent(string, EventData, time.Time, time.Time) {}

func (noopProvider) StartEvent(string, EventData, time.Time) SpanHandle { return noopHandle{} }

func (noopProvider) SetGlobalAttributes(map[string]interface{}) {}

func (noopProvider) Shutdown(context.Context) error { return nil }

type noopHandle struct{}

func (noopHandle) End() {}
