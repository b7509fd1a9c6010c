package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

// RecordedEvent is an event captured by RecordingProvider.
type RecordedEvent struct {
	Name  string
	Data  EventData
	Attrs map[string]interface{}
	Start time.Time
	End   time.Time
}

// RecordingProvider is an in-memory Provider for tests.
type RecordingProvider struct {
	mu          sync.Mutex
	events      []RecordedEvent
	globalAttrs map[string]interface{}
	shutdowns   int
}

// NewRecordingProvider creates an empty recorder.
func NewRecordingProvider() *RecordingProvider {
	return &RecordingProvider{globalAttrs: map[string]interface{}{}}
}

// RecordingFactory returns a factory handing out the given recorder.
func RecordingFactory(rec *RecordingProvider) ProviderFactory {
	return func(context.Context, config.TelemetryConfig, hostenv.Context) (Provider, error) {
		return rec, nil
	}
}

func (r *RecordingProvider) SendEvent(name string, data EventData, start, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attrs := make(map[string]interface{}, len(r.globalAttrs))
	for k, v := range r.globalAttrs {
		attrs[k] = v
	}
	r.events = append(r.events, RecordedEvent{Name: name, Data: data, Attrs: attrs, Start: start, End: end})
}

func (r *RecordingProvider) StartEvent(name string, data EventData, start time.Time) SpanHandle {
	return &recordingHandle{provider: r, name: name, data: data, start: start}
}

func (r *RecordingProvider) SetGlobalAttributes(attrs map[string]interface{}) {
	snapshot := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		snapshot[k] = v
	}
	r.mu.Lock()
	r.globalAttrs = snapshot
	r.mu.Unlock()
}

func (r *RecordingProvider) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns++
	return nil
}

// Events returns all completed events recorded so far.
func (r *RecordingProvider) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// EventByName finds the first recorded event with the given name, or nil.
func (r *RecordingProvider) EventByName(name string) *RecordedEvent {
	for _, ev := range r.Events() {
		if ev.Name == name {
			ev := ev
			return &ev
		}
	}
	return nil
}

// GlobalAttrs returns the last pushed global attribute snapshot.
func (r *RecordingProvider) GlobalAttrs() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.globalAttrs))
	for k, v := range r.globalAttrs {
		out[k] = v
	}
	return out
}

// Shutdowns returns how many times Shutdown ran.
func (r *RecordingProvider) Shutdowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdowns
}

// AssertEventExists fails the test if no event with the name was recorded.
func (r *RecordingProvider) AssertEventExists(tb testing.TB, name string) {
	tb.Helper()
	if r.EventByName(name) == nil {
		names := make([]string, 0)
		for _, ev := range r.Events() {
			names = append(names, ev.Name)
		}
		tb.Errorf("expected event %q not found, got: %v", name, names)
	}
}

type recordingHandle struct {
	provider *RecordingProvider
	name     string
	data     EventData
	start    time.Time
}

func (h *recordingHandle) End() {
	h.provider.SendEvent(h.name, h.data, h.start, time.Now())
}

// panicProvider blows up on every operation; the facade must absorb it.
type panicProvider struct{}

func (panicProvider) SendEvent(string, EventData, time.Time, time.Time) { panic("send") }

func (panicProvider) StartEvent(string, EventData, time.Time) SpanHandle { panic("start") }

func (panicProvider) SetGlobalAttributes(map[string]interface{}) { panic("attrs") }

func (panicProvider) Shutdown(context.Context) error { panic("shutdown") }
