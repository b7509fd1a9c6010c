package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

// LogSinkProvider writes events as structured log lines instead of
// shipping them anywhere. Useful for local debugging and air-gapped
// installs; best-effort, no durability guarantee.
type LogSinkProvider struct {
	logger *zap.Logger

	mu          sync.Mutex
	globalAttrs map[string]interface{}
}

// LogSinkFactory returns a ProviderFactory building log sinks. A nil
// logger falls back to zap's production logger.
func LogSinkFactory(logger *zap.Logger) ProviderFactory {
	return func(_ context.Context, _ config.TelemetryConfig, host hostenv.Context) (Provider, error) {
		return NewLogSinkProvider(logger, host)
	}
}

// NewLogSinkProvider creates a log sink tagged with the host session.
func NewLogSinkProvider(logger *zap.Logger, host hostenv.Context) (*LogSinkProvider, error) {
	if logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		logger = l
	}
	return &LogSinkProvider{
		logger: logger.Named("telemetry").With(sortedFields(host.Attributes())...),
	}, nil
}

func (p *LogSinkProvider) SendEvent(name string, data EventData, start, end time.Time) {
	fields := p.eventFields(data)
	fields = append(fields,
		zap.Time("event.start", start),
		zap.Duration("event.duration", end.Sub(start)),
	)
	p.logger.Info(name, fields...)
}

func (p *LogSinkProvider) StartEvent(name string, data EventData, start time.Time) SpanHandle {
	return &logSinkHandle{provider: p, name: name, data: data, start: start}
}

func (p *LogSinkProvider) SetGlobalAttributes(attrs map[string]interface{}) {
	snapshot := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		snapshot[k] = v
	}
	p.mu.Lock()
	p.globalAttrs = snapshot
	p.mu.Unlock()
}

func (p *LogSinkProvider) Shutdown(context.Context) error {
	_ = p.logger.Sync()
	return nil
}

func (p *LogSinkProvider) eventFields(data EventData) []zap.Field {
	p.mu.Lock()
	global := p.globalAttrs
	p.mu.Unlock()

	fields := sortedFields(global)
	return append(fields, sortedFields(map[string]interface{}(data))...)
}

type logSinkHandle struct {
	provider *LogSinkProvider
	name     string
	data     EventData
	start    time.Time
}

func (h *logSinkHandle) End() {
	h.provider.SendEvent(h.name, h.data, h.start, time.Now())
}

// sortedFields renders an attribute map as deterministic zap fields.
func sortedFields(attrs map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, attrs[k]))
	}
	return fields
}
