package telemetry

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

const (
	// maxQueuedEvents bounds the pending queue while provider
	// initialization is in flight.
	maxQueuedEvents = 128

	providerInitTimeout = 10 * time.Second
)

// queuedEvent is an event recorded between consent being granted and the
// provider finishing construction. It carries the global attribute snapshot
// taken at record time so a later mutation cannot rewrite history.
type queuedEvent struct {
	name  string
	data  EventData
	attrs map[string]interface{}
	start time.Time
	end   time.Time
}

// Service is the process-wide telemetry facade. All methods are safe for
// concurrent use, never panic, and never return errors to callers.
//
// The zero-value gate is Disabled. The service enables itself only after
// the deferred initialization step finds the config flag set, host consent
// granted, and a provider factory registered; any change to either consent
// re-enters the gate, which always starts from Disabled again.
type Service struct {
	mu sync.Mutex

	cfg     config.TelemetryConfig
	logger  *zap.Logger
	host    hostenv.Context
	consent *hostenv.Consent
	factory ProviderFactory
	reload  func() (*config.Config, error)
	limiter *rate.Limiter

	enabled     bool
	provider    Provider
	globalAttrs map[string]interface{}
	queue       []queuedEvent
	initTimer   *time.Timer
	initGen     uint64
	initPending bool
	disposed    bool

	watcherCh <-chan config.Change
	consentCh <-chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for suppressed-failure reporting.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProviderFactory registers the backend constructor. Without a factory
// the service stays disabled no matter what the consents say.
func WithProviderFactory(factory ProviderFactory) Option {
	return func(s *Service) { s.factory = factory }
}

// WithConsent wires the host-level telemetry enablement signal.
func WithConsent(consent *hostenv.Consent) Option {
	return func(s *Service) {
		s.consent = consent
		if consent != nil {
			s.consentCh = consent.Subscribe()
		}
	}
}

// WithConfigWatcher re-evaluates the gate when a config change touches
// telemetry.enabled. reload supplies the fresh config; on reload failure
// the old config is kept and the gate still re-runs.
func WithConfigWatcher(w *config.Watcher, reload func() (*config.Config, error)) Option {
	return func(s *Service) {
		if w != nil {
			s.watcherCh = w.Subscribe()
		}
		s.reload = reload
	}
}

// WithHostContext overrides the collected host session context.
func WithHostContext(host hostenv.Context) Option {
	return func(s *Service) { s.host = host }
}

// NewService creates the facade and runs the gate once. The returned
// service is immediately usable; until initialization completes (or
// forever, when consent is withheld) every call is a no-op.
func NewService(cfg config.TelemetryConfig, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg,
		logger:      zap.NewNop(),
		globalAttrs: make(map[string]interface{}),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.host == (hostenv.Context{}) {
		s.host = hostenv.Collect(hostenv.Info{})
	}
	s.limiter = newLimiter(cfg.Events)

	if s.watcherCh != nil || s.consentCh != nil {
		go s.listen()
	}
	s.ensureTelemetry()
	return s
}

func newLimiter(cfg config.EventsConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// listen reacts to config and consent changes for the service's lifetime.
func (s *Service) listen() {
	for {
		select {
		case <-s.stop:
			return
		case change, ok := <-s.watcherCh:
			if !ok {
				s.watcherCh = nil
				continue
			}
			if !change.Affects("telemetry.enabled") {
				continue
			}
			s.reloadConfig()
			s.ensureTelemetry()
		case _, ok := <-s.consentCh:
			if !ok {
				s.consentCh = nil
				continue
			}
			s.ensureTelemetry()
		}
	}
}

func (s *Service) reloadConfig() {
	if s.reload == nil {
		return
	}
	cfg, err := s.reload()
	if err != nil {
		s.logger.Warn("telemetry config reload failed, keeping previous config", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.cfg = cfg.Telemetry
	s.limiter = newLimiter(cfg.Telemetry.Events)
	s.mu.Unlock()
}

// UpdateConfig replaces the telemetry config and re-runs the gate. Hosts
// without a file watcher call this from their own settings notifier.
func (s *Service) UpdateConfig(cfg config.TelemetryConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.Events)
	s.mu.Unlock()
	s.ensureTelemetry()
}

// ensureTelemetry is the lifecycle gate. It always starts by landing in
// Disabled: drop the gate, cancel any pending initialization, truncate the
// queue, dispose the provider. Only then is a fresh deferred initialization
// scheduled, so a disabled-period event can never leak into a new provider
// and a stale timer can never fire after a newer reset.
func (s *Service) ensureTelemetry() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	s.initGen++
	gen := s.initGen
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
	s.initPending = false
	s.queue = nil
	prov := s.provider
	s.provider = nil
	s.mu.Unlock()

	if prov != nil {
		s.shutdownProvider(prov)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || gen != s.initGen {
		return
	}
	delay := s.cfg.InitDelay.Duration()
	s.initPending = true
	s.initTimer = time.AfterFunc(delay, func() { s.initializeTelemetry(gen) })
}

// initializeTelemetry is the deferred step: evaluate both consents and, iff
// permitted, construct the provider, push global attributes, and drain the
// pending queue into it.
func (s *Service) initializeTelemetry(gen uint64) {
	defer s.recoverPanic("initializeTelemetry")

	s.mu.Lock()
	if s.disposed || gen != s.initGen {
		s.mu.Unlock()
		return
	}
	s.initPending = false
	s.initTimer = nil
	cfg := s.cfg
	factory := s.factory
	host := s.host
	permitted := cfg.Enabled && factory != nil && (s.consent == nil || s.consent.Enabled())
	if !permitted {
		s.queue = nil
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), providerInitTimeout)
	prov, err := factory(ctx, cfg, host)
	cancel()
	if err != nil || prov == nil {
		providerInitFailures.Inc()
		s.logger.Warn("telemetry provider initialization failed", zap.Error(err))
		s.mu.Lock()
		if gen == s.initGen {
			s.queue = nil
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.disposed || gen != s.initGen {
		// Lost the race to a newer reset; this provider never sees events.
		s.mu.Unlock()
		s.shutdownProvider(prov)
		return
	}
	s.provider = prov
	s.enabled = true
	current := s.snapshotAttrsLocked()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	providerInits.Inc()
	s.drainQueue(prov, queue, current)
	s.logger.Debug("telemetry enabled",
		zap.String("provider", cfg.Provider),
		zap.Int("queued_events", len(queue)),
	)
}

// drainQueue replays queued events with the attribute snapshot each was
// recorded under, then leaves the provider holding the current snapshot.
func (s *Service) drainQueue(prov Provider, queue []queuedEvent, current map[string]interface{}) {
	var pushed map[string]interface{}
	havePushed := false
	for _, ev := range queue {
		if !havePushed || !reflect.DeepEqual(pushed, ev.attrs) {
			attrs := ev.attrs
			s.safeCall(func() { prov.SetGlobalAttributes(attrs) })
			pushed = ev.attrs
			havePushed = true
		}
		ev := ev
		s.safeCall(func() { prov.SendEvent(ev.name, ev.data, ev.start, ev.end) })
		eventsEmitted.Inc()
	}
	s.safeCall(func() { prov.SetGlobalAttributes(current) })
}

// SendEvent forwards a named event with optional payload and source
// metadata to the active provider. It never panics; while the service is
// disabled it is a pure no-op.
func (s *Service) SendEvent(name string, data EventData, source *Source, start, end time.Time) {
	defer s.recoverPanic("SendEvent")
	if name == "" {
		return
	}
	assertEventData(s.logger, data)
	if start.IsZero() {
		start = time.Now()
	}
	if end.IsZero() {
		end = start
	}
	payload := StripNilAttributes(AddSourceAttributes(source, data))

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if !s.enabled {
		if s.initPending && len(s.queue) < maxQueuedEvents {
			s.queue = append(s.queue, queuedEvent{
				name:  name,
				data:  payload,
				attrs: s.snapshotAttrsLocked(),
				start: start,
				end:   end,
			})
		} else {
			eventsDropped.Inc()
		}
		s.mu.Unlock()
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		eventsRateLimited.Inc()
		return
	}
	prov := s.provider
	s.mu.Unlock()

	s.safeCall(func() { prov.SendEvent(name, payload, start, end) })
	eventsEmitted.Inc()
}

// StartEvent begins a span-like event. The returned handle is nil while
// the service is disabled; End on a nil handle is safe, so callers can
// unconditionally defer it.
func (s *Service) StartEvent(name string, data EventData, source *Source, start time.Time) *Span {
	defer s.recoverPanic("StartEvent")
	if name == "" {
		return nil
	}
	assertEventData(s.logger, data)
	if start.IsZero() {
		start = time.Now()
	}
	payload := StripNilAttributes(AddSourceAttributes(source, data))

	s.mu.Lock()
	if s.disposed || !s.enabled {
		s.mu.Unlock()
		return nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		eventsRateLimited.Inc()
		return nil
	}
	prov := s.provider
	s.mu.Unlock()

	var handle SpanHandle
	s.safeCall(func() { handle = prov.StartEvent(name, payload, start) })
	if handle == nil {
		return nil
	}
	eventsEmitted.Inc()
	return &Span{svc: s, handle: handle}
}

// Span is the disposable handle returned by StartEvent. A nil Span is a
// valid no-op handle.
type Span struct {
	svc    *Service
	handle SpanHandle
	once   sync.Once
}

// End marks the end time of the span. Safe on nil and idempotent.
func (sp *Span) End() {
	if sp == nil || sp.handle == nil {
		return
	}
	sp.once.Do(func() {
		sp.svc.safeCall(sp.handle.End)
	})
}

// SetGlobalAttribute upserts one global attribute; a nil value deletes it.
// The full current map is pushed to the provider after the mutation.
func (s *Service) SetGlobalAttribute(key string, value interface{}) {
	s.SetGlobalAttributes(map[string]interface{}{key: value})
}

// SetGlobalAttributes applies a partial update: non-nil values upsert,
// nil values delete. One provider push covers the whole batch.
func (s *Service) SetGlobalAttributes(attrs map[string]interface{}) {
	defer s.recoverPanic("SetGlobalAttributes")
	if len(attrs) == 0 {
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	for k, v := range attrs {
		key := "global." + k
		if v == nil {
			delete(s.globalAttrs, key)
		} else {
			s.globalAttrs[key] = v
		}
	}
	prov := s.provider
	snapshot := s.snapshotAttrsLocked()
	s.mu.Unlock()

	if prov != nil {
		s.safeCall(func() { prov.SetGlobalAttributes(snapshot) })
	}
}

// DeleteGlobalAttribute removes one global attribute and pushes the
// updated map.
func (s *Service) DeleteGlobalAttribute(key string) {
	s.SetGlobalAttributes(map[string]interface{}{key: nil})
}

// GlobalAttributes returns a snapshot of the current global attribute map.
func (s *Service) GlobalAttributes() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotAttrsLocked()
}

// Enabled reports whether events currently reach a provider.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// HostContext returns the session context collected at construction.
func (s *Service) HostContext() hostenv.Context {
	return s.host
}

// Dispose shuts down the active provider (if any) and retires the service.
// Safe to call multiple times and safe when no provider was ever created.
func (s *Service) Dispose() {
	defer s.recoverPanic("Dispose")

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.enabled = false
	s.initGen++
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
	s.initPending = false
	s.queue = nil
	prov := s.provider
	s.provider = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	if prov != nil {
		s.shutdownProvider(prov)
	}
}

func (s *Service) snapshotAttrsLocked() map[string]interface{} {
	snapshot := make(map[string]interface{}, len(s.globalAttrs))
	for k, v := range s.globalAttrs {
		snapshot[k] = v
	}
	return snapshot
}

func (s *Service) shutdownProvider(prov Provider) {
	defer s.recoverPanic("shutdownProvider")

	s.mu.Lock()
	timeout := s.cfg.Shutdown.Timeout.Duration()
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := prov.Shutdown(ctx); err != nil {
		s.logger.Debug("telemetry provider shutdown failed", zap.Error(err))
	}
}

// safeCall runs a provider operation with panic suppression. Telemetry
// backends must never take down the host.
func (s *Service) safeCall(fn func()) {
	defer s.recoverPanic("provider call")
	fn()
}

func (s *Service) recoverPanic(op string) {
	if r := recover(); r != nil {
		s.logger.Debug("telemetry panic suppressed", zap.String("op", op), zap.Any("panic", r))
	}
}
