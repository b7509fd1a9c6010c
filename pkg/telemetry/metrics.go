package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Facade self-observation. These count what the gate does, not what the
// provider exports; they stay local to the process.
var (
	eventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostfabric_telemetry_events_emitted_total",
		Help: "Events forwarded to the active provider.",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostfabric_telemetry_events_dropped_total",
		Help: "Events discarded while telemetry was disabled or the pending queue was full.",
	})

	eventsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostfabric_telemetry_events_rate_limited_total",
		Help: "Events discarded by the emission rate cap.",
	})

	providerInits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostfabric_telemetry_provider_inits_total",
		Help: "Successful provider constructions.",
	})

	providerInitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostfabric_telemetry_provider_init_failures_total",
		Help: "Provider constructions that failed; telemetry stays disabled for the consent window.",
	})
)
