package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockstep"

// Channel metrics keyed by backend.
var (
	channelSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "sent_total",
			Help:      "Messages enqueued on channels.",
		},
		[]string{"backend"},
	)
	channelReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "received_total",
			Help:      "Messages dequeued from channels.",
		},
		[]string{"backend"},
	)
)

// Orchestrator / actor metrics.
var (
	timestepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timesteps_total",
			Help:      "Completed timesteps across all runs.",
		},
	)
	phaseExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "phase_executions_total",
			Help:      "Phase executions completed by actors.",
		},
		[]string{"phase"},
	)
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "phase_duration_seconds",
			Help:      "Wall time from phase dispatch until every actor arrived at the barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"phase"},
	)
	actorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "failures_total",
			Help:      "Actors that entered the ERROR state.",
		},
	)
	activeActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "active",
			Help:      "Actors spawned and not yet terminated.",
		},
	)
)

// Injector metrics keyed by injector name.
var (
	injectorPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "injector",
			Name:      "pushed_total",
			Help:      "Items accepted into injector buffers.",
		},
		[]string{"injector"},
	)
	injectorDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "injector",
			Name:      "drained_total",
			Help:      "Items removed from injector buffers during exchange.",
		},
		[]string{"injector"},
	)
	injectorDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "injector",
			Name:      "dropped_total",
			Help:      "Items discarded or rejected by the overflow policy.",
		},
		[]string{"injector", "policy"},
	)
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

// Registry returns the private registry with every lockstep collector and
// the Go runtime collectors registered.
func Registry() *prometheus.Registry {
	registerOnce.Do(func() {
		registry.MustRegister(
			channelSent,
			channelReceived,
			timestepsTotal,
			phaseExecutions,
			phaseDuration,
			actorFailures,
			activeActors,
			injectorPushed,
			injectorDrained,
			injectorDropped,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// Channel helpers
func ChannelSent(backend string, n int)     { channelSent.WithLabelValues(backend).Add(float64(n)) }
func ChannelReceived(backend string, n int) { channelReceived.WithLabelValues(backend).Add(float64(n)) }

// Orchestrator / actor helpers
func IncTimesteps()              { timestepsTotal.Inc() }
func IncPhaseExecs(phase string) { phaseExecutions.WithLabelValues(phase).Inc() }
func IncActorFailures()          { actorFailures.Inc() }
func AddActiveActors(delta int)  { activeActors.Add(float64(delta)) }
func ObservePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Injector helpers
func InjectorPushed(name string, n int)  { injectorPushed.WithLabelValues(name).Add(float64(n)) }
func InjectorDrained(name string, n int) { injectorDrained.WithLabelValues(name).Add(float64(n)) }
func InjectorDropped(name, policy string, n int) {
	injectorDropped.WithLabelValues(name, policy).Add(float64(n))
}
