package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hashvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	daemonStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "starts_total",
			Help:      "Number of daemon starts that reached a running state.",
		}, []string{"daemon"},
	)
	daemonRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "restarts_total",
			Help:      "Number of restarts requested by the operator.",
		}, []string{"daemon"},
	)
	daemonStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "stops_total",
			Help:      "Number of daemon exits, requested or not.",
		}, []string{"daemon", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different daemon states.",
		}, []string{"daemon", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "current_state",
			Help:      "Current state of daemons (1 = active state, 0 = inactive).",
		}, []string{"daemon", "state"},
	)

	hashrate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mining",
			Name:      "hashrate",
			Help:      "Hashrate in H/s reported by a daemon over a window.",
		}, []string{"daemon", "window"},
	)
	payouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mining",
			Name:      "payouts_total",
			Help:      "Number of P2Pool payouts seen in console output.",
		},
	)
	payoutXMR = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mining",
			Name:      "payout_xmr_total",
			Help:      "Sum of P2Pool payouts in XMR.",
		},
	)

	pollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "errors_total",
			Help:      "Number of failed status polls.",
		}, []string{"daemon", "source"},
	)

	probeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "probe_latency_seconds",
			Help:      "TCP connect latency to arbitration pools.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"pool"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "probe_failures_total",
			Help:      "Number of arbitration pool probes that did not connect.",
		}, []string{"pool"},
	)
	reconfigurations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "reconfigurations_total",
			Help:      "Number of pool switches pushed to the mining engine.",
		}, []string{"pool", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		daemonStarts, daemonRestarts, daemonStops, stateTransitions, currentStates,
		hashrate, payouts, payoutXMR, pollErrors,
		probeLatency, probeFailures, reconfigurations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(daemon string) {
	if regOK.Load() {
		daemonStarts.WithLabelValues(daemon).Inc()
	}
}

func IncRestart(daemon string) {
	if regOK.Load() {
		daemonRestarts.WithLabelValues(daemon).Inc()
	}
}

func IncStop(daemon string, success bool) {
	if regOK.Load() {
		daemonStops.WithLabelValues(daemon, result(success)).Inc()
	}
}

func RecordStateTransition(daemon, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(daemon, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of daemon.
func SetCurrentState(daemon, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(daemon, s).Set(v)
	}
}

func SetHashrate(daemon, window string, hps float64) {
	if regOK.Load() {
		hashrate.WithLabelValues(daemon, window).Set(hps)
	}
}

func AddPayouts(n int, xmr float64) {
	if regOK.Load() && n > 0 {
		payouts.Add(float64(n))
		payoutXMR.Add(xmr)
	}
}

func IncPollError(daemon, source string) {
	if regOK.Load() {
		pollErrors.WithLabelValues(daemon, source).Inc()
	}
}

func ObserveProbe(pool string, latency time.Duration, ok bool) {
	if !regOK.Load() {
		return
	}
	if !ok {
		probeFailures.WithLabelValues(pool).Inc()
		return
	}
	probeLatency.WithLabelValues(pool).Observe(latency.Seconds())
}

func IncReconfiguration(pool string, ok bool) {
	if regOK.Load() {
		reconfigurations.WithLabelValues(pool, result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
