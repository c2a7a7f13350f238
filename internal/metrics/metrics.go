package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "worker",
			Name:      "auto_restarts_total",
			Help:      "Number of crash-triggered restarts.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of requested stops.",
		}, []string{"name"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of unexpected worker exits.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of worker status transitions.",
		}, []string{"name", "from", "to"},
	)

	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetr",
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Authenticated agent connections currently open.",
		},
	)
	heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received from agents.",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "registry",
			Name:      "auth_failures_total",
			Help:      "Rejected agent authentication attempts.",
		},
	)
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Connections closed by the liveness sweep.",
		},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetr",
			Subsystem: "directory",
			Name:      "commands_total",
			Help:      "Commands by type and terminal or delivery status.",
		}, []string{"type", "status"},
	)
	hosts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetr",
			Subsystem: "directory",
			Name:      "hosts",
			Help:      "Known hosts by connectivity status.",
		}, []string{"status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerStops, workerCrashes, stateTransitions,
		liveConnections, heartbeats, authFailures, evictions,
		commands, hosts,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncWorkerStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncWorkerRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncWorkerStop(name string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name).Inc()
	}
}

func IncWorkerCrash(name string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetConnections(n int) {
	if regOK.Load() {
		liveConnections.Set(float64(n))
	}
}

func IncHeartbeat() {
	if regOK.Load() {
		heartbeats.Inc()
	}
}

func IncAuthFailure() {
	if regOK.Load() {
		authFailures.Inc()
	}
}

func IncEviction() {
	if regOK.Load() {
		evictions.Inc()
	}
}

func IncCommand(cmdType, status string) {
	if regOK.Load() {
		commands.WithLabelValues(cmdType, status).Inc()
	}
}

// SetHosts replaces the per-status host gauge values.
func SetHosts(byStatus map[string]int) {
	if !regOK.Load() {
		return
	}
	hosts.Reset()
	for s, n := range byStatus {
		hosts.WithLabelValues(s).Set(float64(n))
	}
}
