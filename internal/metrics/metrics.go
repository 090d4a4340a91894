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

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server process starts.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"server", "forced"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of crash detections.",
		}, []string{"server"},
	)
	serverAutoRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "auto_restarts_total",
			Help:      "Number of restarts issued by the crash watcher.",
		}, []string{"server"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between server states.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Number of backup runs by result.",
		}, []string{"server", "result"},
	)
	backupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "craftvisor",
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Wall time of successful backup runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"server"},
	)
	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Number of queued commands consumed, by command kind.",
		}, []string{"command"},
	)
	scheduleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "schedule",
			Name:      "fires_total",
			Help:      "Number of scheduled task firings by trigger kind.",
		}, []string{"kind"},
	)
	scheduleActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "schedule",
			Name:      "active_entries",
			Help:      "Live entries registered in the cron engine.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverCrashes, serverAutoRestarts, stateTransitions, currentStates,
		backups, backupDuration, commandsDispatched, scheduleFires, scheduleActive,
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
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(server string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(server).Inc()
	}
}

func IncStop(server string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		serverStops.WithLabelValues(server, f).Inc()
	}
}

func IncCrash(server string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(server).Inc()
	}
}

func IncAutoRestart(server string) {
	if regOK.Load() {
		serverAutoRestarts.WithLabelValues(server).Inc()
	}
}

func RecordStateTransition(server, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(server, from, to).Inc()
	}
}

func SetCurrentState(server, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(server, state).Set(value)
	}
}

func ObserveBackup(server string, seconds float64, err error) {
	if !regOK.Load() {
		return
	}
	if err != nil {
		backups.WithLabelValues(server, "failed").Inc()
		return
	}
	backups.WithLabelValues(server, "ok").Inc()
	backupDuration.WithLabelValues(server).Observe(seconds)
}

func IncCommand(command string) {
	if regOK.Load() {
		commandsDispatched.WithLabelValues(command).Inc()
	}
}

func IncScheduleFire(kind string) {
	if regOK.Load() {
		scheduleFires.WithLabelValues(kind).Inc()
	}
}

func SetScheduleActive(n int) {
	if regOK.Load() {
		scheduleActive.Set(float64(n))
	}
}
