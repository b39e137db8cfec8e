package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/loykin/craftvisor/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "craftvisor"
	subsystem = "server"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of server processes spawned.",
		}, []string{"name"},
	)
	serverCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "closes_total",
			Help:      "Number of server process exits by exit code.",
		}, []string{"name", "code"},
	)
	serverErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Number of error events (missing script, spawn failure, dropped command).",
		}, []string{"name"},
	)
	serverCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Number of console commands submitted.",
		}, []string{"name"},
	)
	playersOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "players_online",
			Help:      "Players currently online as parsed from console output.",
		}, []string{"name"},
	)
	tps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tps",
			Help:      "Last ticks-per-second sample parsed from console output.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "CPU usage of the server process tree.",
		}, []string{"name"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_bytes",
			Help:      "Resident memory of the server process tree.",
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different server states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Scheduled task executions by action and result.",
		}, []string{"name", "action", "result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serverStarts, serverCloses, serverErrors, serverCommands,
		playersOnline, tps, cpuPercent, memoryBytes,
		stateTransitions, currentStates, taskRuns,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Observe keeps the event-derived collectors current. It returns the
// unsubscribe function of the underlying bus subscription.
func Observe(bus *event.Bus[event.Event]) func() {
	return bus.Subscribe(func(e event.Event) {
		if !regOK.Load() {
			return
		}
		name := e.ServerName()
		switch ev := e.(type) {
		case event.Start:
			serverStarts.WithLabelValues(name).Inc()
		case event.Close:
			serverCloses.WithLabelValues(name, strconv.Itoa(ev.ExitCode)).Inc()
		case event.Error:
			serverErrors.WithLabelValues(name).Inc()
		case event.Command:
			serverCommands.WithLabelValues(name).Inc()
		}
	})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SetTelemetry(name string, players int, sample float64) {
	if regOK.Load() {
		playersOnline.WithLabelValues(name).Set(float64(players))
		tps.WithLabelValues(name).Set(sample)
	}
}

func SetResourceUsage(name string, cpu float64, mem float64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(cpu)
		memoryBytes.WithLabelValues(name).Set(mem)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func RecordTaskRun(name, action, result string) {
	if regOK.Load() {
		taskRuns.WithLabelValues(name, action, result).Inc()
	}
}

// Forget drops every series labelled with name, used when a server is removed.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"name": name}
	for _, v := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{serverStarts, serverCloses, serverErrors, serverCommands, playersOnline, tps, cpuPercent, memoryBytes, stateTransitions, currentStates, taskRuns} {
		v.DeletePartialMatch(l)
	}
}
