package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botfleet"

// Restart reasons used as the "reason" label of restarts_total.
const (
	RestartCrash  = "crash"
	RestartMemory = "memory"
	RestartManual = "manual"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of worker restarts by reason.",
		}, []string{"name", "reason"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_duration_seconds",
			Help:      "Time from launch until a worker is considered started.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between worker states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of workers (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control messages sent to workers by action and outcome.",
		}, []string{"action", "outcome"},
	)
	controlLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "reply_seconds",
			Help:      "Time until a worker replied to a control message.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 1.5, 2.5},
		}, []string{"action"},
	)
	controlListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "pending_listeners",
			Help:      "Reply listeners currently registered.",
		},
	)
	controlConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "connected_workers",
			Help:      "Workers with an open control connection.",
		},
	)

	probeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "requests_total",
			Help:      "Identity probes by result.",
		}, []string{"result"},
	)

	tenantStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "status",
			Help:      "Tenants per observed status.",
		}, []string{"status"},
	)
	tenantDesired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "desired",
			Help:      "Tenants per desired state.",
		}, []string{"state"},
	)

	systemCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "system", Name: "cpu_percent",
		Help: "Host CPU utilisation.",
	})
	systemMemUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "system", Name: "memory_used_bytes",
		Help: "Host memory in use.",
	})
	systemMemTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "system", Name: "memory_total_bytes",
		Help: "Host memory installed.",
	})
	systemUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "system", Name: "uptime_seconds",
		Help: "Host uptime.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, processStartDuration, stateTransitions, currentStates,
		controlRequests, controlLatency, controlListeners, controlConnections,
		probeRequests,
		tenantStatus, tenantDesired,
		systemCPU, systemMemUsed, systemMemTotal, systemUptime,
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

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func ObserveStartDuration(name string, d time.Duration) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(name).Observe(d.Seconds())
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

// ForgetProcess drops per-name series of a removed worker.
func ForgetProcess(name string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"name": name})
	}
}

func ObserveControl(action, outcome string, d time.Duration, replied bool) {
	if !regOK.Load() {
		return
	}
	controlRequests.WithLabelValues(action, outcome).Inc()
	if replied {
		controlLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

func SetControlListeners(n int) {
	if regOK.Load() {
		controlListeners.Set(float64(n))
	}
}

func SetControlConnections(n int) {
	if regOK.Load() {
		controlConnections.Set(float64(n))
	}
}

func IncProbe(result string) {
	if regOK.Load() {
		probeRequests.WithLabelValues(result).Inc()
	}
}

// SetTenantStatus replaces the per-status tenant gauge.
func SetTenantStatus(counts map[string]int) {
	if !regOK.Load() {
		return
	}
	tenantStatus.Reset()
	for status, n := range counts {
		tenantStatus.WithLabelValues(status).Set(float64(n))
	}
}

func SetTenantDesired(running, stopped int) {
	if regOK.Load() {
		tenantDesired.WithLabelValues("running").Set(float64(running))
		tenantDesired.WithLabelValues("stopped").Set(float64(stopped))
	}
}

func SetSystem(cpuPercent float64, memUsed, memTotal uint64, uptime time.Duration) {
	if !regOK.Load() {
		return
	}
	systemCPU.Set(cpuPercent)
	systemMemUsed.Set(float64(memUsed))
	systemMemTotal.Set(float64(memTotal))
	systemUptime.Set(uptime.Seconds())
}
