// Package metrics exposes scheduler, provider and GPU metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/gpusched/pkg/model"
)

const namespace = "gpusched"

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	attempts       *prometheus.CounterVec
	failovers      *prometheus.CounterVec
	generation     *prometheus.HistogramVec
	verifications  *prometheus.CounterVec

	queueDepth   *prometheus.GaugeVec
	tickDuration prometheus.Histogram

	gpuTemperature *prometheus.GaugeVec
	gpuMemory      *prometheus.GaugeVec
	gpuHealth      *prometheus.GaugeVec
	gpuActive      *prometheus.GaugeVec
	gpuReserved    *prometheus.GaugeVec
	telemetryErrs  prometheus.Counter

	providerUp      *prometheus.GaugeVec
	providerLatency *prometheus.GaugeVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_submitted_total",
			Help: "Tasks accepted by Submit",
		}, []string{"task_type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Tasks reaching a terminal status",
		}, []string{"status", "reason"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_run_seconds",
			Help:    "Time from start to terminal status for tasks that ran",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"task_type"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_attempts_total",
			Help: "Provider generation attempts",
		}, []string{"provider", "outcome"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failovers_total",
			Help: "Attempts made on a provider other than the assigned one",
		}, []string{"from", "to"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generation_duration_seconds",
			Help:    "Provider generation latency",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"provider"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verifications_total",
			Help: "Cross-verification verdicts",
		}, []string{"verifier", "verdict"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks",
			Help: "Tasks currently in each status",
		}, []string{"status"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Scheduling tick latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		gpuTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_temperature_celsius",
			Help: "GPU temperature from the latest poll",
		}, []string{"gpu"}),
		gpuMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_memory_percent",
			Help: "GPU memory in use from the latest poll",
		}, []string{"gpu"}),
		gpuHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_health_state",
			Help: "1 for the GPU's current health state, 0 otherwise",
		}, []string{"gpu", "state"}),
		gpuActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_active_tasks",
			Help: "Running tasks holding a slot on the GPU",
		}, []string{"gpu"}),
		gpuReserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_reserved_megabytes",
			Help: "Model memory reserved by admitted tasks",
		}, []string{"gpu"}),
		telemetryErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_errors_total",
			Help: "Failed or partial telemetry polls",
		}),
		providerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provider_available",
			Help: "1 if the provider's last probe succeeded",
		}, []string{"provider", "kind"}),
		providerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provider_probe_latency_milliseconds",
			Help: "Latency of the provider's last successful probe",
		}, []string{"provider"}),
	}
}

// Register registers all metrics with the provided registerer.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.tasksSubmitted, m.tasksFinished, m.taskDuration,
		m.attempts, m.failovers, m.generation, m.verifications,
		m.queueDepth, m.tickDuration,
		m.gpuTemperature, m.gpuMemory, m.gpuHealth, m.gpuActive, m.gpuReserved, m.telemetryErrs,
		m.providerUp, m.providerLatency,
	)
}

// TaskSubmitted counts a new task.
func (m *Metrics) TaskSubmitted(t model.Task) {
	m.tasksSubmitted.WithLabelValues(string(t.TaskType)).Inc()
}

// TaskFinished counts a terminal task and, if it ran, its run time.
func (m *Metrics) TaskFinished(t model.Task) {
	m.tasksFinished.WithLabelValues(string(t.Status), string(t.FailureReason)).Inc()
	if t.StartedAt != nil && t.CompletedAt != nil {
		m.taskDuration.WithLabelValues(string(t.TaskType)).Observe(t.CompletedAt.Sub(*t.StartedAt).Seconds())
	}
}

// TaskVerified counts a verification verdict.
func (m *Metrics) TaskVerified(v model.VerificationResult) {
	m.verifications.WithLabelValues(v.VerifierProvider, string(v.Verdict)).Inc()
}

// TickCompleted records tick latency and the per-status and per-GPU gauges.
func (m *Metrics) TickCompleted(d time.Duration, st model.SchedulerStatus) {
	m.tickDuration.Observe(d.Seconds())
	m.queueDepth.WithLabelValues(string(model.TaskStatusPending)).Set(float64(st.PendingCount))
	m.queueDepth.WithLabelValues(string(model.TaskStatusQueued)).Set(float64(st.QueuedCount))
	m.queueDepth.WithLabelValues(string(model.TaskStatusRunning)).Set(float64(st.RunningCount))
	for _, g := range st.GPUs {
		id := strconv.Itoa(g.GPUID)
		m.gpuActive.WithLabelValues(id).Set(float64(g.ActiveTasks))
		m.gpuReserved.WithLabelValues(id).Set(float64(g.ReservedMB))
	}
}

// ObserveAttempt matches executor.AttemptObserver.
func (m *Metrics) ObserveAttempt(t model.Task, a model.Attempt, failedOver bool) {
	outcome := "success"
	if !a.Success {
		outcome = "error"
	}
	m.attempts.WithLabelValues(a.Provider, outcome).Inc()
	m.generation.WithLabelValues(a.Provider).Observe(float64(a.DurationMS) / 1000)
	if failedOver {
		m.failovers.WithLabelValues(t.AssignedProvider, a.Provider).Inc()
	}
}

// ObserveGPUs matches health.Observer.
func (m *Metrics) ObserveGPUs(current map[int]model.GPUHealthStatus, err error) {
	if err != nil {
		m.telemetryErrs.Inc()
	}
	states := []model.HealthState{model.HealthHealthy, model.HealthCaution, model.HealthThrottle, model.HealthPause}
	for id, g := range current {
		gid := strconv.Itoa(id)
		m.gpuTemperature.WithLabelValues(gid).Set(g.TemperatureC)
		m.gpuMemory.WithLabelValues(gid).Set(g.MemoryPercent)
		for _, s := range states {
			v := 0.0
			if g.HealthState == s {
				v = 1
			}
			m.gpuHealth.WithLabelValues(gid, string(s)).Set(v)
		}
	}
}

// ObserveProvider matches provider.StatusObserver.
func (m *Metrics) ObserveProvider(st model.ProviderStatus) {
	up := 0.0
	if st.Available {
		up = 1
		m.providerLatency.WithLabelValues(st.Name).Set(float64(st.LatencyMS))
	}
	m.providerUp.WithLabelValues(st.Name, string(st.Kind)).Set(up)
}
