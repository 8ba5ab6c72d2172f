package observer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports sandbox metrics.
type Prometheus struct {
	runtimeCalls    *prometheus.CounterVec
	runtimeLatency  *prometheus.HistogramVec
	executions      *prometheus.CounterVec
	executionTime   *prometheus.HistogramVec
	outputBytes     prometheus.Histogram
	kills           *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	jobsWaiting     prometheus.Gauge
	jobsRunning     prometheus.Gauge
	waitTimeSeconds prometheus.Gauge
	poolSize        prometheus.Gauge
}

// NewPrometheus registers the sandbox collectors on reg under namespace.
func NewPrometheus(reg prometheus.Registerer, namespace, nodeID string) *Prometheus {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Prometheus{
		runtimeCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "runtime_calls_total",
				Help:        "Container runtime API calls by operation and result",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
		runtimeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "runtime_call_seconds",
				Help:        "Container runtime API call latency in seconds",
				Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "executions_total",
				Help:        "Executions by backend and final status",
				ConstLabels: labels,
			},
			[]string{"backend", "status"},
		),
		executionTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "execution_duration_seconds",
				Help:        "Execution wall time in seconds",
				Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
				ConstLabels: labels,
			},
			[]string{"backend"},
		),
		outputBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "execution_output_bytes",
				Help:        "Size of captured execution output",
				Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
				ConstLabels: labels,
			},
		),
		kills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "watchdog_kills_total",
				Help:        "Containers killed by a watchdog",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "jobs_total",
				Help:        "Worker job results",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		jobsWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "jobs_waiting",
				Help:        "Jobs queued but not started",
				ConstLabels: labels,
			},
		),
		jobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "jobs_running",
				Help:        "Jobs currently running",
				ConstLabels: labels,
			},
		),
		waitTimeSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "smoothed_wait_seconds",
				Help:        "Smoothed time jobs spend queued",
				ConstLabels: labels,
			},
		),
		poolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "worker_threads",
				Help:        "Configured worker pool size",
				ConstLabels: labels,
			},
		),
	}
}

func (p *Prometheus) ObserveRuntimeCall(op string, d time.Duration, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	p.runtimeCalls.WithLabelValues(op, res).Inc()
	p.runtimeLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (p *Prometheus) ObserveExecution(_ context.Context, backend string, status string, timeMs int64, outputBytes int) {
	p.executions.WithLabelValues(backend, status).Inc()
	p.executionTime.WithLabelValues(backend).Observe(float64(timeMs) / 1000)
	p.outputBytes.Observe(float64(outputBytes))
}

func (p *Prometheus) ObserveKill(reason string) {
	p.kills.WithLabelValues(reason).Inc()
}

func (p *Prometheus) ObserveJob(outcome string) {
	p.jobs.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) SetQueueDepth(waiting, running int) {
	p.jobsWaiting.Set(float64(waiting))
	p.jobsRunning.Set(float64(running))
}

func (p *Prometheus) SetWaitTime(d time.Duration) {
	p.waitTimeSeconds.Set(d.Seconds())
}

func (p *Prometheus) SetPoolSize(n int) {
	p.poolSize.Set(float64(n))
}
