package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scusemua/gpu-mux/common/types"
)

var (
	ErrMetricsManagerAlreadyRunning = errors.New("RuntimeMetricsManager is already running")
	ErrMetricsManagerNotRunning     = errors.New("RuntimeMetricsManager is not running")
)

// RuntimeMetricsManager registers the runtime's metrics with Prometheus and serves them
// via HTTP.
//
// All recording methods are nil-safe so that components can be wired without a metrics
// manager (e.g., in unit tests).
type RuntimeMetricsManager struct {
	log logger.Logger

	port     int
	registry *prometheus.Registry
	server   *http.Server

	// TasksScheduledCounterVec counts tasks dispatched to workers, labeled by policy.
	TasksScheduledCounterVec *prometheus.CounterVec

	// AdmissionFailuresCounter counts staging requests rejected for lack of capacity.
	AdmissionFailuresCounter prometheus.Counter

	// CommittedGaugeVec tracks committed resource quantities, labeled by tag.
	CommittedGaugeVec *prometheus.GaugeVec

	// StagingGaugeVec tracks staged reservation quantities, labeled by tag.
	StagingGaugeVec *prometheus.GaugeVec

	// StreamsInUseGaugeVec tracks allocated physical GPU streams, labeled by device.
	StreamsInUseGaugeVec *prometheus.GaugeVec

	// PagedBytesCounter counts bytes relocated by tensor paging.
	PagedBytesCounter prometheus.Counter

	// PagingFailuresCounter counts paging operations that failed partway.
	PagingFailuresCounter prometheus.Counter

	// TaskLatencyHistogram observes task execution latencies in seconds.
	TaskLatencyHistogram prometheus.Histogram
}

// NewRuntimeMetricsManager creates a RuntimeMetricsManager serving on the given port.
// A port <= 0 disables the HTTP endpoint but still registers the metrics.
func NewRuntimeMetricsManager(port int) *RuntimeMetricsManager {
	manager := &RuntimeMetricsManager{
		port:     port,
		registry: prometheus.NewRegistry(),
	}
	config.InitLogger(&manager.log, manager)

	manager.initMetrics()

	return manager
}

func (m *RuntimeMetricsManager) initMetrics() {
	m.TasksScheduledCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpumux",
		Name:      "tasks_scheduled_total",
		Help:      "Number of tasks dispatched to worker threads.",
	}, []string{"policy"})

	m.AdmissionFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpumux",
		Name:      "admission_failures_total",
		Help:      "Number of staging requests rejected for lack of capacity.",
	})

	m.CommittedGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpumux",
		Name:      "committed_resources",
		Help:      "Committed resource quantities, per resource tag.",
	}, []string{"resource", "device"})

	m.StagingGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpumux",
		Name:      "staged_resources",
		Help:      "Staged (pledged, uncommitted) resource quantities, per resource tag.",
	}, []string{"resource", "device"})

	m.StreamsInUseGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpumux",
		Name:      "streams_in_use",
		Help:      "Allocated physical GPU streams, per device.",
	}, []string{"device"})

	m.PagedBytesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpumux",
		Name:      "paged_bytes_total",
		Help:      "Bytes relocated between devices by tensor paging.",
	})

	m.PagingFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpumux",
		Name:      "paging_failures_total",
		Help:      "Paging operations that failed after beginning to move buffers.",
	})

	m.TaskLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gpumux",
		Name:      "task_latency_seconds",
		Help:      "Task execution latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	m.registry.MustRegister(
		m.TasksScheduledCounterVec,
		m.AdmissionFailuresCounter,
		m.CommittedGaugeVec,
		m.StagingGaugeVec,
		m.StreamsInUseGaugeVec,
		m.PagedBytesCounter,
		m.PagingFailuresCounter,
		m.TaskLatencyHistogram,
	)
}

// Start begins serving the metrics endpoint. It is a no-op when the port is disabled.
func (m *RuntimeMetricsManager) Start() error {
	if m.port <= 0 {
		m.log.Debug("Prometheus metrics endpoint disabled (port=%d)", m.port)
		return nil
	}

	if m.server != nil {
		return ErrMetricsManagerAlreadyRunning
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.port),
		Handler: mux,
	}

	go func() {
		m.log.Info("Serving Prometheus metrics on port %d", m.port)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Prometheus metrics server failed: %v", err)
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (m *RuntimeMetricsManager) Stop() error {
	if m.server == nil {
		if m.port <= 0 {
			return nil
		}
		return ErrMetricsManagerNotRunning
	}

	err := m.server.Close()
	m.server = nil
	return err
}

// TaskScheduled records a dispatched task under the given policy name.
func (m *RuntimeMetricsManager) TaskScheduled(policy string) {
	if m == nil {
		return
	}
	m.TasksScheduledCounterVec.With(prometheus.Labels{"policy": policy}).Inc()
}

// AdmissionFailed records one rejected staging request.
func (m *RuntimeMetricsManager) AdmissionFailed() {
	if m == nil {
		return
	}
	m.AdmissionFailuresCounter.Inc()
}

// ObserveResources updates the committed and staging gauges from monitor snapshots.
func (m *RuntimeMetricsManager) ObserveResources(committed types.Resources, staged types.Resources) {
	if m == nil {
		return
	}

	for _, tag := range committed.Tags() {
		m.CommittedGaugeVec.With(prometheus.Labels{
			"resource": string(tag.Type),
			"device":   tag.Device.String(),
		}).Set(float64(committed.Get(tag)))
	}

	for _, tag := range staged.Tags() {
		m.StagingGaugeVec.With(prometheus.Labels{
			"resource": string(tag.Type),
			"device":   tag.Device.String(),
		}).Set(float64(staged.Get(tag)))
	}
}

// ObserveStreamsInUse updates the stream-pool gauge for a device.
func (m *RuntimeMetricsManager) ObserveStreamsInUse(device types.DeviceSpec, n int) {
	if m == nil {
		return
	}
	m.StreamsInUseGaugeVec.With(prometheus.Labels{"device": device.String()}).Set(float64(n))
}

// PagedBytes records bytes moved by a paging operation.
func (m *RuntimeMetricsManager) PagedBytes(n int64) {
	if m == nil {
		return
	}
	m.PagedBytesCounter.Add(float64(n))
}

// PagingFailed records a paging operation that failed partway.
func (m *RuntimeMetricsManager) PagingFailed() {
	if m == nil {
		return
	}
	m.PagingFailuresCounter.Inc()
}

// ObserveTaskLatency records one task execution latency.
func (m *RuntimeMetricsManager) ObserveTaskLatency(latency time.Duration) {
	if m == nil {
		return
	}
	m.TaskLatencyHistogram.Observe(latency.Seconds())
}
