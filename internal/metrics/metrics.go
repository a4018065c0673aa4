package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stillwatch"

// Metrics holds all application collectors on a private registry.
// All recording methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured    prometheus.Counter
	readFailures      prometheus.Counter
	reconnectAttempts prometheus.Counter
	captureConnected  prometheus.Gauge

	detections       *prometheus.CounterVec
	detectionErrors  prometheus.Counter
	detectionLatency prometheus.Histogram

	sessionActive   prometheus.Gauge
	sessionsStarted prometheus.Counter
	sessionsStopped *prometheus.CounterVec
	alerts          *prometheus.CounterVec

	deliveries    *prometheus.CounterVec
	deliverySends prometheus.Counter
}

// New creates a Metrics instance and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_total",
			Help: "Frames read from the camera",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "read_failures_total",
			Help: "Failed camera reads",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "reconnect_attempts_total",
			Help: "Camera reconnect attempts",
		}),
		captureConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "connected",
			Help: "1 while the camera is delivering frames",
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "motion", Name: "detections_total",
			Help: "Processed frames by verdict",
		}, []string{"activity"}),
		detectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "motion", Name: "errors_total",
			Help: "Frames that failed processing",
		}),
		detectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "motion", Name: "processing_seconds",
			Help:    "Per-frame detection latency",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "1 while a monitoring session is active",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "started_total",
			Help: "Sessions started",
		}),
		sessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "stopped_total",
			Help: "Sessions stopped by reason",
		}, []string{"reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "alerts_total",
			Help: "Alert submissions by result (submitted, committed, rolled_back)",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notification", Name: "deliveries_total",
			Help: "Dispatch cycles by result (success, failure, cooldown)",
		}, []string{"result"}),
		deliverySends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notification", Name: "send_attempts_total",
			Help: "Transport send attempts including retries",
		}),
	}

	m.registry.MustRegister(
		m.framesCaptured, m.readFailures, m.reconnectAttempts, m.captureConnected,
		m.detections, m.detectionErrors, m.detectionLatency,
		m.sessionActive, m.sessionsStarted, m.sessionsStopped, m.alerts,
		m.deliveries, m.deliverySends,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
}

func (m *Metrics) ReadFailed() {
	if m == nil {
		return
	}
	m.readFailures.Inc()
}

func (m *Metrics) ReconnectAttempted() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetCaptureConnected(connected bool) {
	if m == nil {
		return
	}
	m.captureConnected.Set(boolToFloat(connected))
}

// ObserveDetection records one processed frame.
func (m *Metrics) ObserveDetection(activity bool, took time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if activity {
		label = "true"
	}
	m.detections.WithLabelValues(label).Inc()
	m.detectionLatency.Observe(took.Seconds())
}

func (m *Metrics) DetectionFailed() {
	if m == nil {
		return
	}
	m.detectionErrors.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.sessionActive.Set(1)
}

func (m *Metrics) SessionStopped(reason string) {
	if m == nil {
		return
	}
	m.sessionsStopped.WithLabelValues(reason).Inc()
	m.sessionActive.Set(0)
}

// Alert records an alert lifecycle step: submitted, committed or rolled_back.
func (m *Metrics) Alert(result string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(result).Inc()
}

// Delivery records the result of a dispatch cycle: success, failure or cooldown.
func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SendAttempted() {
	if m == nil {
		return
	}
	m.deliverySends.Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
