// Package metrics exposes the service's Prometheus collectors. The
// Collector doubles as an event sink so security events recorded by
// running instances surface as counter increments without extra wiring.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blastpit/internal/sandbox/event"
)

// Collector owns a private registry so /metrics only serves what the
// analysis service itself produced.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	securityEvents    *prometheus.CounterVec
	analysesTotal     *prometheus.CounterVec
	executionDuration prometheus.Histogram
	analysisDuration  prometheus.Histogram
	activeInstances   prometheus.Gauge
	queueDepth        prometheus.Gauge
	httpReqsTotal     *prometheus.CounterVec
	httpReqDur        *prometheus.HistogramVec
}

// New builds a Collector with every series registered.
func New() *Collector {
	registry := prometheus.NewRegistry()

	executionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blastpit_executions_total",
			Help: "Code executions by outcome",
		},
		[]string{"outcome"},
	)
	securityEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blastpit_security_events_total",
			Help: "Security events recorded during executions",
		},
		[]string{"event_type", "severity"},
	)
	analysesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blastpit_analyses_total",
			Help: "Completed sample analyses by verdict",
		},
		[]string{"verdict"},
	)
	executionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blastpit_execution_duration_seconds",
			Help:    "Wall time of a single code execution",
			Buckets: prometheus.DefBuckets,
		},
	)
	analysisDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blastpit_analysis_duration_seconds",
			Help:    "Wall time of a full sample analysis",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
	activeInstances := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blastpit_active_instances",
			Help: "Sandbox instances currently alive",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blastpit_analysis_queue_depth",
			Help: "Analyses admitted and not yet finished",
		},
	)
	httpReqs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blastpit_http_requests_total",
			Help: "HTTP requests handled by the ops API",
		},
		[]string{"method", "path", "status"},
	)
	httpDur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blastpit_http_request_duration_seconds",
			Help:    "HTTP request latency for the ops API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	registry.MustRegister(
		executionsTotal,
		securityEvents,
		analysesTotal,
		executionDuration,
		analysisDuration,
		activeInstances,
		queueDepth,
		httpReqs,
		httpDur,
	)
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return &Collector{
		registry:          registry,
		executionsTotal:   executionsTotal,
		securityEvents:    securityEvents,
		analysesTotal:     analysesTotal,
		executionDuration: executionDuration,
		analysisDuration:  analysisDuration,
		activeInstances:   activeInstances,
		queueDepth:        queueDepth,
		httpReqsTotal:     httpReqs,
		httpReqDur:        httpDur,
	}
}

// Handler serves the registry for the /metrics route.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware observes per-request counts and latency.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(gc *gin.Context) {
		start := time.Now()
		gc.Next()

		path := gc.FullPath()
		if path == "" {
			path = gc.Request.URL.Path
		}
		method := gc.Request.Method
		status := strconv.Itoa(gc.Writer.Status())

		c.httpReqsTotal.WithLabelValues(method, path, status).Inc()
		c.httpReqDur.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
	}
}

// OnEvent implements event.Sink.
func (c *Collector) OnEvent(_ string, ev event.Event) {
	c.securityEvents.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
}

// ObserveExecution records one finished execution.
func (c *Collector) ObserveExecution(outcome string, d time.Duration) {
	c.executionsTotal.WithLabelValues(outcome).Inc()
	c.executionDuration.Observe(d.Seconds())
}

// ObserveAnalysis records one finished analysis.
func (c *Collector) ObserveAnalysis(verdict string, d time.Duration) {
	c.analysesTotal.WithLabelValues(verdict).Inc()
	c.analysisDuration.Observe(d.Seconds())
}

// InstanceStarted and InstanceStopped track the live-instance gauge.
func (c *Collector) InstanceStarted() { c.activeInstances.Inc() }

func (c *Collector) InstanceStopped() { c.activeInstances.Dec() }

// AnalysisAdmitted and AnalysisSettled track the in-flight gauge.
func (c *Collector) AnalysisAdmitted() { c.queueDepth.Inc() }

func (c *Collector) AnalysisSettled() { c.queueDepth.Dec() }

var _ event.Sink = (*Collector)(nil)
