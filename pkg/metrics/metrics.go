// Package metrics exports change flow outcomes to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
)

const namespace = "changeflow"

// Collector holds the change flow metrics. It implements flow.Observer.
type Collector struct {
	CommandsTotal       *prometheus.CounterVec
	AuditRecordsTotal   *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	OutputRetriesTotal  prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

var _ flow.Observer = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid the global registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Root change commands processed, by entity type, operation and outcome",
			},
			[]string{"entity_type", "operation", "success"},
		),
		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_records_total",
				Help:      "Root audit records emitted",
			},
			[]string{"entity_type"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Histogram of change flow run latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"entity_type"},
		),
		OutputRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_retries_total",
				Help:      "Output stages retried after a transaction conflict",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		c.CommandsTotal,
		c.AuditRecordsTotal,
		c.RunDuration,
		c.OutputRetriesTotal,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	return c
}

func (c *Collector) CommandCompleted(entityType string, op entity.ChangeOperation, success bool) {
	c.CommandsTotal.WithLabelValues(entityType, op.String(), strconv.FormatBool(success)).Inc()
}

func (c *Collector) AuditRecordsEmitted(entityType string, count int) {
	c.AuditRecordsTotal.WithLabelValues(entityType).Add(float64(count))
}

func (c *Collector) RunCompleted(entityType string, elapsed time.Duration) {
	c.RunDuration.WithLabelValues(entityType).Observe(elapsed.Seconds())
}

// OnRetry counts output retries. Its signature matches retry.WithOnRetry.
func (c *Collector) OnRetry(int, error) {
	c.OutputRetriesTotal.Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler serves the registered metrics for /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
