package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	// Pool state
	poolRecords *prometheus.GaugeVec

	// Ingestion metrics
	candidatesScraped *prometheus.CounterVec
	cyclesTotal       *prometheus.CounterVec

	// Rotation metrics
	selectionsTotal *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		probesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of proxy probes by result",
			},
			[]string{"result"},
		),
		probeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Proxy probe duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		poolRecords: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_records",
				Help:      "Current number of pool records by status",
			},
			[]string{"status"},
		),
		candidatesScraped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_scraped_total",
				Help:      "Total number of proxy candidates scraped from sources",
			},
			[]string{"source"},
		),
		cyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_cycles_total",
				Help:      "Total number of ingestion cycles by outcome",
			},
			[]string{"status"},
		),
		selectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of rotation picks by profile and result",
			},
			[]string{"profile", "result"},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordProbeSuccess() {
	c.probesTotal.WithLabelValues("success").Inc()
}

func (c *Collector) RecordProbeFailure(reason string) {
	c.probesTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordProbeDuration(seconds float64) {
	c.probeDuration.Observe(seconds)
}

func (c *Collector) SetPoolCounts(counts map[string]int) {
	for status, n := range counts {
		c.poolRecords.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) RecordCandidates(source string, count int) {
	c.candidatesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordCycle(status string) {
	c.cyclesTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordSelection(profile string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	c.selectionsTotal.WithLabelValues(profile, result).Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
