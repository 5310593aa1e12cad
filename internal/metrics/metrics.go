// Package metrics exposes Prometheus collectors for the statement crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerItemsTotal             *prometheus.CounterVec
	crawlerAttemptsTotal          *prometheus.CounterVec
	crawlerProxyProbesTotal       *prometheus.CounterVec
	crawlerRedirectsTotal         prometheus.Counter
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerPolitenessDelaySeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total number of work items settled, labeled by page type and outcome.",
			},
			[]string{"page_type", "outcome"},
		)

		crawlerAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_attempts_total",
				Help: "Total number of fetch attempts, labeled by page type and result.",
			},
			[]string{"page_type", "result"},
		)

		crawlerProxyProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_probes_total",
				Help: "Total number of proxy liveness probes, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerRedirectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_redirects_total",
				Help: "Total number of redirect hops followed.",
			},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of records emitted, labeled by page type.",
			},
			[]string{"page_type"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		crawlerPolitenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_delay_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer builds the metrics HTTP server serving /metrics and /healthz.
func NewServer(addr string) *http.Server {
	Init()
	r := chi.NewRouter()
	r.Handle("/metrics", Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ObserveItem counts a settled work item.
func ObserveItem(pageType, outcome string) {
	Init()
	crawlerItemsTotal.WithLabelValues(pageType, outcome).Inc()
}

// ObserveAttempt counts one fetch attempt.
func ObserveAttempt(pageType, result string) {
	Init()
	crawlerAttemptsTotal.WithLabelValues(pageType, result).Inc()
}

// ObserveProxyProbe counts one proxy liveness probe.
func ObserveProxyProbe(result string) {
	Init()
	crawlerProxyProbesTotal.WithLabelValues(result).Inc()
}

// ObserveRedirect counts one followed redirect hop.
func ObserveRedirect() {
	Init()
	crawlerRedirectsTotal.Inc()
}

// ObserveRecords adds n emitted records for the page type.
func ObserveRecords(pageType string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerRecordsTotal.WithLabelValues(pageType).Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObservePolitenessDelay records the duration of a politeness wait.
func ObservePolitenessDelay(domain string, duration time.Duration) {
	Init()
	crawlerPolitenessDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
