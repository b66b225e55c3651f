// Package metrics exposes Prometheus collectors for the listing monitor.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	challengesTotal            *prometheus.CounterVec
	scrapesTotal               *prometheus.CounterVec
	newItemsTotal              prometheus.Counter
	notificationsTotal         *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	pacingDelaySeconds         *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times and every
// observer calls it, so explicit initialization is optional.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_fetches_total",
				Help: "Total fetch attempts, labeled by outcome kind.",
			},
			[]string{"kind"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_challenges_total",
				Help: "Anti-bot challenge pages encountered, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_scrapes_total",
				Help: "Scrapes performed, labeled by adapter and outcome.",
			},
			[]string{"adapter", "outcome"},
		)

		newItemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_new_items_total",
				Help: "Matches seen for the first time.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_notifications_total",
				Help: "Notifications handed to delivery, labeled by channel and status.",
			},
			[]string{"channel", "status"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_jobs_total",
				Help: "Scheduled ticks processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_active_workers",
				Help: "Number of workers currently processing a tick.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_pacing_delay_seconds",
				Help:    "Time spent waiting on per-domain pacing.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one fetch attempt by outcome kind ("ok" on success).
func ObserveFetch(kind string) {
	Init()
	fetchesTotal.WithLabelValues(kind).Inc()
}

// ObserveChallenge counts a challenge page by outcome (solved, unsolved).
func ObserveChallenge(outcome string) {
	Init()
	challengesTotal.WithLabelValues(outcome).Inc()
}

// ObserveScrape counts a scrape by adapter and outcome.
func ObserveScrape(adapter, outcome string) {
	Init()
	scrapesTotal.WithLabelValues(adapter, outcome).Inc()
}

// ObserveNewItems adds n first-seen matches.
func ObserveNewItems(n int) {
	if n <= 0 {
		return
	}
	Init()
	newItemsTotal.Add(float64(n))
}

// ObserveNotification counts a notification by channel and final status.
func ObserveNotification(channel, status string) {
	Init()
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

// ObserveJob counts a processed tick by outcome.
func ObserveJob(outcome string) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObservePacingDelay records the duration of a per-domain pacing wait.
func ObservePacingDelay(domain string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
