package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PassRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventmonitor_pass_runs_total",
		Help: "Total monitoring passes executed",
	})
	PassErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventmonitor_pass_errors_total",
		Help: "Total monitoring passes that recorded an error",
	})
	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventmonitor_pass_duration_seconds",
		Help:    "Monitoring pass duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	PostsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventmonitor_posts_ingested_total",
		Help: "New posts stored across all passes",
	})
	Classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventmonitor_classifications_total",
		Help: "Classifications applied, by source",
	}, []string{"source"})
	Extractions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventmonitor_extractions_total",
		Help: "AI extraction attempts, by outcome",
	}, []string{"outcome"})
	RateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventmonitor_rate_limit_hits_total",
		Help: "Rate-limit signatures detected on the scraper adapter",
	})
	FetcherCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventmonitor_fetcher_calls_total",
		Help: "Fetch adapter invocations, by adapter",
	}, []string{"adapter"})
)

func init() {
	prometheus.MustRegister(
		PassRuns, PassErrors, PassDuration, PostsIngested,
		Classifications, Extractions, RateLimitHits, FetcherCalls,
	)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObservePassDuration records a pass duration from its start time.
func ObservePassDuration(start time.Time) {
	PassDuration.Observe(time.Since(start).Seconds())
}
