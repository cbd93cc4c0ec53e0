package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labcv",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcv",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labcv",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "path"},
	)

	paymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcv",
			Subsystem: "payments",
			Name:      "transitions_total",
			Help:      "Payment status transitions by target status and origin.",
		},
		[]string{"status", "source"},
	)

	aiCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcv",
			Subsystem: "ai",
			Name:      "completions_total",
			Help:      "AI completion calls by outcome.",
		},
		[]string{"outcome"},
	)

	aiDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "labcv",
			Subsystem: "ai",
			Name:      "completion_duration_seconds",
			Help:      "Latency of AI completion calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		},
	)

	aiTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labcv",
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens reported by the AI provider.",
		},
	)

	learningUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcv",
			Subsystem: "learning",
			Name:      "updates_total",
			Help:      "Feedback entries applied to learned patterns by direction and source.",
		},
		[]string{"direction", "source"},
	)

	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcv",
			Subsystem: "downloads",
			Name:      "pdf_total",
			Help:      "Rendered PDFs by kind (preview or full).",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		paymentTransitions,
		aiCompletions,
		aiDuration,
		aiTokens,
		learningUpdates,
		downloads,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordPaymentTransition counts a payment moving to status. source names the
// actor that won the transition (ipn, poll, poller, cron, admin).
func RecordPaymentTransition(status, source string) {
	if source == "" {
		source = "unknown"
	}
	paymentTransitions.WithLabelValues(status, source).Inc()
}

// RecordCompletion records one AI call.
func RecordCompletion(outcome string, duration time.Duration, tokens int) {
	aiCompletions.WithLabelValues(outcome).Inc()
	if duration > 0 {
		aiDuration.Observe(duration.Seconds())
	}
	if tokens > 0 {
		aiTokens.Add(float64(tokens))
	}
}

// RecordLearningUpdate counts a feedback entry applied to patterns.
func RecordLearningUpdate(direction, source string) {
	learningUpdates.WithLabelValues(direction, source).Inc()
}

// RecordDownload counts a rendered PDF.
func RecordDownload(kind string) {
	downloads.WithLabelValues(kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses identifiers so label cardinality stays bounded:
// /api/cvs/<id>/messages becomes /api/cvs/:id/messages.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeID(segment string) bool {
	if len(segment) == 36 && strings.Count(segment, "-") == 4 {
		return true
	}
	if segment == "" {
		return false
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
