package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ps",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ps",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ps",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	generationJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ps",
			Subsystem: "generation",
			Name:      "jobs_total",
			Help:      "Total generation jobs processed.",
		},
		[]string{"model", "outcome"},
	)
	generationJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ps",
			Subsystem: "generation",
			Name:      "job_duration_seconds",
			Help:      "Generation job duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"model"},
	)

	creditRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ps",
			Subsystem: "credits",
			Name:      "refunds_total",
			Help:      "Credit refunds issued for failed generations.",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(appInfo, httpRequestsTotal, httpRequestDuration,
		generationJobsTotal, generationJobDuration, creditRefundsTotal)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "pixelstudio"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
// NOTE: route label is best-effort (path without query). It's fine for internal use;
// if you want strict low-cardinality metrics, replace with a router that provides a pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func RecordGenerationJob(model string, start time.Time, outcome string) {
	m := strings.TrimSpace(model)
	if m == "" {
		m = "unknown"
	}
	o := strings.TrimSpace(outcome)
	if o == "" {
		o = "unknown"
	}
	generationJobsTotal.WithLabelValues(m, o).Inc()
	generationJobDuration.WithLabelValues(m).Observe(time.Since(start).Seconds())
}

func RecordCreditRefund(model string) {
	m := strings.TrimSpace(model)
	if m == "" {
		m = "unknown"
	}
	creditRefundsTotal.WithLabelValues(m).Inc()
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Reduce cardinality for requestId routes.
	// /api/processing/{requestId}
	// /processing/{requestId}
	if strings.HasPrefix(p, "/api/processing/") {
		return "/api/processing/:requestId"
	}
	if strings.HasPrefix(p, "/processing/") {
		return "/processing/:requestId"
	}
	return p
}
