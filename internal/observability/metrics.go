package observability

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	snapshotBytes prometheus.Gauge
	snapshotFiles prometheus.Gauge
	applyTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devbridge_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devbridge_snapshot_bytes",
			Help: "Content bytes included in the most recent snapshot.",
		}),
		snapshotFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devbridge_snapshot_files",
			Help: "Files included in the most recent snapshot.",
		}),
		applyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devbridge_apply_total",
			Help: "Apply requests by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.httpRequests, m.snapshotBytes, m.snapshotFiles, m.applyTotal)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveSnapshot(fileCount, totalBytes int) {
	m.snapshotFiles.Set(float64(fileCount))
	m.snapshotBytes.Set(float64(totalBytes))
}

// ObserveApply counts one apply request. result is "ok" or an error code.
func (m *Metrics) ObserveApply(result string) {
	m.applyTotal.WithLabelValues(result).Inc()
}

// Middleware counts requests by chi route pattern. Unmatched routes are
// counted as "unmatched".
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
