// metrics/metrics.go
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors. Each instance owns its collectors,
// so two gateways in one process (or in one test binary) never collide.
type Metrics struct {
	reqDuration     *prometheus.HistogramVec
	originDecisions *prometheus.CounterVec
	apiRewrites     *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reqDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "http_request_duration_seconds",
				Help: "Duration of HTTP requests.",
				// buckets in seconds; BI queries run long
				Buckets: []float64{0.01, 0.1, 0.3, 1.2, 5, 30, 60},
			},
			[]string{"path", "method", "status"},
		),
		originDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashgate_origin_decisions_total",
				Help: "Origin policy decisions by matching rule kind.",
			},
			[]string{"rule"},
		),
		apiRewrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashgate_api_errors_rewritten_total",
				Help: "API error responses rewritten as JSON, by status.",
			},
			[]string{"status"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.reqDuration, m.originDecisions, m.apiRewrites} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// IsAlreadyRegistered reports whether err comes from registering the same
// collector twice.
func IsAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}

// ObserveOrigin counts one origin decision. kind is "literal", "prefix",
// "pattern" or "none".
func (m *Metrics) ObserveOrigin(kind string) {
	if m == nil {
		return
	}
	m.originDecisions.WithLabelValues(kind).Inc()
}

// ObserveRewrite counts one API error rewritten to JSON.
func (m *Metrics) ObserveRewrite(status int) {
	if m == nil {
		return
	}
	m.apiRewrites.WithLabelValues(strconv.Itoa(status)).Inc()
}

// OriginDecisions is the dashgate_origin_decisions_total vector.
func (m *Metrics) OriginDecisions() *prometheus.CounterVec { return m.originDecisions }

// APIRewrites is the dashgate_api_errors_rewritten_total vector.
func (m *Metrics) APIRewrites() *prometheus.CounterVec { return m.apiRewrites }

// UnmatchedPath is the path label for requests no route pattern matched,
// so probing random URLs does not grow the label set.
const UnmatchedPath = "<unmatched>"

// maxPathLabelLength bounds the path label's cardinality and size.
const maxPathLabelLength = 256

// HTTPMetrics is a middleware that records request duration into the
// http_request_duration_seconds histogram.
//
// It uses the chi route pattern (e.g., "/api/v1/gateway/features") instead of
// the raw path. Requests that reach the upstream catch-all share its "/*" pattern;
// requests that match nothing are labelled UnmatchedPath.
func (m *Metrics) HTTPMetrics(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		protoMajor := r.ProtoMajor
		if protoMajor < 1 {
			protoMajor = 1
		}
		ww := middleware.NewWrapResponseWriter(w, protoMajor)

		next.ServeHTTP(ww, r)

		statusCode := ww.Status()
		// 0 means the handler never wrote; net/http sends 200.
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		if statusCode < 100 || statusCode > 599 {
			statusCode = http.StatusInternalServerError
		}

		path := UnmatchedPath
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		if len(path) > maxPathLabelLength {
			path = truncateUTF8(path, maxPathLabelLength-3) + "..."
		}

		m.reqDuration.WithLabelValues(
			path,
			r.Method,
			strconv.Itoa(statusCode),
		).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// truncateUTF8 truncates s to at most maxBytes bytes without splitting
// multi-byte UTF-8 characters.
func truncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
