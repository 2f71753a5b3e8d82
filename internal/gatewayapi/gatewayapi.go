// Package gatewayapi mounts the endpoints the gateway answers itself:
// health, version, the public feature flag document, Prometheus metrics
// and, in dev, pprof.
package gatewayapi

import (
	"net/http"
	"sort"

	"github.com/dalemusser/dashgate/auth/apikey"
	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/httputil"
	"github.com/dalemusser/dashgate/metrics"
	"github.com/dalemusser/dashgate/pantry/health"
	"github.com/dalemusser/dashgate/pantry/pprof"
	"github.com/dalemusser/dashgate/pantry/version"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Paths of the gateway's own endpoints.
const (
	HealthPath   = "/healthz"
	FeaturesPath = "/api/v1/gateway/features"
	MetricsPath  = "/metrics"
	VersionPath  = "/version"
)

// Features is the public document served at FeaturesPath. It lets a
// dashboard frontend pick its behavior before the user has a session.
type Features struct {
	FeatureFlags   map[string]bool `json:"feature_flags"`
	Enabled        []string        `json:"enabled"`
	AsyncTransport string          `json:"async_transport"`
	PollingDelayMS int64           `json:"polling_delay_ms"`
	RowLimit       int             `json:"row_limit"`
	PageSize       int             `json:"page_size"`
}

// FeaturesFrom builds the document from the host settings.
func FeaturesFrom(s *config.Settings) Features {
	f := Features{
		FeatureFlags:   make(map[string]bool, len(s.FeatureFlags)),
		Enabled:        []string{},
		AsyncTransport: s.AsyncQueries.Transport,
		PollingDelayMS: s.AsyncQueries.PollingDelay.Milliseconds(),
		RowLimit:       s.RowLimit,
		PageSize:       s.APIPageSize,
	}
	for name, on := range s.FeatureFlags {
		f.FeatureFlags[name] = on
		if on {
			f.Enabled = append(f.Enabled, name)
		}
	}
	sort.Strings(f.Enabled)
	return f
}

// PprofCookie keeps a browser authenticated across the pprof index links.
const PprofCookie = "dashgate_pprof"

// Options carries what Mount needs. Checks may be empty; Gatherer nil leaves
// /metrics unmounted. Debug mounts the pprof handlers.
//
// AdminKey guards /metrics and pprof. Without it they are open when Debug is
// set and /metrics is left unmounted otherwise.
type Options struct {
	Settings *config.Settings
	Checks   map[string]health.Check
	Gatherer prometheus.Gatherer
	Debug    bool

	AdminKey      string
	SecureCookies bool
}

// Mount registers the gateway endpoints on r.
func Mount(r chi.Router, opts Options, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	health.MountAt(r, HealthPath, opts.Checks, logger)
	version.MountAt(r, VersionPath)

	if opts.Settings != nil {
		doc := FeaturesFrom(opts.Settings)
		r.Get(FeaturesPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			httputil.WriteJSON(w, http.StatusOK, doc)
		})
	}

	guarded := opts.AdminKey != ""
	switch {
	case guarded:
	case opts.Debug:
		logger.Warn("admin endpoints are unauthenticated; set admin_api_key",
			zap.String("metrics", MetricsPath), zap.String("pprof", pprof.Path))
	case opts.Gatherer != nil:
		logger.Warn("metrics endpoint not mounted; set admin_api_key to expose it",
			zap.String("path", MetricsPath))
	}

	if opts.Gatherer != nil && (guarded || opts.Debug) {
		r.Group(func(r chi.Router) {
			if guarded {
				r.Use(apikey.Require(opts.AdminKey, apikey.Options{Realm: "dashgate-metrics"}, logger))
			}
			r.Method(http.MethodGet, MetricsPath, metrics.Handler(opts.Gatherer))
		})
	}

	if opts.Debug {
		r.Group(func(r chi.Router) {
			if guarded {
				r.Use(apikey.Require(opts.AdminKey, apikey.Options{
					Realm:        "dashgate-pprof",
					CookieName:   PprofCookie,
					SecureCookie: opts.SecureCookies,
				}, logger))
			}
			pprof.Mount(r)
		})
		logger.Warn("pprof handlers mounted", zap.String("path", pprof.Path), zap.Bool("guarded", guarded))
	}
}
