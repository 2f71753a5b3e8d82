// router/router.go
package router

import (
	"errors"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/logging"
	"github.com/dalemusser/dashgate/metrics"
	"github.com/dalemusser/dashgate/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Options are the parts New wires into the middleware stack. Settings and
// Metrics may be nil.
type Options struct {
	Core      *config.CoreConfig
	Settings  *config.Settings
	Extension *middleware.Extension
	Metrics   *metrics.Metrics
}

// New creates a chi.Router pre-wired with the gateway's middleware stack:
// - RequestID
// - RealIP (only when the host trusts proxy headers)
// - Recoverer (panic → 500)
// - body size limit (MaxRequestBodyBytes)
// - metrics HTTP middleware
// - request logging
// - compression
// - security headers from the host settings
// - the origin gate and API error responder
// - NotFound / MethodNotAllowed handlers
// It does NOT mount health, features or the upstream proxy; callers add routes.
func New(opts Options, logger *zap.Logger) (chi.Router, error) {
	if opts.Core == nil {
		return nil, errors.New("router: nil core config")
	}
	if opts.Extension == nil {
		return nil, errors.New("router: nil extension")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Request context & safety
	r.Use(chimw.RequestID)
	if opts.Settings != nil && opts.Settings.EnableProxyFix {
		r.Use(chimw.RealIP)
	}
	r.Use(logging.Recoverer(logger))

	if opts.Core.MaxRequestBodyBytes > 0 {
		r.Use(chimw.RequestSize(opts.Core.MaxRequestBodyBytes))
	}

	r.Use(opts.Metrics.HTTPMetrics)
	r.Use(logging.RequestLogger(logger))

	// Outside the extension so rewritten error bodies are compressed too.
	r.Use(middleware.CompressFromConfig(opts.Core, logger))
	r.Use(middleware.SecurityHeadersFromSettings(opts.Settings))

	if err := opts.Extension.Install(r); err != nil {
		return nil, err
	}

	r.NotFound(middleware.NotFoundHandler(logger))
	r.MethodNotAllowed(middleware.MethodNotAllowedHandler(logger))

	return r, nil
}
