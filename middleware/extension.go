// middleware/extension.go
package middleware

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/metrics"
	"github.com/dalemusser/dashgate/origin"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ErrAlreadyInstalled is returned when an Extension is installed twice.
var ErrAlreadyInstalled = errors.New("middleware: extension already installed")

// Extension bundles the origin policy gate and the API error responder into
// one stage registered on a router at startup. The gate wraps the
// responder, so rewritten errors still carry cross-origin headers.
type Extension struct {
	policy    *origin.Policy
	gate      *Gate // nil when CORS is disabled
	responder *ErrorResponder

	mu        sync.Mutex
	installed bool
}

// NewExtension compiles the origin rules in core and builds the stage.
// Rule errors are returned here, at startup, never per request.
func NewExtension(core *config.CoreConfig, m *metrics.Metrics, logger *zap.Logger) (*Extension, error) {
	if core == nil {
		return nil, errors.New("middleware: nil core config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	x := &Extension{
		responder: NewErrorResponder(core.APIPrefix, m, logger.Named("apierror")),
	}
	if !core.CORS.EnableCORS {
		return x, nil
	}

	policy, err := origin.New(origin.ConfigFromCORS(core.CORS))
	if err != nil {
		return nil, fmt.Errorf("build origin policy: %w", err)
	}
	x.policy = policy
	x.gate = NewGate(core.CORS, policy, m, logger.Named("gate"))

	logger.Info("origin policy compiled",
		zap.Int("rules", policy.Len()),
		zap.Bool("loose_loopback", core.CORS.CORSAllowLoopback),
		zap.Bool("credentials", core.CORS.CORSAllowCredentials))
	return x, nil
}

// Install registers the stage on r. It must run before any route is added
// to r, as chi requires of all middleware.
func (x *Extension) Install(r chi.Router) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.installed {
		return ErrAlreadyInstalled
	}
	x.installed = true

	if x.gate != nil {
		r.Use(x.gate.Handler)
	}
	r.Use(x.responder.Handler)
	return nil
}

// Policy is the compiled origin policy, nil when CORS is disabled.
func (x *Extension) Policy() *origin.Policy { return x.policy }

// Gate is the origin policy gate, nil when CORS is disabled.
func (x *Extension) Gate() *Gate { return x.gate }
