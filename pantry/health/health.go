// health/health.go
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dalemusser/dashgate/httputil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each check when the handler is built without one.
const DefaultTimeout = 2 * time.Second

// Check represents a single health probe. It should return nil if the
// dependency is healthy, or a non-nil error describing the problem.
// The ctx passed in is derived from the incoming request context.
type Check func(ctx context.Context) error

// Response is the JSON structure returned by the health handler.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler returns an http.Handler that runs the provided checks on each
// request and returns a JSON response, using DefaultTimeout per check.
// If checks is nil or empty, it behaves as a simple liveness probe:
//
//	{ "status": "ok" }
//
// If any check returns an error, the handler responds with 503 and:
//
//	{ "status": "error", "checks": { "metadb": "error: ...", ... } }
func Handler(checks map[string]Check, logger *zap.Logger) http.Handler {
	return HandlerWithTimeout(checks, DefaultTimeout, logger)
}

// HandlerWithTimeout is Handler with an explicit per-check timeout.
// Checks run concurrently; the response waits for the slowest.
func HandlerWithTimeout(checks map[string]Check, timeout time.Duration, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(checks) == 0 {
			httputil.WriteJSON(w, http.StatusOK, Response{Status: "ok"})
			return
		}

		results := run(r.Context(), checks, timeout, logger)

		resp := Response{Status: "ok", Checks: results}
		status := http.StatusOK
		for _, v := range results {
			if v != "ok" {
				resp.Status = "error"
				status = http.StatusServiceUnavailable
				break
			}
		}
		httputil.WriteJSON(w, status, resp)
	})
}

func run(ctx context.Context, checks map[string]Check, timeout time.Duration, logger *zap.Logger) map[string]string {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(checks))
	)
	for name, check := range checks {
		if check == nil {
			mu.Lock()
			results[name] = "ok"
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			cctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			msg := "ok"
			if err := check(cctx); err != nil {
				msg = "error"
				if err.Error() != "" {
					msg = "error: " + err.Error()
				}
				logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			}
			mu.Lock()
			results[name] = msg
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return results
}

// Mount attaches a /health route to the given chi.Router using the provided
// checks and logger.
func Mount(r chi.Router, checks map[string]Check, logger *zap.Logger) {
	MountAt(r, "/health", checks, logger)
}

// MountAt is like Mount but allows specifying a custom path, e.g. "/healthz".
func MountAt(r chi.Router, path string, checks map[string]Check, logger *zap.Logger) {
	r.Method(http.MethodGet, path, Handler(checks, logger))
}
