// middleware/cors.go
package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/metrics"
	"github.com/dalemusser/dashgate/origin"
	"github.com/felixge/httpsnoop"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Cross-origin response headers the gate owns.
const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
)

var gateHeaders = [...]string{
	HeaderAllowOrigin,
	HeaderAllowCredentials,
	HeaderAllowMethods,
	HeaderAllowHeaders,
}

// Gate is the origin policy gate. It decides per request whether the Origin
// is allowed and attaches or strips the cross-origin response headers. It
// never rejects a request: browsers enforce the same-origin policy, the gate
// only widens it.
//
// A Gate holds no per-request state and is safe for concurrent use.
type Gate struct {
	policy      *origin.Policy
	credentials bool
	methods     string
	headers     string
	negotiator  *cors.Cors
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewGate builds a gate from the CORS section of the core config and an
// already compiled policy.
func NewGate(c config.CORSConfig, policy *origin.Policy, m *metrics.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		policy:      policy,
		credentials: c.CORSAllowCredentials,
		methods:     strings.Join(c.CORSAllowedMethods, ", "),
		headers:     strings.Join(c.CORSAllowedHeaders, ", "),
		metrics:     m,
		logger:      logger,
	}

	// go-chi/cors negotiates Vary, Max-Age and Expose-Headers. Preflights
	// pass through to the gate, which owns the final header set.
	g.negotiator = cors.New(cors.Options{
		AllowOriginFunc: func(_ *http.Request, o string) bool {
			return policy.Allows(o)
		},
		AllowedMethods:     c.CORSAllowedMethods,
		AllowedHeaders:     c.CORSAllowedHeaders,
		ExposedHeaders:     c.CORSExposedHeaders,
		AllowCredentials:   c.CORSAllowCredentials,
		MaxAge:             c.CORSMaxAge,
		OptionsPassthrough: true,
	})
	if logger.Core().Enabled(zap.DebugLevel) {
		g.negotiator.Log = zap.NewStdLog(logger.Named("cors"))
	}
	return g
}

// BeforeRequest answers every OPTIONS request with 200 and an empty body,
// whatever its origin. It reports whether the request was handled.
func (g *Gate) BeforeRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	w.Header().Del("Content-Type")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
	return true
}

// AfterResponse sets the cross-origin headers on h for an allowed origin and
// removes them for any other, including headers the upstream host set.
// Allow-Origin always echoes the request's origin.
func (g *Gate) AfterResponse(h http.Header, d origin.Decision) {
	if !d.Allowed {
		for _, k := range gateHeaders {
			h.Del(k)
		}
		return
	}

	h.Set(HeaderAllowOrigin, d.Origin)
	if g.credentials {
		h.Set(HeaderAllowCredentials, "true")
	} else {
		h.Del(HeaderAllowCredentials)
	}
	h.Set(HeaderAllowMethods, g.methods)
	h.Set(HeaderAllowHeaders, g.headers)
	addVary(h, "Origin")
}

// Handler runs the gate around next.
func (g *Gate) Handler(next http.Handler) http.Handler {
	stage := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.policy.Decide(r.Header.Get("Origin"))
		if d.Origin != "" {
			g.metrics.ObserveOrigin(d.Rule.Kind().String())
			if !d.Allowed {
				g.logger.Debug("origin not allowed",
					zap.String("origin", d.Origin),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
			}
		}

		hw, finish := g.hook(w, d)
		if !g.BeforeRequest(hw, r) {
			next.ServeHTTP(hw, r)
		}
		finish()
	})
	return g.negotiator.Handler(stage)
}

// hook wraps w so AfterResponse runs once, right before the final status
// line goes out. finish applies it for handlers that never wrote.
func (g *Gate) hook(w http.ResponseWriter, d origin.Decision) (http.ResponseWriter, func()) {
	applied := false
	apply := func() {
		if applied {
			return
		}
		applied = true
		g.AfterResponse(w.Header(), d)
	}

	hw := httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				// 1xx responses are followed by the real one
				if code >= 200 {
					apply()
				}
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				apply()
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				apply()
				return next(src)
			}
		},
		Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
			return func() {
				apply()
				next()
			}
		},
	})
	return hw, apply
}

func addVary(h http.Header, value string) {
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return
			}
		}
	}
	h.Add("Vary", value)
}
