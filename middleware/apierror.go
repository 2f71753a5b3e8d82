// middleware/apierror.go
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dalemusser/dashgate/httputil"
	"github.com/dalemusser/dashgate/metrics"
	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"
)

// maxInterceptedBody bounds how much of an intercepted error body is kept
// for deriving the message. The rest is discarded.
const maxInterceptedBody = 64 << 10

// ErrorResponder rewrites 401 and 404 responses under an API path prefix
// into the JSON error envelope:
//
//	{"error": "Not Found", "message": "The requested URL was not found on the server. ..."}
//
// The status is preserved. Responses outside the prefix, and every other
// status, pass through untouched.
type ErrorResponder struct {
	prefix  string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewErrorResponder returns a responder for paths starting with prefix.
func NewErrorResponder(prefix string, m *metrics.Metrics, logger *zap.Logger) *ErrorResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorResponder{prefix: prefix, metrics: m, logger: logger}
}

// Intercepts reports whether status is one the responder rewrites.
func Intercepts(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusNotFound
}

// Handler runs the responder around next.
func (e *ErrorResponder) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, e.prefix) {
			next.ServeHTTP(w, r)
			return
		}

		ic := &interception{}
		next.ServeHTTP(ic.wrap(w), r)
		if ic.status == 0 {
			return
		}
		e.rewrite(w, r, ic)
	})
}

func (e *ErrorResponder) rewrite(w http.ResponseWriter, r *http.Request, ic *interception) {
	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	h.Del("Content-Type")

	body := ic.body.Bytes()
	if ic.encoded {
		// gzip from the upstream; nothing readable to keep
		body = nil
	}
	msg := message(ic.contentType, body, ic.status)
	e.metrics.ObserveRewrite(ic.status)
	e.logger.Debug("api error rewritten",
		zap.Int("status", ic.status),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))

	httputil.JSONError(w, ic.status, httputil.StatusLabel(ic.status), msg)
}

// message derives the envelope's message from what the downstream handler
// wrote: plain text as-is, a JSON "message" or "msg" field, or else the
// standard description of the status.
func message(contentType string, body []byte, status int) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "text/plain":
		if s := strings.TrimSpace(string(body)); s != "" {
			return s
		}
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		var obj map[string]any
		if json.Unmarshal(body, &obj) == nil {
			for _, k := range [...]string{"message", "msg"} {
				if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return httputil.StatusDescription(status)
}

// interception tracks one response. status is non-zero once an
// intercepted status was written; from then on the body is captured
// instead of sent.
type interception struct {
	decided     bool
	status      int
	contentType string
	encoded     bool
	body        bytes.Buffer
}

func (ic *interception) capture(b []byte) {
	if room := maxInterceptedBody - ic.body.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		ic.body.Write(b)
	}
}

func (ic *interception) wrap(w http.ResponseWriter) http.ResponseWriter {
	return httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				if ic.decided || code < 200 {
					if ic.status == 0 {
						next(code)
					}
					return
				}
				ic.decided = true
				if Intercepts(code) {
					ic.status = code
					ic.contentType = w.Header().Get("Content-Type")
					enc := w.Header().Get("Content-Encoding")
					ic.encoded = enc != "" && !strings.EqualFold(enc, "identity")
					return
				}
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				ic.decided = true
				if ic.status != 0 {
					ic.capture(b)
					return len(b), nil
				}
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				ic.decided = true
				if ic.status != 0 {
					n, err := io.Copy(io.Discard, io.TeeReader(io.LimitReader(src, maxInterceptedBody), &ic.body))
					if err != nil {
						return n, err
					}
					m, err := io.Copy(io.Discard, src)
					return n + m, err
				}
				return next(src)
			}
		},
		Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
			return func() {
				if ic.status == 0 {
					ic.decided = true
					next()
				}
			}
		},
	})
}
