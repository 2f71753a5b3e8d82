package middleware

import (
	"net/http"

	"github.com/dalemusser/dashgate/httputil"
	"go.uber.org/zap"
)

// NotFoundHandler logs a 404 and writes the standard description as plain
// text, the way the BI host's own default error page reads. Under the API
// prefix the ErrorResponder turns it into the JSON envelope.
// It is designed to be passed directly to chi.Router.NotFound(..).
func NotFoundHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if logger != nil {
			logger.Info("not_found",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_ip", r.RemoteAddr),
			)
		}
		http.Error(w, httputil.StatusDescription(http.StatusNotFound), http.StatusNotFound)
	}
}

// MethodNotAllowedHandler logs a 405 and returns the JSON error envelope.
// It is designed to be passed directly to chi.Router.MethodNotAllowed(..).
func MethodNotAllowedHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if logger != nil {
			logger.Info("method_not_allowed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_ip", r.RemoteAddr),
			)
		}
		httputil.StatusError(w, http.StatusMethodNotAllowed)
	}
}
