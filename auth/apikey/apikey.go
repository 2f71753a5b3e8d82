// auth/apikey/apikey.go
package apikey

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dalemusser/dashgate/httputil"
	"go.uber.org/zap"
)

// DefaultRealm is sent in WWW-Authenticate when Options.Realm is empty.
const DefaultRealm = "dashgate-admin"

// Options control how the API-key middleware behaves.
type Options struct {
	// Realm is used in the WWW-Authenticate header.
	Realm string

	// CookieName, if non-empty, lets a browser keep the key in a cookie once
	// it has authenticated with a header or query key, so the pprof index
	// links keep working.
	CookieName string

	// SecureCookie marks that cookie Secure. Leave it off for plain-HTTP dev.
	SecureCookie bool
}

// Require returns a middleware that enforces a static API key.
// Key lookup order:
//  1. Authorization: Bearer <token>
//  2. X-API-Key header
//  3. api_key query param
//  4. Cookie (if Options.CookieName is set)
//
// A missing or wrong key gets 401 with the JSON error envelope. An empty
// expected key fails closed with 500.
func Require(expected string, opts Options, logger *zap.Logger) func(next http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	if logger == nil {
		logger = zap.NewNop()
	}
	realm := strings.TrimSpace(opts.Realm)
	if realm == "" {
		realm = DefaultRealm
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				logger.Warn("apikey.Require used with empty expected key")
				httputil.StatusError(w, http.StatusInternalServerError)
				return
			}

			key, fromCookie := keyFromRequest(r, opts.CookieName)
			if !matches(key, expected) {
				logger.Warn("API key unauthorized",
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("remote_ip", r.RemoteAddr),
					zap.Bool("key_present", key != ""),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
				httputil.StatusError(w, http.StatusUnauthorized)
				return
			}

			if opts.CookieName != "" && !fromCookie {
				http.SetCookie(w, &http.Cookie{
					Name:     opts.CookieName,
					Value:    expected,
					Path:     "/",
					Secure:   opts.SecureCookie,
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matches(key, expected string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1
}

// keyFromRequest reports the presented key and whether it came from the cookie.
func keyFromRequest(r *http.Request, cookieName string) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		if token := strings.TrimSpace(auth[len("bearer "):]); token != "" {
			return token, false
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, false
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return key, false
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			if val := strings.TrimSpace(c.Value); val != "" {
				return val, true
			}
		}
	}
	return "", false
}
