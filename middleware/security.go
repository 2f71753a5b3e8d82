// middleware/security.go
package middleware

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/dalemusser/dashgate/config"
)

// SecurityHeadersOptions configures the security headers middleware.
// An empty string (or zero HSTSMaxAge) leaves that header unset.
type SecurityHeadersOptions struct {
	// XFrameOptions is "DENY" or "SAMEORIGIN". Dashboards embedded in
	// another site need it empty and a CSP frame-ancestors instead.
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string

	// HSTSMaxAge is in seconds and only sent over TLS.
	HSTSMaxAge            int
	HSTSIncludeSubDomains bool
	HSTSPreload           bool

	ContentSecurityPolicy string
	PermissionsPolicy     string

	// Extra headers are set verbatim after the ones above.
	Extra map[string]string
}

// DefaultSecurityHeadersOptions mirrors the BI host's own security header
// defaults when its header hardening is switched on.
func DefaultSecurityHeadersOptions() SecurityHeadersOptions {
	return SecurityHeadersOptions{
		XFrameOptions:         "SAMEORIGIN",
		XContentTypeOptions:   "nosniff",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		HSTSMaxAge:            31556926, // 1 year
		HSTSIncludeSubDomains: true,
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data: blob:; style-src 'self' 'unsafe-inline'",
	}
}

// SecurityHeaders returns middleware that sets the headers in opts on every
// response before the handler runs, so handlers may still override them.
func SecurityHeaders(opts SecurityHeadersOptions) func(next http.Handler) http.Handler {
	extra := make([]string, 0, len(opts.Extra))
	for k := range opts.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)

	hsts := ""
	if opts.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(opts.HSTSMaxAge)
		if opts.HSTSIncludeSubDomains {
			hsts += "; includeSubDomains"
		}
		if opts.HSTSPreload {
			hsts += "; preload"
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if opts.XFrameOptions != "" {
				h.Set("X-Frame-Options", opts.XFrameOptions)
			}
			if opts.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", opts.XContentTypeOptions)
			}
			if opts.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", opts.ReferrerPolicy)
			}
			// HSTS over plain HTTP would pin dev setups to HTTPS
			if hsts != "" && r.TLS != nil {
				h.Set("Strict-Transport-Security", hsts)
			}
			if opts.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", opts.ContentSecurityPolicy)
			}
			if opts.PermissionsPolicy != "" {
				h.Set("Permissions-Policy", opts.PermissionsPolicy)
			}
			for _, k := range extra {
				h.Set(k, opts.Extra[k])
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersFromSettings applies the host's header policy: the hardened
// defaults when talisman_enabled is set, plus the http_headers map either way.
// With neither, it is a no-op.
func SecurityHeadersFromSettings(s *config.Settings) func(next http.Handler) http.Handler {
	if s == nil || (!s.Security.TalismanEnabled && len(s.Security.HTTPHeaders) == 0) {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	var opts SecurityHeadersOptions
	if s.Security.TalismanEnabled {
		opts = DefaultSecurityHeadersOptions()
	}
	opts.Extra = make(map[string]string, len(s.Security.HTTPHeaders))
	for k, v := range s.Security.HTTPHeaders {
		opts.Extra[http.CanonicalHeaderKey(k)] = v
	}
	return SecurityHeaders(opts)
}
