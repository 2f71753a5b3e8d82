// Package proxy forwards gateway traffic to the BI host.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/dalemusser/dashgate/config"
	gwhttp "github.com/dalemusser/dashgate/httputil"
	"go.uber.org/zap"
)

// Proxy is a reverse proxy to the BI host that enforces the host's session
// cookie policy on the way back.
type Proxy struct {
	upstream *url.URL
	session  config.SessionSettings
	rp       *httputil.ReverseProxy
	logger   *zap.Logger
}

// New builds a proxy to upstream. The response-header timeout is the host's
// webserver timeout; X-Forwarded-* headers are set when proxy fix is enabled.
func New(upstream *url.URL, s *config.Settings, logger *zap.Logger) (*Proxy, error) {
	if upstream == nil || upstream.Host == "" {
		return nil, errors.New("proxy: upstream URL must be absolute")
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("proxy: unsupported upstream scheme %q", upstream.Scheme)
	}
	if s == nil {
		return nil, errors.New("proxy: nil settings")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Proxy{
		upstream: upstream,
		session:  s.Session,
		logger:   logger,
	}
	forwarded := s.EnableProxyFix

	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			if forwarded {
				pr.SetXForwarded()
			}
		},
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: s.WebserverTimeout,
		},
		// Flush streamed chart/export bodies promptly.
		FlushInterval:  100 * time.Millisecond,
		ModifyResponse: p.rewriteSessionCookie,
		ErrorHandler:   p.handleError,
		ErrorLog:       zap.NewStdLog(logger.Named("reverseproxy")),
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Upstream is the BI host URL.
func (p *Proxy) Upstream() *url.URL { return p.upstream }

// rewriteSessionCookie applies the configured HttpOnly, Secure, SameSite and
// lifetime to the host's session cookie. Other cookies are left alone.
func (p *Proxy) rewriteSessionCookie(res *http.Response) error {
	lines := res.Header.Values("Set-Cookie")
	if len(lines) == 0 {
		return nil
	}
	res.Header.Del("Set-Cookie")
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil || c.Name != p.session.CookieName {
			res.Header.Add("Set-Cookie", line)
			continue
		}
		c.HttpOnly = p.session.CookieHTTPOnly
		c.Secure = p.session.CookieSecure
		c.SameSite = p.session.SameSite()
		if c.MaxAge == 0 && c.Expires.IsZero() && p.session.Lifetime > 0 {
			c.MaxAge = int(p.session.Lifetime / time.Second)
		}
		res.Header.Add("Set-Cookie", c.String())
	}
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads the answer
		p.logger.Debug("upstream request canceled", zap.String("path", r.URL.Path))
		return
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		status = http.StatusGatewayTimeout
	}

	p.logger.Warn("upstream request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("upstream", p.upstream.Host),
		zap.Int("status", status),
		zap.Error(err))

	gwhttp.StatusError(w, status)
}

// ParseUpstream validates a configured upstream URL, trimming a trailing slash.
func ParseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, fmt.Errorf("proxy: parse upstream: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy: upstream %q is not absolute", raw)
	}
	return u, nil
}
