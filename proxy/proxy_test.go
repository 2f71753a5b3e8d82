package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/dashgate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() *config.Settings {
	return &config.Settings{
		WebserverTimeout: 2 * time.Second,
		EnableProxyFix:   true,
		Session: config.SessionSettings{
			Lifetime:       24 * time.Hour,
			CookieName:     "session",
			CookieHTTPOnly: true,
			CookieSecure:   true,
			CookieSameSite: "Lax",
		},
	}
}

func newProxy(t *testing.T, upstream http.Handler, s *config.Settings) *Proxy {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	u, err := ParseUpstream(srv.URL + "/")
	require.NoError(t, err)
	p, err := New(u, s, nil)
	require.NoError(t, err)
	return p
}

func TestProxyForwards(t *testing.T) {
	var got *http.Request
	p := newProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"result": "ok"}`)
	}), testSettings())

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/api/v1/chart/?q=1", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.NotNil(t, got)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"result": "ok"}`, rec.Body.String())
	assert.Equal(t, "/api/v1/chart/", got.URL.Path)
	assert.Equal(t, "q=1", got.URL.RawQuery)
	assert.Equal(t, "gateway.local", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
}

func TestProxyWithoutProxyFix(t *testing.T) {
	var got *http.Request
	s := testSettings()
	s.EnableProxyFix = false
	p := newProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
	}), s)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/health", nil)
	req.Header.Set("X-Forwarded-Host", "spoofed.example.com")
	p.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	// Rewrite strips inbound forwarding headers
	assert.Empty(t, got.Header.Get("X-Forwarded-Host"))
}

func TestProxyRewritesSessionCookie(t *testing.T) {
	p := newProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session=abc; Path=/")
		w.Header().Add("Set-Cookie", "csrf_token=xyz; Path=/")
		w.WriteHeader(http.StatusOK)
	}), testSettings())

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/security/login", nil))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	byName := map[string]*http.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}

	s := byName["session"]
	require.NotNil(t, s)
	assert.Equal(t, "abc", s.Value)
	assert.True(t, s.HttpOnly)
	assert.True(t, s.Secure)
	assert.Equal(t, http.SameSiteLaxMode, s.SameSite)
	assert.Equal(t, 86400, s.MaxAge)

	other := byName["csrf_token"]
	require.NotNil(t, other)
	assert.False(t, other.Secure)
	assert.False(t, other.HttpOnly)
}

func TestProxyKeepsSessionDeletion(t *testing.T) {
	p := newProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session=; Path=/; Max-Age=0")
	}), testSettings())

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logout/", nil))

	line := rec.Header().Get("Set-Cookie")
	assert.Contains(t, line, "Max-Age=0")
	assert.NotContains(t, line, "Max-Age=86400")
}

func TestProxyUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, err := ParseUpstream(srv.URL)
	require.NoError(t, err)
	srv.Close()

	p, err := New(u, testSettings(), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chart/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), `"error":"Bad Gateway"`), rec.Body.String())
}

func TestProxyUpstreamSlow(t *testing.T) {
	s := testSettings()
	s.WebserverTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	p := newProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), s)
	defer close(release)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chart/data", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestNewValidates(t *testing.T) {
	_, err := ParseUpstream("superset")
	assert.Error(t, err)

	u, err := ParseUpstream("ftp://superset:21")
	require.NoError(t, err)
	_, err = New(u, testSettings(), nil)
	assert.Error(t, err)

	u, err = ParseUpstream("http://superset:8088")
	require.NoError(t, err)
	_, err = New(u, nil, nil)
	assert.Error(t, err)
}
