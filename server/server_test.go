package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dalemusser/dashgate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsValidHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"bi.example.com", true},
		{"bi.example.com:8080", true},
		{"127.0.0.1", true},
		{"[::1]:8443", true},
		{"[fe80::1%eth0]:80", true},
		{"", false},
		{"bi.example.com:0", false},
		{"bi.example.com:99999", false},
		{"evil.com\r\nSet-Cookie: x=1", false},
		{"http://evil.com", false},
		{"/path", false},
		{"[]:80", false},
		{"[not-an-ip]", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isValidHost(tt.host), tt.host)
	}
}

func TestHTTPRedirectHandler(t *testing.T) {
	tests := []struct {
		port int
		host string
		want string
	}{
		{443, "bi.example.com", "https://bi.example.com/superset/welcome/?a=1"},
		{443, "bi.example.com:80", "https://bi.example.com/superset/welcome/?a=1"},
		{8443, "bi.example.com:8080", "https://bi.example.com:8443/superset/welcome/?a=1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/superset/welcome/?a=1", nil)
		rec := httptest.NewRecorder()
		httpRedirectHandler(tt.port).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusMovedPermanently, rec.Code)
		assert.Equal(t, tt.want, rec.Header().Get("Location"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "http://evil.com"
	rec := httptest.NewRecorder()
	httpRedirectHandler(443).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateTLSFiles(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o644))
	require.NoError(t, os.WriteFile(key, []byte("key"), 0o600))

	assert.NoError(t, validateTLSFiles(cert, key))

	err := validateTLSFiles(filepath.Join(dir, "missing.pem"), key)
	assert.ErrorContains(t, err, "does not exist")

	err = validateTLSFiles(cert, dir)
	assert.ErrorContains(t, err, "is a directory")

	if runtime.GOOS != "windows" {
		require.NoError(t, os.Chmod(key, 0o644))
		err = validateTLSFiles(cert, key)
		assert.True(t, errors.Is(err, errKeyPermissions))

		cfg := &config.CoreConfig{Env: "dev"}
		cfg.TLS.CertFile, cfg.TLS.KeyFile = cert, key
		assert.NoError(t, checkTLSFiles(cfg, zap.NewNop()))
		cfg.Env = "prod"
		assert.ErrorContains(t, checkTLSFiles(cfg, zap.NewNop()), "production security")
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	cfg := &config.CoreConfig{}
	cfg.HTTP.ShutdownTimeout = time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, srv, ln, nil, zap.NewNop()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeRejectsNil(t *testing.T) {
	assert.Error(t, ListenAndServeWithContext(context.Background(), nil, http.NotFoundHandler(), nil))
	assert.Error(t, ListenAndServeWithContext(context.Background(), &config.CoreConfig{}, nil, nil))
}
