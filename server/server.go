// server/server.go
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/dalemusser/dashgate/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// WithShutdownSignals returns a context that is canceled when the process
// receives SIGINT or SIGTERM. It's a helper to tie OS signals into context
// cancellation, and should be used as the parent context for the HTTP server.
// The returned cancel function also cleans up the signal handler.
func WithShutdownSignals(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			if logger != nil {
				logger.Info("shutdown signal received", zap.Any("signal", sig))
			}
			cancel()
		case <-ctx.Done():
		}
		// sigCh is left open; closing it could race a late signal.
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// ListenAndServeWithContext starts the gateway in one of three modes and
// blocks until ctx is canceled or a server fails:
//   - plain HTTP on http_port
//   - HTTPS on https_port with a Let's Encrypt certificate (http-01); the
//     http_port listener answers ACME challenges and redirects the rest
//   - HTTPS on https_port with cert_file/key_file; http_port redirects
//
// It does NOT wire any routes itself; callers must provide a fully
// configured http.Handler (e.g., router.New plus gateway routes).
func ListenAndServeWithContext(
	ctx context.Context,
	cfg *config.CoreConfig,
	handler http.Handler,
	logger *zap.Logger,
) error {
	if cfg == nil {
		return fmt.Errorf("ListenAndServeWithContext: cfg is nil")
	}
	if handler == nil {
		return fmt.Errorf("ListenAndServeWithContext: handler is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := newServer(cfg, handler, logger)
	httpAddr := ":" + strconv.Itoa(cfg.HTTP.HTTPPort)
	httpsAddr := ":" + strconv.Itoa(cfg.HTTP.HTTPSPort)

	if !cfg.HTTP.UseHTTPS {
		ln, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("listen http %s: %w", httpAddr, err)
		}
		logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		return run(ctx, cfg, srv, ln, nil, logger)
	}

	var (
		tlsCfg *tls.Config
		aux    *http.Server
	)
	if cfg.TLS.UseLetsEncrypt {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Cache:      autocert.DirCache(cfg.TLS.LetsEncryptCacheDir),
			Email:      cfg.TLS.LetsEncryptEmail,
		}
		aux = newServer(cfg, m.HTTPHandler(httpRedirectHandler(cfg.HTTP.HTTPSPort)), logger)
		aux.Addr = httpAddr
		tlsCfg = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: m.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
		}
		logger.Info("HTTPS server (Let's Encrypt http-01)",
			zap.String("addr", httpsAddr), zap.String("domain", cfg.TLS.Domain))
	} else {
		if err := checkTLSFiles(cfg, logger); err != nil {
			return err
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		aux = newServer(cfg, httpRedirectHandler(cfg.HTTP.HTTPSPort), logger)
		aux.Addr = httpAddr
		tlsCfg = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		logger.Info("HTTPS server (manual TLS)",
			zap.String("addr", httpsAddr), zap.String("cert_file", cfg.TLS.CertFile))
	}
	srv.TLSConfig = tlsCfg

	baseLn, err := net.Listen("tcp", httpsAddr)
	if err != nil {
		return fmt.Errorf("listen https %s: %w", httpsAddr, err)
	}
	return run(ctx, cfg, srv, tls.NewListener(baseLn, tlsCfg), aux, logger)
}

func newServer(cfg *config.CoreConfig, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	// Route stdlib error logs into zap at Warn level.
	if stdlog, err := zap.NewStdLogAt(logger, zapcore.WarnLevel); err == nil {
		srv.ErrorLog = stdlog
	}
	return srv
}

// checkTLSFiles validates the manual certificate pair. Loose key
// permissions are fatal in prod and a warning elsewhere.
func checkTLSFiles(cfg *config.CoreConfig, logger *zap.Logger) error {
	err := validateTLSFiles(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errKeyPermissions) {
		return err
	}
	if cfg.Env == "prod" {
		return fmt.Errorf("production security: %w", err)
	}
	logger.Warn("TLS key file security warning (would block in prod)", zap.Error(err))
	return nil
}

// run serves srv on ln (and aux on its own address, if any) until ctx is
// canceled or either server fails.
func run(ctx context.Context, cfg *config.CoreConfig, srv *http.Server, ln net.Listener, aux *http.Server, logger *zap.Logger) error {
	serveErr := make(chan error, 1)
	// nil channels block forever, which disables the aux case when there is no aux server
	var auxErr chan error

	if aux != nil {
		auxErr = make(chan error, 1)
		go serveAuxiliary(aux, auxErr)
		logger.Info("HTTP redirect server listening", zap.String("addr", aux.Addr))
	}
	go servePrimary(srv, ln, serveErr)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down server…")
			// ctx is already canceled; the shutdown window is measured from now.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			_ = shutdownAux(aux, shutdownCtx)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = ln.Close()
				return fmt.Errorf("server shutdown: %w", err)
			}
			logger.Info("server stopped gracefully")
			return nil

		case err := <-serveErr:
			_ = shutdownAux(aux, context.Background())
			_ = ln.Close()
			if err != nil {
				return fmt.Errorf("primary server error: %w", err)
			}
			return nil

		case err := <-auxErr:
			if err != nil {
				if closeErr := srv.Close(); closeErr != nil {
					logger.Error("failed to close primary server after auxiliary crash", zap.Error(closeErr))
				}
				_ = ln.Close()
				return fmt.Errorf("auxiliary server error: %w", err)
			}
			aux, auxErr = nil, nil
		}
	}
}

// servePrimary runs srv.Serve on the provided listener and reports terminal errors.
func servePrimary(srv *http.Server, ln net.Listener, ch chan<- error) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		ch <- err
		return
	}
	ch <- nil
}

// serveAuxiliary runs auxSrv.ListenAndServe and reports terminal errors.
func serveAuxiliary(auxSrv *http.Server, ch chan<- error) {
	if err := auxSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ch <- err
		return
	}
	ch <- nil
}

// shutdownAux gracefully shuts down the auxiliary server (if any).
func shutdownAux(auxSrv *http.Server, ctx context.Context) error {
	if auxSrv == nil {
		return nil
	}
	return auxSrv.Shutdown(ctx)
}

// httpRedirectHandler redirects any HTTP request to HTTPS on httpsPort,
// preserving host and path. The Host header is validated first.
func httpRedirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isValidHost(r.Host) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		reqURI := r.URL.RequestURI()
		if !isValidRequestURI(reqURI) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
			if strings.Contains(host, ":") {
				host = "[" + host + "]"
			}
		}
		if httpsPort != 443 {
			host += ":" + strconv.Itoa(httpsPort)
		}
		http.Redirect(w, r, "https://"+host+reqURI, http.StatusMovedPermanently)
	})
}

// isValidRequestURI rejects request targets carrying control characters.
func isValidRequestURI(uri string) bool {
	return !strings.ContainsFunc(uri, func(c rune) bool {
		return (c < 0x20 && c != '\t') || c == 0x7f
	})
}

// isValidHost reports whether a Host header is safe to echo into a redirect:
// a hostname or IP, optionally with a port in range, and no control
// characters, scheme or path.
func isValidHost(host string) bool {
	if host == "" || strings.Contains(host, "://") || strings.HasPrefix(host, "/") {
		return false
	}
	if strings.ContainsFunc(host, func(c rune) bool { return c < 0x20 || c == 0x7f }) {
		return false
	}

	name := host
	if h, port, err := net.SplitHostPort(host); err == nil {
		n, perr := strconv.Atoi(port)
		if perr != nil || n <= 0 || n > 65535 {
			return false
		}
		name = h
		if strings.Contains(name, ":") {
			name = "[" + name + "]"
		}
	}
	if name == "" {
		return false
	}

	if strings.HasPrefix(name, "[") {
		inner, ok := strings.CutSuffix(name[1:], "]")
		if !ok || inner == "" {
			return false
		}
		inner, _, _ = strings.Cut(inner, "%") // zone
		return net.ParseIP(inner) != nil
	}
	return true
}

// errKeyPermissions marks a key file readable by group or others.
var errKeyPermissions = errors.New("TLS key file has overly permissive permissions")

// validateTLSFiles checks that the certificate and key are regular files,
// and that the key is not readable by group or others.
func validateTLSFiles(certFile, keyFile string) error {
	if _, err := statFile("certificate", certFile); err != nil {
		return err
	}
	keyInfo, err := statFile("key", keyFile)
	if err != nil {
		return err
	}
	// Unix permission bits mean nothing on Windows.
	if runtime.GOOS != "windows" && keyInfo.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %o (recommended: 0600)", errKeyPermissions, keyFile, keyInfo.Mode().Perm())
	}
	return nil
}

func statFile(kind, path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("TLS %s file does not exist: %s", kind, path)
	case err != nil:
		return nil, fmt.Errorf("cannot access TLS %s file %s: %w", kind, path, err)
	case info.IsDir():
		return nil, fmt.Errorf("TLS %s path is a directory, not a file: %s", kind, path)
	}
	return info, nil
}
