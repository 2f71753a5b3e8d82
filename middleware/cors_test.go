package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/origin"
)

func testCORS() config.CORSConfig {
	return config.CORSConfig{
		EnableCORS: true,
		CORSAllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"http://192.168.*.*:3001",
		},
		CORSLoopbackPrefixes: []string{"http://localhost:", "http://127.0.0.1:"},
		CORSAllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		CORSAllowedHeaders:   []string{"X-CSRFToken", "Content-Type", "Authorization"},
		CORSAllowCredentials: true,
	}
}

func testGate(t *testing.T, c config.CORSConfig) *Gate {
	t.Helper()
	p, err := origin.New(origin.ConfigFromCORS(c))
	if err != nil {
		t.Fatalf("origin.New: %v", err)
	}
	return NewGate(c, p, nil, nil)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func TestGateAllowedOrigin(t *testing.T) {
	h := testGate(t, testCORS()).Handler(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chart", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	tests := []struct {
		header string
		want   string
	}{
		{HeaderAllowOrigin, "http://localhost:3000"},
		{HeaderAllowCredentials, "true"},
		{HeaderAllowMethods, "GET, POST, PUT, DELETE, OPTIONS, PATCH"},
		{HeaderAllowHeaders, "X-CSRFToken, Content-Type, Authorization"},
	}
	for _, tt := range tests {
		if got := rec.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if !strings.Contains(strings.Join(rec.Header().Values("Vary"), ","), "Origin") {
		t.Errorf("Vary = %v, want it to include Origin", rec.Header().Values("Vary"))
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestGateUnmatchedOriginGetsNoHeaders(t *testing.T) {
	// the upstream host tries to allow everything; the gate strips it
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderAllowOrigin, "*")
		w.Header().Set(HeaderAllowCredentials, "true")
		w.Header().Set(HeaderAllowMethods, "GET")
		w.Header().Set(HeaderAllowHeaders, "*")
		w.WriteHeader(http.StatusOK)
	})
	h := testGate(t, testCORS()).Handler(upstream)

	for _, o := range []string{"http://evil.example.com", ""} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chart", nil)
		if o != "" {
			req.Header.Set("Origin", o)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("origin %q: status = %d, want 200", o, rec.Code)
		}
		for _, k := range gateHeaders {
			if v := rec.Header().Get(k); v != "" {
				t.Errorf("origin %q: %s = %q, want absent", o, k, v)
			}
		}
	}
}

func TestGateLANWildcard(t *testing.T) {
	h := testGate(t, testCORS()).Handler(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/", nil)
	req.Header.Set("Origin", "http://192.168.1.50:3001")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderAllowOrigin); got != "http://192.168.1.50:3001" {
		t.Errorf("%s = %q, want the LAN origin echoed", HeaderAllowOrigin, got)
	}
}

func TestGateOptionsShortCircuit(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	h := testGate(t, testCORS()).Handler(next)

	tests := []struct {
		name      string
		origin    string
		preflight bool
		allowed   bool
	}{
		{"preflight allowed", "http://localhost:3000", true, true},
		{"preflight unmatched", "http://evil.example.com", true, false},
		{"bare options", "", false, false},
		{"options allowed no preflight", "http://127.0.0.1:3000", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/anything/at/all", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
				req.Header.Set("Access-Control-Request-Headers", "Content-Type")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
			if called {
				t.Error("OPTIONS must not reach the next handler")
			}
			got := rec.Header().Get(HeaderAllowOrigin)
			if tt.allowed && got != tt.origin {
				t.Errorf("%s = %q, want %q", HeaderAllowOrigin, got, tt.origin)
			}
			if !tt.allowed && got != "" {
				t.Errorf("%s = %q, want absent", HeaderAllowOrigin, got)
			}
			if tt.allowed && rec.Header().Get(HeaderAllowMethods) != "GET, POST, PUT, DELETE, OPTIONS, PATCH" {
				t.Errorf("%s = %q, want full method list", HeaderAllowMethods, rec.Header().Get(HeaderAllowMethods))
			}
		})
	}
}

func TestGateWithoutCredentials(t *testing.T) {
	c := testCORS()
	c.CORSAllowCredentials = false
	h := testGate(t, c).Handler(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderAllowOrigin); got != "http://localhost:8080" {
		t.Errorf("%s = %q, want echoed origin", HeaderAllowOrigin, got)
	}
	if got := rec.Header().Get(HeaderAllowCredentials); got != "" {
		t.Errorf("%s = %q, want absent", HeaderAllowCredentials, got)
	}
}

func TestGateHandlerThatNeverWrites(t *testing.T) {
	h := testGate(t, testCORS()).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderAllowOrigin); got != "http://localhost:3000" {
		t.Errorf("%s = %q, want echoed origin", HeaderAllowOrigin, got)
	}
}

func TestAfterResponse(t *testing.T) {
	g := testGate(t, testCORS())

	h := http.Header{}
	h.Set("Vary", "Accept-Encoding, origin")
	g.AfterResponse(h, origin.Decision{Allowed: true, Origin: "http://localhost:3000"})
	if got := h.Values("Vary"); len(got) != 1 {
		t.Errorf("Vary = %v, want Origin not duplicated", got)
	}
	if got := h.Get(HeaderAllowOrigin); got != "http://localhost:3000" {
		t.Errorf("%s = %q", HeaderAllowOrigin, got)
	}

	g.AfterResponse(h, origin.Decision{Origin: "http://evil.example.com"})
	for _, k := range gateHeaders {
		if v := h.Get(k); v != "" {
			t.Errorf("%s = %q after disallowed decision, want absent", k, v)
		}
	}
}
