package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestWrap_RequestID(t *testing.T) {
	var seen string
	h := Wrap(testLogger(), "spotbuild", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	if got := rec.Header().Get("X-Request-Id"); got == "" || got != seen {
		t.Fatalf("X-Request-Id=%q, context=%q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	h := Wrap(testLogger(), "spotbuild", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "release-bucket", Check: func(ctx context.Context) error { return nil }}
	fail := ReadinessCheck{Name: "release-bucket", Check: func(ctx context.Context) error { return errors.New("bucket missing") }}

	rec := httptest.NewRecorder()
	ReadyzWithChecks("spotbuild", ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ReadyzWithChecks("spotbuild", ok, fail).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bucket missing") {
		t.Fatalf("expected check error in body: %s", rec.Body.String())
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SPOTBUILD_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("SPOTBUILD_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := ConfigFromEnv("spotbuild")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Addr != "127.0.0.1:9090" || cfg.ShutdownTimeout.Seconds() != 3 {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("SPOTBUILD_SHUTDOWN_TIMEOUT", "soon")
	if _, err := ConfigFromEnv("spotbuild"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, testLogger(), Config{Service: "spotbuild", Addr: "127.0.0.1:0"}, http.NotFoundHandler())
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
}
