package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/platform/auth"
)

func run(mw echo.MiddlewareFunc, handler echo.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, echo.Context, error) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, c, mw(handler)(c)
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T %v", err, err)
	}
	return he.Code
}

// ============================================================================
// RequestID
// ============================================================================

func TestRequestID_GeneratesNew(t *testing.T) {
	var seen string
	rec, _, err := run(RequestID(), func(c echo.Context) error {
		seen = GetRequestID(c)
		return ok(c)
	}, httptest.NewRequest(http.MethodGet, "/", nil))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 36 {
		t.Errorf("expected a UUID request id, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected response header %q, got %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec, c, _ := run(RequestID(), ok, req)

	if GetRequestID(c) != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %s", GetRequestID(c))
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

// ============================================================================
// Logger and Recovery
// ============================================================================

func TestLogger_LogsLevelByStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
		status  string
	}{
		{"ok", ok, `"level":"info"`, `"status":200`},
		{"client error", func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) }, `"level":"warn"`, `"status":404`},
		{"plain error", func(echo.Context) error { return errors.New("boom") }, `"level":"error"`, `"status":500`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, _, _ = run(Logger(zerolog.New(&buf)), tt.handler, httptest.NewRequest(http.MethodGet, "/api/v1/spec", nil))
			out := buf.String()
			for _, want := range []string{tt.level, tt.status, `"path":"/api/v1/spec"`, `"message":"request"`} {
				if !strings.Contains(out, want) {
					t.Errorf("expected %s in log line %s", want, out)
				}
			}
		})
	}
}

func TestLogger_IncludesAuthenticatedUser(t *testing.T) {
	var buf bytes.Buffer
	_, _, err := run(Logger(zerolog.New(&buf)), func(c echo.Context) error {
		req := c.Request()
		c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), "analyst-1", []string{auth.RoleReader})))
		return ok(c)
	}, httptest.NewRequest(http.MethodGet, "/api/v1/spec", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"user":"analyst-1"`) {
		t.Errorf("expected user in log line %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	_, _, err := run(Recovery(logger), func(echo.Context) error {
		panic("test panic")
	}, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if code := statusOf(t, err); code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	if _, _, err := run(Recovery(logger), ok, httptest.NewRequest(http.MethodGet, "/ok", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ============================================================================
// SecurityHeaders
// ============================================================================

func TestSecurityHeaders_SetsHeaders(t *testing.T) {
	rec, _, err := run(SecurityHeaders(), ok, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("expected %s: %s, got %q", k, v, got)
		}
	}
}

// ============================================================================
// BodyLimit
// ============================================================================

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"":     1 << 20,
		"10":   10,
		"512K": 512 << 10,
		"2m":   2 << 20,
		"1GB":  1 << 30,
		"lots": 1 << 20,
	}
	for in, want := range tests {
		if got := ParseSize(in); got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func readBody(c echo.Context) error {
	if _, err := io.ReadAll(c.Request().Body); err != nil {
		return err
	}
	return ok(c)
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
	if _, _, err := run(BodyLimit("1K"), readBody, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	_, _, err := run(BodyLimit("1K"), func(echo.Context) error {
		t.Error("handler should not run")
		return nil
	}, req)
	if code := statusOf(t, err); code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", code)
	}
}

func TestBodyLimit_EnforcesDuringRead(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	req.ContentLength = -1
	_, _, err := run(BodyLimit("1K"), readBody, req)
	if code := statusOf(t, err); code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", code)
	}
}

// ============================================================================
// RequestTimeout
// ============================================================================

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	var hasDeadline bool
	_, _, err := run(RequestTimeout(time.Second), func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return ok(c)
	}, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasDeadline {
		t.Error("expected request context to carry a deadline")
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	_, _, err := run(RequestTimeout(10*time.Millisecond), func(c echo.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}, httptest.NewRequest(http.MethodGet, "/", nil))
	if code := statusOf(t, err); code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", code)
	}
}

// ============================================================================
// RateLimit
// ============================================================================

func TestRateLimit_ExceedsBurst(t *testing.T) {
	now := time.Date(2020, 3, 23, 0, 0, 0, 0, time.UTC)
	mw := rateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}, func() time.Time { return now })
	h := mw(ok)
	e := echo.New()

	call := func(ip string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		return rec, h(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := call("10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	rec, err := call("10.0.0.1")
	if code := statusOf(t, err); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}

	if _, err := call("10.0.0.2"); err != nil {
		t.Errorf("expected separate bucket per client, got %v", err)
	}

	now = now.Add(time.Second)
	if _, err := call("10.0.0.1"); err != nil {
		t.Errorf("expected refill after one second, got %v", err)
	}
}
