package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// TestTimingMiddleware_CapturesStatusCode verifies the status code is logged.
func TestTimingMiddleware_CapturesStatusCode(t *testing.T) {
	logs := captureLogs(t)
	handler := Timing(time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	out := logs.String()
	if !strings.Contains(out, "msg=request") || !strings.Contains(out, "status=404") {
		t.Errorf("log = %q", out)
	}
}

// TestTimingMiddleware_SlowRequest verifies slow requests log at WARN.
func TestTimingMiddleware_SlowRequest(t *testing.T) {
	logs := captureLogs(t)
	handler := Timing(time.Nanosecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/travel", nil))

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "msg=slow_request") {
		t.Errorf("log = %q", out)
	}
}

// TestTimingMiddleware_Hijack verifies the wrapper exposes the hijacker.
func TestTimingMiddleware_Hijack(t *testing.T) {
	var hijackable bool
	handler := Timing(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ws/guardian", nil))
	if !hijackable {
		t.Error("wrapped writer should implement http.Hijacker")
	}
}
