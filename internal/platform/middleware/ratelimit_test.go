package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsub/internal/platform/auth"
)

func send(t *testing.T, h echo.HandlerFunc, user string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	if user != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, user))
	}
	rec := httptest.NewRecorder()
	return rec, h(echo.New().NewContext(req, rec))
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := send(t, h, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	frozen := time.Now()
	l.now = func() time.Time { return frozen }
	h := rateLimit(l)(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := send(t, h, ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := send(t, h, "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_Refills(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	if ok, _ := l.allow("k"); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := l.allow("k"); ok {
		t.Fatal("second request should be limited")
	}
	now = now.Add(time.Second)
	if ok, _ := l.allow("k"); !ok {
		t.Error("bucket should refill after one second")
	}
}

func TestRateLimit_KeysByUser(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	frozen := time.Now()
	l.now = func() time.Time { return frozen }
	h := rateLimit(l)(okHandler)

	if _, err := send(t, h, "alice"); err != nil {
		t.Fatalf("alice: unexpected error %v", err)
	}
	if _, err := send(t, h, "bob"); err != nil {
		t.Fatalf("bob should have his own bucket: %v", err)
	}
	if _, err := send(t, h, "alice"); err == nil {
		t.Error("alice should be limited")
	}
}

func TestRateLimit_EvictsIdleBuckets(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Now()
	l.now = func() time.Time { return now }

	l.allow("a")
	l.allow("b")
	now = now.Add(2 * time.Minute)
	l.allow("c")

	if n := l.size(); n != 1 {
		t.Errorf("expected idle buckets evicted, have %d", n)
	}
}
