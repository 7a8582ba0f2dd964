package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/ratelimit"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("store down")
}

func windowRouter(t *testing.T, opts WindowOptions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(WindowLimit(opts))
	r.POST("/merge", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func TestWindowLimit_BudgetThenDenied(t *testing.T) {
	r := windowRouter(t, WindowOptions{
		Limiter:  ratelimit.NewInMemory(time.Minute),
		Limit:    3,
		Action:   "merge-anonymous",
		HashSalt: "salt",
	})

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/merge", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 3; i++ {
		if w := do(); w.Code != http.StatusAccepted {
			t.Fatalf("attempt %d: got %d, want 202", i+1, w.Code)
		}
	}

	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over budget: got %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on 429")
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["code"] != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %v", body["code"])
	}
	if body["remaining_attempts"] != float64(0) {
		t.Fatalf("expected remaining_attempts 0, got %v", body["remaining_attempts"])
	}
	if _, ok := body["reset_in_seconds"]; !ok {
		t.Fatalf("expected reset_in_seconds in 429 body")
	}
}

func TestWindowLimit_ClientsCountedSeparately(t *testing.T) {
	r := windowRouter(t, WindowOptions{
		Limiter:  ratelimit.NewInMemory(time.Minute),
		Limit:    1,
		Action:   "merge-anonymous",
		HashSalt: "salt",
	})

	do := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/merge", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	if got := do("203.0.113.7:1"); got != http.StatusAccepted {
		t.Fatalf("client A first attempt: got %d", got)
	}
	if got := do("203.0.113.7:2"); got != http.StatusTooManyRequests {
		t.Fatalf("client A second attempt: got %d, want 429", got)
	}
	// A different address has its own budget.
	if got := do("203.0.113.8:1"); got != http.StatusAccepted {
		t.Fatalf("client B first attempt: got %d, want 202", got)
	}
}

func TestWindowLimit_StoreFailureFailsClosed(t *testing.T) {
	r := windowRouter(t, WindowOptions{
		Limiter:  failingLimiter{},
		Limit:    5,
		Action:   "merge-anonymous",
		HashSalt: "salt",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/merge", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503 when store is down", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["code"] != "STORE_UNAVAILABLE" {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", body["code"])
	}
}
