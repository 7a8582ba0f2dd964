package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/auth"
	"github.com/mvasilakis/go-market-backend/internal/domain"
	"github.com/mvasilakis/go-market-backend/internal/http/middleware"
	"github.com/mvasilakis/go-market-backend/internal/services"
	"github.com/mvasilakis/go-market-backend/internal/token"
)

// ---- stubs to satisfy handlers.New() dependencies ----

type stubMergeSvc struct {
	fn func(ctx context.Context, subjectID, targetID, correlationID string) (*domain.MergeResult, bool, error)
}

func (s stubMergeSvc) Merge(ctx context.Context, subjectID, targetID, correlationID string) (*domain.MergeResult, bool, error) {
	if s.fn != nil {
		return s.fn(ctx, subjectID, targetID, correlationID)
	}
	return &domain.MergeResult{CorrelationID: correlationID}, false, nil
}

type stubSessionSvc struct{}

func (stubSessionSvc) StartAnonymous(context.Context) (*services.SessionCredentials, error) {
	return &services.SessionCredentials{}, nil
}
func (stubSessionSvc) Login(context.Context, string) (*services.SessionCredentials, error) {
	return &services.SessionCredentials{}, nil
}

func testClaims(t *testing.T) *token.Keyring {
	t.Helper()
	kr, err := token.NewKeyring(map[int][]byte{1: []byte("0123456789abcdef0123456789abcdef")}, 1, time.Hour)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func testCookies() CookieSettings {
	return CookieSettings{
		Session:    "session",
		MergeClaim: "merge_claim",
		CSRF:       "csrf_token",
		SessionTTL: time.Hour,
		ClaimTTL:   time.Hour,
	}
}

// mergeRouter wires the handler behind a fake identity so tests exercise the
// handler alone, not the whole gate chain.
func mergeRouter(h *Handlers, identity *auth.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/session/merge-anonymous", func(c *gin.Context) {
		if identity != nil {
			c.Set("identity", *identity)
			c.Set("userID", identity.ID)
		}
		h.MergeAnonymous(c)
	})
	return r
}

func postMerge(r *gin.Engine, claim string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/merge-anonymous", nil)
	if claim != "" {
		req.AddCookie(&http.Cookie{Name: "merge_claim", Value: claim})
	}
	r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v (%s)", err, w.Body.String())
	}
	return resp.Code
}

// ---- tests ----

func TestMergeAnonymous_Success(t *testing.T) {
	kr := testClaims(t)
	var gotSubject, gotTarget string
	svc := stubMergeSvc{fn: func(_ context.Context, subjectID, targetID, correlationID string) (*domain.MergeResult, bool, error) {
		gotSubject, gotTarget = subjectID, targetID
		return &domain.MergeResult{
			Moved:         []string{"listings:3", "reviews:5", "favorites:1"},
			CorrelationID: correlationID,
		}, false, nil
	}}
	h := New(svc, stubSessionSvc{}, kr, testCookies())
	r := mergeRouter(h, &auth.Identity{ID: "user-1"})

	claim, err := kr.Issue("anon-1", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	w := postMerge(r, claim)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202; body=%s", w.Code, w.Body.String())
	}
	if gotSubject != "anon-1" || gotTarget != "user-1" {
		t.Fatalf("service called with (%q, %q)", gotSubject, gotTarget)
	}

	var resp MergeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.Idempotent {
		t.Fatalf("unexpected flags: %+v", resp)
	}
	if len(resp.Moved) != 3 {
		t.Fatalf("moved %v, want 3 entries", resp.Moved)
	}
	if resp.CorrelationID == "" {
		t.Fatalf("missing correlation id")
	}

	// The spent claim cookie is cleared.
	cleared := false
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "merge_claim" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("merge claim cookie was not cleared")
	}
}

func TestMergeAnonymous_ReplayMarksIdempotent(t *testing.T) {
	kr := testClaims(t)
	svc := stubMergeSvc{fn: func(context.Context, string, string, string) (*domain.MergeResult, bool, error) {
		return &domain.MergeResult{Moved: []string{"listings:3"}, CorrelationID: "rid-original"}, true, nil
	}}
	h := New(svc, stubSessionSvc{}, kr, testCookies())
	r := mergeRouter(h, &auth.Identity{ID: "user-1"})

	claim, _ := kr.Issue("anon-1", time.Now())
	w := postMerge(r, claim)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", w.Code)
	}
	var resp MergeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Idempotent {
		t.Fatalf("replay not marked idempotent")
	}
	if resp.CorrelationID != "rid-original" {
		t.Fatalf("replay must carry the original correlation id, got %q", resp.CorrelationID)
	}
}

func TestMergeAnonymous_MissingClaim(t *testing.T) {
	kr := testClaims(t)
	svc := stubMergeSvc{fn: func(context.Context, string, string, string) (*domain.MergeResult, bool, error) {
		t.Fatalf("service must not run without a claim")
		return nil, false, nil
	}}
	h := New(svc, stubSessionSvc{}, kr, testCookies())
	r := mergeRouter(h, &auth.Identity{ID: "user-1"})

	w := postMerge(r, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
	if code := errCode(t, w); code != ErrCodeMissingMergeToken {
		t.Fatalf("got code %q, want MISSING_MERGE_TOKEN", code)
	}
}

func TestMergeAnonymous_BadClaims(t *testing.T) {
	kr := testClaims(t)
	expired, err := kr.Issue("anon-1", time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	valid, _ := kr.Issue("anon-1", time.Now())
	last := byte('A')
	if valid[len(valid)-1] == 'A' {
		last = 'B'
	}
	tampered := valid[:len(valid)-1] + string(last)

	cases := []struct {
		name    string
		claim   string
		message string
	}{
		{"expired", expired, "merge token expired"},
		{"tampered", tampered, "merge token invalid"},
		{"garbage", "not-a-claim", "merge token invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := stubMergeSvc{fn: func(context.Context, string, string, string) (*domain.MergeResult, bool, error) {
				t.Fatalf("service must not run for a bad claim")
				return nil, false, nil
			}}
			h := New(svc, stubSessionSvc{}, kr, testCookies())
			r := mergeRouter(h, &auth.Identity{ID: "user-1"})

			w := postMerge(r, tc.claim)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("got %d, want 400", w.Code)
			}
			if code := errCode(t, w); code != ErrCodeInvalidMergeToken {
				t.Fatalf("got code %q, want INVALID_MERGE_TOKEN", code)
			}
			var resp ErrorResponse
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Message != tc.message {
				t.Fatalf("got message %q, want %q", resp.Message, tc.message)
			}
		})
	}
}

func TestMergeAnonymous_SelfMerge(t *testing.T) {
	kr := testClaims(t)
	svc := stubMergeSvc{fn: func(context.Context, string, string, string) (*domain.MergeResult, bool, error) {
		t.Fatalf("service must not run for a self-merge")
		return nil, false, nil
	}}
	h := New(svc, stubSessionSvc{}, kr, testCookies())
	// The authenticated identity matches the claim subject.
	r := mergeRouter(h, &auth.Identity{ID: "anon-1"})

	claim, _ := kr.Issue("anon-1", time.Now())
	w := postMerge(r, claim)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
	if code := errCode(t, w); code != ErrCodeSelfMerge {
		t.Fatalf("got code %q, want SELF_MERGE", code)
	}
}

func TestMergeAnonymous_CSRFBoundToOtherSession(t *testing.T) {
	kr := testClaims(t)
	called := false
	svc := stubMergeSvc{fn: func(context.Context, string, string, string) (*domain.MergeResult, bool, error) {
		called = true
		return &domain.MergeResult{}, false, nil
	}}
	h := New(svc, stubSessionSvc{}, kr, testCookies())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/session/merge-anonymous", func(c *gin.Context) {
		c.Set("identity", auth.Identity{ID: "user-1"})
		c.Set("userID", "user-1")
		// As set by the gate when the verified token names another identity.
		c.Set("csrfIdentity", "user-2")
		h.MergeAnonymous(c)
	})

	claim, err := kr.Issue("anon-1", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	w := postMerge(r, claim)

	if w.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403; body=%s", w.Code, w.Body.String())
	}
	if code := errCode(t, w); code != ErrCodeCSRFForbidden {
		t.Fatalf("expected %s, got %s", ErrCodeCSRFForbidden, code)
	}
	if called {
		t.Fatal("merge service must not run for a mismatched csrf identity")
	}
}

func TestMergeAnonymous_ServiceErrors(t *testing.T) {
	kr := testClaims(t)
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"in flight", services.ErrMergeInFlight, http.StatusServiceUnavailable, ErrCodeMergeInProgress},
		{"store down", services.ErrStoreUnavailable, http.StatusServiceUnavailable, ErrCodeStoreUnavailable},
		{"unexpected", context.DeadlineExceeded, http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := stubMergeSvc{fn: func(context.Context, string, string, string) (*domain.MergeResult, bool, error) {
				return nil, false, tc.err
			}}
			h := New(svc, stubSessionSvc{}, kr, testCookies())
			r := mergeRouter(h, &auth.Identity{ID: "user-1"})

			claim, _ := kr.Issue("anon-1", time.Now())
			w := postMerge(r, claim)

			if w.Code != tc.status {
				t.Fatalf("got %d, want %d", w.Code, tc.status)
			}
			if code := errCode(t, w); code != tc.code {
				t.Fatalf("got code %q, want %q", code, tc.code)
			}
		})
	}
}

func TestMergeAnonymous_NoIdentity(t *testing.T) {
	kr := testClaims(t)
	h := New(stubMergeSvc{}, stubSessionSvc{}, kr, testCookies())
	r := mergeRouter(h, nil)

	claim, _ := kr.Issue("anon-1", time.Now())
	w := postMerge(r, claim)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", w.Code)
	}
}
