package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/auth"
	"github.com/mvasilakis/go-market-backend/internal/http/middleware"
	"github.com/mvasilakis/go-market-backend/internal/services"
	"github.com/mvasilakis/go-market-backend/internal/token"
)

func sessionRouter(t *testing.T) (*gin.Engine, *token.Keyring, *auth.Sessions) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions, err := auth.NewSessions(map[string][]byte{"s1": []byte("0123456789abcdef0123456789abcdef")}, "s1", time.Hour)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	claims := testClaims(t)

	svc := &services.SessionService{Sessions: sessions, Claims: claims}
	h := New(stubMergeSvc{}, svc, claims, testCookies())

	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/session/anonymous", h.StartAnonymous)
	r.POST("/session/login", h.Login)
	return r, claims, sessions
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, ck := range cookies {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestStartAnonymous_SetsAllThreeCookies(t *testing.T) {
	r, claims, sessions := sessionRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/session/anonymous", nil))

	if w.Code != http.StatusCreated {
		t.Fatalf("got %d, want 201; body=%s", w.Code, w.Body.String())
	}

	var resp SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Anonymous || resp.UserID == "" || resp.CSRFToken == "" {
		t.Fatalf("unexpected body: %+v", resp)
	}

	cookies := w.Result().Cookies()

	sess := cookieByName(cookies, "session")
	if sess == nil || !sess.HttpOnly {
		t.Fatalf("session cookie missing or not HttpOnly: %+v", sess)
	}
	id, err := sessions.Verify(sess.Value, time.Now())
	if err != nil || id.ID != resp.UserID || !id.Anonymous {
		t.Fatalf("session cookie does not verify for the identity: %+v, %v", id, err)
	}

	claim := cookieByName(cookies, "merge_claim")
	if claim == nil || !claim.HttpOnly {
		t.Fatalf("merge claim cookie missing or not HttpOnly: %+v", claim)
	}
	res := claims.Verify(claim.Value, time.Now())
	if res.Status != token.Valid || res.Claim.SubjectID != resp.UserID {
		t.Fatalf("merge claim does not name the new identity: %+v", res)
	}

	csrf := cookieByName(cookies, "csrf_token")
	if csrf == nil {
		t.Fatalf("csrf cookie missing")
	}
	if csrf.HttpOnly {
		t.Fatalf("csrf cookie must be readable by the frontend")
	}
	if csrf.Value != resp.CSRFToken {
		t.Fatalf("csrf cookie and body token differ")
	}
}

func TestLogin_IssuesSessionWithoutMergeClaim(t *testing.T) {
	r, _, sessions := sessionRouter(t)

	body, _ := json.Marshal(LoginRequest{UserID: "user-42"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200; body=%s", w.Code, w.Body.String())
	}

	var resp SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Anonymous || resp.UserID != "user-42" {
		t.Fatalf("unexpected body: %+v", resp)
	}

	cookies := w.Result().Cookies()
	sess := cookieByName(cookies, "session")
	if sess == nil {
		t.Fatalf("session cookie missing")
	}
	id, err := sessions.Verify(sess.Value, time.Now())
	if err != nil || id.Anonymous || id.ID != "user-42" {
		t.Fatalf("session verify: %+v, %v", id, err)
	}
	if cookieByName(cookies, "merge_claim") != nil {
		t.Fatalf("login must not set a merge claim cookie")
	}
}

func TestLogin_BadPayloads(t *testing.T) {
	r, _, _ := sessionRouter(t)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"empty body", "", ErrCodeBadRequest},
		{"missing field", "{}", ErrCodeBadRequest},
		{"blank user", `{"user_id":"   "}`, ErrCodeInvalidUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/session/login", bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("got %d, want 400", w.Code)
			}
			if code := errCode(t, w); code != tc.code {
				t.Fatalf("got code %q, want %q", code, tc.code)
			}
		})
	}
}
