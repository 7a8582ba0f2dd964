// Session HTTP handlers.
//
// This file exposes the session bootstrap endpoints:
//   - POST /session/anonymous  (mint an anonymous session for a visitor)
//   - POST /session/login      (exchange a verified user id for a session)
//
// Both set the session cookie (HttpOnly) and a readable CSRF cookie; the
// anonymous bootstrap additionally sets the HttpOnly merge-claim cookie that
// the merge endpoint later consumes. The CSRF cookie is not HttpOnly: the
// double-submit scheme requires the frontend to read it and echo it in a
// header.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/http/middleware"
	"github.com/mvasilakis/go-market-backend/internal/services"
)

// SessionResponse is the success body of both bootstrap endpoints.
type SessionResponse struct {
	UserID    string `json:"user_id"`
	Anonymous bool   `json:"anonymous"`
	CSRFToken string `json:"csrf_token"`
}

// LoginRequest is the JSON payload for POST /session/login. UserID is the
// identity already verified by the upstream identity provider.
type LoginRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// StartAnonymous handles POST /session/anonymous.
func (h *Handlers) StartAnonymous(c *gin.Context) {
	creds, err := h.sessSvc.StartAnonymous(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not start session")
		return
	}

	h.setSessionCookies(c, creds)
	ok(c, http.StatusCreated, SessionResponse{
		UserID:    creds.Identity.ID,
		Anonymous: true,
		CSRFToken: creds.CSRF,
	})
}

// Login handles POST /session/login.
//
// The merge-claim cookie from a prior anonymous session is left untouched so
// the freshly authenticated account can immediately call the merge endpoint.
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id is required")
		return
	}

	creds, err := h.sessSvc.Login(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrInvalidUser) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidUser, "user_id is invalid")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not start session")
		return
	}

	middleware.LoggerFrom(c).Info().Msg("session issued")
	h.setSessionCookies(c, creds)
	ok(c, http.StatusOK, SessionResponse{
		UserID:    creds.Identity.ID,
		Anonymous: false,
		CSRFToken: creds.CSRF,
	})
}

// setSessionCookies installs the credential cookies for a bootstrap result.
func (h *Handlers) setSessionCookies(c *gin.Context, creds *services.SessionCredentials) {
	c.SetSameSite(http.SameSiteLaxMode)

	sessionTTL := int(h.cookies.SessionTTL.Seconds())
	c.SetCookie(h.cookies.Session, creds.Session, sessionTTL, "/", "", h.cookies.Secure, true)
	c.SetCookie(h.cookies.CSRF, creds.CSRF, sessionTTL, "/", "", h.cookies.Secure, false)

	if creds.MergeClaim != "" {
		claimTTL := int(h.cookies.ClaimTTL.Seconds())
		c.SetCookie(h.cookies.MergeClaim, creds.MergeClaim, claimTTL, "/", "", h.cookies.Secure, true)
	}
}
