// Merge HTTP handler.
//
// This file exposes the endpoint that folds an anonymous browsing session's
// data into the authenticated account:
//   - POST /session/merge-anonymous
//
// The handler is transport-thin: by the time it runs, the origin/CSRF gate,
// the sliding-window limiter, and session authentication have already
// executed. What remains here is custody: the caller must present the signed
// merge claim naming the anonymous identity, proving this browser owned that
// session. Claim verification outcomes, the self-merge degenerate case, and
// service errors are translated into the HTTP error taxonomy.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/domain"
	"github.com/mvasilakis/go-market-backend/internal/http/middleware"
	"github.com/mvasilakis/go-market-backend/internal/services"
	"github.com/mvasilakis/go-market-backend/internal/token"
)

// MergeService is the application-service contract the merge handler needs.
type MergeService interface {
	Merge(ctx context.Context, subjectID, targetID, correlationID string) (*domain.MergeResult, bool, error)
}

// SessionService is the application-service contract for session bootstrap.
type SessionService interface {
	StartAnonymous(ctx context.Context) (*services.SessionCredentials, error)
	Login(ctx context.Context, userID string) (*services.SessionCredentials, error)
}

// CookieSettings controls the cookies the handlers set and clear.
type CookieSettings struct {
	Session    string // session JWT, HttpOnly
	MergeClaim string // signed merge claim, HttpOnly
	CSRF       string // double-submit token, readable by scripts
	SessionTTL time.Duration
	ClaimTTL   time.Duration
	Secure     bool // false only in development
}

// Handlers bundles the HTTP handlers with their dependencies.
type Handlers struct {
	mergeSvc MergeService
	sessSvc  SessionService
	claims   *token.Keyring
	cookies  CookieSettings
}

// New constructs a Handlers instance bound to the given services.
func New(mergeSvc MergeService, sessSvc SessionService, claims *token.Keyring, cookies CookieSettings) *Handlers {
	return &Handlers{mergeSvc: mergeSvc, sessSvc: sessSvc, claims: claims, cookies: cookies}
}

// MergeResponse is the success body of the merge endpoint. Moved and Flagged
// list per-table row counts as "table:count"; Idempotent marks a replay of an
// earlier completed merge, whose CorrelationID it carries.
type MergeResponse struct {
	OK            bool     `json:"ok"`
	Moved         []string `json:"moved"`
	Flagged       []string `json:"flagged,omitempty"`
	CorrelationID string   `json:"correlation_id"`
	Idempotent    bool     `json:"idempotent,omitempty"`
}

// MergeAnonymous handles POST /session/merge-anonymous.
//
// Flow: read and verify the merge claim cookie, reject a self-merge, run the
// merge through the service, clear the claim cookie, respond 202. Replays of
// a completed merge succeed with the cached result and idempotent=true.
func (h *Handlers) MergeAnonymous(c *gin.Context) {
	identity, okID := middleware.IdentityFrom(c)
	if !okID {
		fail(c, http.StatusUnauthorized, ErrCodeNotAuthenticated, "authentication required")
		return
	}

	// The CSRF token is minted per identity; a token signed for a different
	// session must not authorize writes on this one.
	if bound := middleware.CSRFIdentity(c); bound != "" && bound != identity.ID {
		middleware.CountMerge("rejected_csrf")
		fail(c, http.StatusForbidden, ErrCodeCSRFForbidden, "csrf token bound to a different session")
		return
	}

	raw, err := c.Cookie(h.cookies.MergeClaim)
	if err != nil || raw == "" {
		middleware.CountMerge("rejected_token")
		fail(c, http.StatusBadRequest, ErrCodeMissingMergeToken, "no merge token present")
		return
	}

	res := h.claims.Verify(raw, time.Now())
	switch res.Status {
	case token.Valid:
		// proceed
	case token.Expired:
		middleware.LoggerFrom(c).Warn().Str("reason", res.Status.String()).Msg("merge claim rejected")
		middleware.CountMerge("rejected_token")
		fail(c, http.StatusBadRequest, ErrCodeInvalidMergeToken, "merge token expired")
		return
	default:
		middleware.LoggerFrom(c).Warn().Str("reason", res.Status.String()).Msg("merge claim rejected")
		middleware.CountMerge("rejected_token")
		fail(c, http.StatusBadRequest, ErrCodeInvalidMergeToken, "merge token invalid")
		return
	}
	middleware.Stage(c, "claim_verified")

	subjectID := res.Claim.SubjectID
	if subjectID == identity.ID {
		middleware.CountMerge("error")
		fail(c, http.StatusBadRequest, ErrCodeSelfMerge, "cannot merge an account into itself")
		return
	}

	correlationID := middleware.CorrelationID(c)

	result, replayed, err := h.mergeSvc.Merge(c.Request.Context(), subjectID, identity.ID, correlationID)
	if err != nil {
		middleware.Stage(c, "failed")
		switch {
		case errors.Is(err, services.ErrSelfMerge):
			middleware.CountMerge("error")
			fail(c, http.StatusBadRequest, ErrCodeSelfMerge, "cannot merge an account into itself")
		case errors.Is(err, services.ErrMergeInFlight):
			middleware.CountMerge("in_progress")
			c.Header("Retry-After", "1")
			fail(c, http.StatusServiceUnavailable, ErrCodeMergeInProgress, "merge already in progress, retry shortly")
		case errors.Is(err, services.ErrStoreUnavailable):
			middleware.CountMerge("error")
			fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "try again later")
		default:
			middleware.CountMerge("error")
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "merge failed")
		}
		return
	}
	middleware.Stage(c, "completed")

	// The claim is single-use from the client's perspective: clear it so the
	// browser stops presenting a spent credential.
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookies.MergeClaim, "", -1, "/", "", h.cookies.Secure, true)

	if replayed {
		middleware.CountMerge("replayed")
	} else {
		middleware.CountMerge("merged")
	}
	moved := result.Moved
	if moved == nil {
		moved = []string{}
	}
	ok(c, http.StatusAccepted, MergeResponse{
		OK:            true,
		Moved:         moved,
		Flagged:       result.Flagged,
		CorrelationID: result.CorrelationID,
		Idempotent:    replayed,
	})
}
