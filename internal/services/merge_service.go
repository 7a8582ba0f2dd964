// Package services – MergeService
//
// This file implements the MergeService, which folds an anonymous identity's
// marketplace data into an authenticated account. The service owns the
// idempotency ledger and the reassignment transaction; everything before it
// (origin, rate limit, authentication, claim verification) has already been
// enforced by the HTTP layer.
//
// Execution protocol per attempt:
//
//  1. Derive the deterministic idempotency key for (subject, target).
//  2. Claim the merge record. A completed record short-circuits into a
//     replay of the cached result; a pending one owned by someone else is a
//     retryable conflict.
//  3. Run the reassignment transaction over every owned table, completing
//     the merge record inside the same transaction so result caching and
//     data movement commit atomically.
//  4. On rollback, mark the record failed so a later retry can re-arm it.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mvasilakis/go-market-backend/internal/domain"
	"github.com/mvasilakis/go-market-backend/internal/repo"
)

// mergeAction namespaces idempotency keys so a future second merge-like
// operation can never collide with this one.
const mergeAction = "merge-anonymous"

// MergeService executes anonymous-to-account merges.
type MergeService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Mapping lists the tables whose ownership the merge reassigns.
	Mapping []repo.OwnershipTable

	// IdempotencyTTL bounds how long a merge record deduplicates retries.
	IdempotencyTTL time.Duration
	// TxTimeout caps the reassignment transaction.
	TxTimeout time.Duration
}

// NewMergeService constructs a MergeService with the default ownership
// mapping and sane operational limits.
func NewMergeService(db *gorm.DB) *MergeService {
	return &MergeService{
		DB:             db,
		Mapping:        repo.DefaultOwnershipMapping(),
		IdempotencyTTL: 24 * time.Hour,
		TxTimeout:      10 * time.Second,
	}
}

// MergeKey derives the deterministic idempotency key for a merge of
// subjectID into targetID.
func MergeKey(subjectID, targetID string) string {
	sum := sha256.Sum256([]byte(mergeAction + ":" + subjectID + ":" + targetID))
	return hex.EncodeToString(sum[:])
}

// Merge folds subjectID's data into targetID. correlationID identifies the
// request for audit purposes and is cached with the result.
//
// Returns the merge result and whether it was replayed from a previous
// completed execution. Predictable failures map to the service sentinels:
// ErrSelfMerge, ErrMergeInFlight, ErrStoreUnavailable.
func (s *MergeService) Merge(ctx context.Context, subjectID, targetID, correlationID string) (*domain.MergeResult, bool, error) {
	tr := otel.Tracer("services/MergeService")
	ctx, span := tr.Start(ctx, "Merge",
		trace.WithAttributes(
			attribute.String("merge.subject_id", subjectID),
			attribute.String("merge.target_id", targetID),
		),
	)
	defer span.End()

	if subjectID == targetID {
		return nil, false, ErrSelfMerge
	}

	key := MergeKey(subjectID, targetID)

	rec, err := repo.ClaimMergeRecord(ctx, s.DB, key, subjectID, targetID, s.IdempotencyTTL)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		zerolog.Ctx(ctx).Info().Str("stage", "idempotency_checked").Msg("merge_protocol")
		cached, derr := rec.DecodeResult()
		if derr != nil {
			return nil, false, derr
		}
		return cached, true, nil
	case errors.Is(err, repo.ErrInProgress):
		return nil, false, ErrMergeInFlight
	case err != nil:
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	zerolog.Ctx(ctx).Info().Str("stage", "idempotency_checked").Msg("merge_protocol")

	if s.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TxTimeout)
		defer cancel()
	}
	zerolog.Ctx(ctx).Info().Str("stage", "executing").Msg("merge_protocol")

	result := &domain.MergeResult{CorrelationID: correlationID}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range s.Mapping {
			moved, flagged, rerr := repo.ReassignOwnership(tx, m, subjectID, targetID)
			if rerr != nil {
				return rerr
			}
			if moved > 0 {
				result.Moved = append(result.Moved, fmt.Sprintf("%s:%d", m.Table, moved))
			}
			if flagged > 0 {
				result.Flagged = append(result.Flagged, fmt.Sprintf("%s:%d", m.Table, flagged))
			}
		}
		// Inside the transaction: the status flip and the reassignment
		// commit or roll back together.
		return repo.CompleteMergeRecord(ctx, tx, key, result)
	})
	if err != nil {
		span.RecordError(err)
		// Mark failed so a retry can re-arm the record. Use a fresh context
		// in case the transaction died of the timeout above.
		if ferr := repo.FailMergeRecord(context.WithoutCancel(ctx), s.DB, key); ferr != nil {
			err = fmt.Errorf("%v (and failed to mark record: %v)", err, ferr)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return result, false, nil
}
