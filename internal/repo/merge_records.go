// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the MergeRecord
// model, the idempotency ledger that makes the merge endpoint safe to retry.
//
// The unique index on merge_records.key is the only concurrency-control
// mechanism: concurrent attempts for the same (subject, target) pair race on
// the insert, exactly one wins, and the losers observe the winner's record.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mvasilakis/go-market-backend/internal/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a merge record already exists for the key.
	ErrDuplicate = errors.New("duplicate")

	// ErrInProgress indicates another request currently owns a pending
	// record for the key. Callers should surface a retryable conflict.
	ErrInProgress = errors.New("merge in progress")
)

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// ClaimMergeRecord atomically acquires the right to execute the merge for
// key, or reports how an earlier attempt left it.
//
// Outcomes:
//   - (record, nil): the caller inserted a fresh pending record, or re-armed
//     a failed/expired one, and now owns the execution.
//   - (record, ErrDuplicate): a completed record within its TTL exists; its
//     cached result should be replayed. Past the TTL a completed record is
//     re-armed and the merge executes fresh.
//   - (nil, ErrInProgress): a pending record owned by another request exists.
//
// Re-arming uses a conditional UPDATE on (key, status): only one of several
// concurrent retries flips the row back to pending, the rest lose the
// RowsAffected race and observe it as in progress.
func ClaimMergeRecord(ctx context.Context, db *gorm.DB, key, subjectID, targetID string, ttl time.Duration) (*domain.MergeRecord, error) {
	now := time.Now().UTC()
	rec := &domain.MergeRecord{
		ID:        uuid.NewString(),
		Key:       key,
		SubjectID: subjectID,
		TargetID:  targetID,
		Status:    domain.MergeStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return rec, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}

	var existing domain.MergeRecord
	if err := db.WithContext(ctx).Where("key = ?", key).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The winning record vanished between insert and read (e.g. an
			// expired-record sweep). Treat as in progress; a retry recreates it.
			return nil, ErrInProgress
		}
		return nil, err
	}

	switch {
	case existing.Status == domain.MergeStatusFailed || existing.ExpiresAt.Before(now):
		// Re-arm: claim ownership by flipping the row back to pending. This
		// covers failed records and any record past its TTL, including a
		// completed one whose dedupe window has lapsed. The status guard in
		// the WHERE clause ensures only one retry wins.
		res := db.WithContext(ctx).Model(&domain.MergeRecord{}).
			Where("key = ? AND status = ?", key, existing.Status).
			Updates(map[string]interface{}{
				"id":         rec.ID,
				"subject_id": subjectID,
				"target_id":  targetID,
				"status":     domain.MergeStatusPending,
				"result":     "",
				"created_at": now,
				"expires_at": now.Add(ttl),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrInProgress
		}
		rec.Key = key
		return rec, nil

	case existing.Status == domain.MergeStatusDone:
		return &existing, ErrDuplicate

	default:
		return nil, ErrInProgress
	}
}

// GetMergeRecord returns the record for key or ErrNotFound.
func GetMergeRecord(ctx context.Context, db *gorm.DB, key string) (*domain.MergeRecord, error) {
	var rec domain.MergeRecord
	err := db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompleteMergeRecord marks the record done and caches the result. It runs
// on the caller's handle, which is the open merge transaction, so the status
// flip commits or rolls back together with the data reassignment.
func CompleteMergeRecord(ctx context.Context, tx *gorm.DB, key string, result *domain.MergeResult) error {
	encoded, err := domain.EncodeResult(result)
	if err != nil {
		return err
	}
	res := tx.WithContext(ctx).Model(&domain.MergeRecord{}).
		Where("key = ? AND status = ?", key, domain.MergeStatusPending).
		Updates(map[string]interface{}{
			"status": domain.MergeStatusDone,
			"result": encoded,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailMergeRecord marks a pending record failed so a later retry can re-arm
// it. Called outside the merge transaction after a rollback; errors are
// returned for logging but the original failure takes precedence.
func FailMergeRecord(ctx context.Context, db *gorm.DB, key string) error {
	return db.WithContext(ctx).Model(&domain.MergeRecord{}).
		Where("key = ? AND status = ?", key, domain.MergeStatusPending).
		Update("status", domain.MergeStatusFailed).Error
}
