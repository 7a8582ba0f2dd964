// Package domain defines the core persistence models for the application.
// This file holds the merge-protocol state: the idempotency record that
// deduplicates merge attempts and the result payload it caches.
package domain

import (
	"encoding/json"
	"time"
)

// Merge record states. A record is created as pending by the atomic
// insert-if-absent, moved to done together with the merge transaction, and
// marked failed when the transaction rolls back so a retry can re-arm it.
const (
	MergeStatusPending = "pending"
	MergeStatusDone    = "done"
	MergeStatusFailed  = "failed"
)

// MergeRecord deduplicates merge attempts for a (subject, target) pair.
// Key is a deterministic digest of (action, subjectID, targetID); its
// unique index is the protocol's sole concurrency-control mechanism.
type MergeRecord struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_merge_key"`
	SubjectID string    `gorm:"type:TEXT NOT NULL"`
	TargetID  string    `gorm:"type:TEXT NOT NULL"`
	Status    string    `gorm:"type:TEXT NOT NULL"`
	Result    string    `gorm:"type:TEXT"` // JSON-encoded MergeResult, set when done
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (MergeRecord) TableName() string { return "merge_records" }

// MergeResult captures the outcome of one logical merge. Idempotent replays
// return the same value, including the correlation id of the execution that
// actually ran.
type MergeResult struct {
	// Moved lists reassigned row counts as "table:count" entries.
	Moved []string `json:"moved"`
	// Flagged lists rows retained under the anonymous identity because
	// reassigning them would collide with the target's existing data, as
	// "table:count" entries. Empty when no conflicts occurred.
	Flagged []string `json:"flagged,omitempty"`
	// CorrelationID identifies the request that performed the merge.
	CorrelationID string `json:"correlation_id"`
}

// DecodeResult parses the cached result of a completed record.
func (r *MergeRecord) DecodeResult() (*MergeResult, error) {
	var out MergeResult
	if err := json.Unmarshal([]byte(r.Result), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EncodeResult serializes a result for storage on the record.
func EncodeResult(res *MergeResult) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
