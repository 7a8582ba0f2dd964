// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains the ownership reassignment helpers the
// merge executor runs inside its transaction: bulk UPDATEs that move rows
// from the anonymous identity to the authenticated account, with conflict
// rows retained and flagged instead of force-moved.
package repo

import (
	"fmt"

	"gorm.io/gorm"
)

// OwnershipTable describes one table whose rows are keyed by an owning
// identity. ConflictColumn and FlagColumn are set only for tables with a
// per-owner uniqueness constraint; for those, rows whose reassignment would
// collide with the target's existing data are kept under the old owner and
// flagged for review.
//
// All four identifiers are static strings from DefaultOwnershipMapping, never
// user input, so interpolating them into SQL is safe.
type OwnershipTable struct {
	Table          string
	OwnerColumn    string
	ConflictColumn string
	FlagColumn     string
}

// DefaultOwnershipMapping lists every table the merge touches. Adding a new
// owned table to the product means adding one entry here.
func DefaultOwnershipMapping() []OwnershipTable {
	return []OwnershipTable{
		{Table: "listings", OwnerColumn: "owner_id"},
		{Table: "reviews", OwnerColumn: "author_id"},
		{
			Table:          "favorites",
			OwnerColumn:    "user_id",
			ConflictColumn: "listing_id",
			FlagColumn:     "needs_review",
		},
	}
}

// ReassignOwnership moves every row owned by subjectID to targetID, for one
// table, on the caller's transaction handle.
//
// For tables with a uniqueness constraint, conflicting rows (the target
// already has a row with the same ConflictColumn value) are flagged first
// and excluded from the move, so the bulk UPDATE can never trip the unique
// index. Returns the number of rows moved and the number flagged.
func ReassignOwnership(tx *gorm.DB, m OwnershipTable, subjectID, targetID string) (moved, flagged int64, err error) {
	if m.ConflictColumn != "" {
		sub := tx.Session(&gorm.Session{NewDB: true}).
			Table(m.Table).
			Select(m.ConflictColumn).
			Where(fmt.Sprintf("%s = ?", m.OwnerColumn), targetID)

		res := tx.Table(m.Table).
			Where(fmt.Sprintf("%s = ?", m.OwnerColumn), subjectID).
			Where(fmt.Sprintf("%s IN (?)", m.ConflictColumn), sub).
			Update(m.FlagColumn, true)
		if res.Error != nil {
			return 0, 0, res.Error
		}
		flagged = res.RowsAffected
	}

	q := tx.Table(m.Table).
		Where(fmt.Sprintf("%s = ?", m.OwnerColumn), subjectID)
	if m.FlagColumn != "" {
		q = q.Where(fmt.Sprintf("%s = ?", m.FlagColumn), false)
	}
	res := q.Update(m.OwnerColumn, targetID)
	if res.Error != nil {
		return 0, flagged, res.Error
	}
	return res.RowsAffected, flagged, nil
}
