package repo

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mvasilakis/go-market-backend/internal/domain"
)

func seedListing(t *testing.T, db *gorm.DB, owner, title string) {
	t.Helper()
	if err := db.Create(&domain.Listing{ID: uuid.NewString(), OwnerID: owner, Title: title}).Error; err != nil {
		t.Fatalf("seed listing: %v", err)
	}
}

func seedFavorite(t *testing.T, db *gorm.DB, user, listing string) {
	t.Helper()
	if err := db.Create(&domain.Favorite{ID: uuid.NewString(), UserID: user, ListingID: listing}).Error; err != nil {
		t.Fatalf("seed favorite: %v", err)
	}
}

func TestReassignOwnership_MovesSubjectRowsOnly(t *testing.T) {
	db := newTestDB(t, &domain.Listing{})
	m := OwnershipTable{Table: "listings", OwnerColumn: "owner_id"}

	seedListing(t, db, "anon-1", "bike")
	seedListing(t, db, "anon-1", "lamp")
	seedListing(t, db, "other", "sofa")

	moved, flagged, err := ReassignOwnership(db, m, "anon-1", "user-1")
	if err != nil {
		t.Fatalf("ReassignOwnership: %v", err)
	}
	if moved != 2 || flagged != 0 {
		t.Fatalf("got moved=%d flagged=%d, want 2/0", moved, flagged)
	}

	var count int64
	db.Table("listings").Where("owner_id = ?", "user-1").Count(&count)
	if count != 2 {
		t.Fatalf("target owns %d listings, want 2", count)
	}
	db.Table("listings").Where("owner_id = ?", "other").Count(&count)
	if count != 1 {
		t.Fatalf("unrelated owner's rows were touched")
	}
	db.Table("listings").Where("owner_id = ?", "anon-1").Count(&count)
	if count != 0 {
		t.Fatalf("subject still owns %d listings, want 0", count)
	}
}

func TestReassignOwnership_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.Listing{})
	m := OwnershipTable{Table: "listings", OwnerColumn: "owner_id"}

	moved, flagged, err := ReassignOwnership(db, m, "anon-empty", "user-1")
	if err != nil {
		t.Fatalf("ReassignOwnership: %v", err)
	}
	if moved != 0 || flagged != 0 {
		t.Fatalf("got moved=%d flagged=%d, want 0/0", moved, flagged)
	}
}

func TestReassignOwnership_ConflictsFlaggedNotMoved(t *testing.T) {
	db := newTestDB(t, &domain.Favorite{})
	m := OwnershipTable{
		Table:          "favorites",
		OwnerColumn:    "user_id",
		ConflictColumn: "listing_id",
		FlagColumn:     "needs_review",
	}

	// Both identities favorited L1; only the subject favorited L2.
	seedFavorite(t, db, "anon-1", "L1")
	seedFavorite(t, db, "anon-1", "L2")
	seedFavorite(t, db, "user-1", "L1")

	moved, flagged, err := ReassignOwnership(db, m, "anon-1", "user-1")
	if err != nil {
		t.Fatalf("ReassignOwnership: %v", err)
	}
	if moved != 1 || flagged != 1 {
		t.Fatalf("got moved=%d flagged=%d, want 1/1", moved, flagged)
	}

	// The conflicting row stays under the subject, flagged for review.
	var kept domain.Favorite
	if err := db.Where("user_id = ? AND listing_id = ?", "anon-1", "L1").First(&kept).Error; err != nil {
		t.Fatalf("conflict row missing: %v", err)
	}
	if !kept.NeedsReview {
		t.Fatalf("conflict row not flagged")
	}

	// The target now holds both its original favorite and the moved one.
	var count int64
	db.Table("favorites").Where("user_id = ?", "user-1").Count(&count)
	if count != 2 {
		t.Fatalf("target holds %d favorites, want 2", count)
	}
}

func TestDefaultOwnershipMapping_CoversAllOwnedTables(t *testing.T) {
	mapping := DefaultOwnershipMapping()
	want := map[string]string{
		"listings":  "owner_id",
		"reviews":   "author_id",
		"favorites": "user_id",
	}
	if len(mapping) != len(want) {
		t.Fatalf("mapping lists %d tables, want %d", len(mapping), len(want))
	}
	for _, m := range mapping {
		col, ok := want[m.Table]
		if !ok {
			t.Fatalf("unexpected table %q", m.Table)
		}
		if m.OwnerColumn != col {
			t.Fatalf("table %q: owner column %q, want %q", m.Table, m.OwnerColumn, col)
		}
	}
}
