// Package domain defines the persistence models for the marketplace data
// that the merge protocol reassigns: listings, reviews, and favorites.
// These types are mapped with GORM and form the core data layer of the
// application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Listing represents a marketplace entry owned by a user. Ownership is the
// only property the merge protocol touches; everything else is carried along.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - OwnerID: identifier of the listing owner; indexed for reassignment.
//   - Title / Price: listing payload, opaque to the merge protocol.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Listing struct {
	ID        string         `json:"id"       gorm:"type:char(36);primaryKey"`
	OwnerID   string         `json:"owner_id" gorm:"type:varchar(64);not null;index:idx_listing_owner"`
	Title     string         `json:"title"    gorm:"type:varchar(255);not null"`
	Price     int64          `json:"price"    gorm:"not null;default:0"` // minor units
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"        gorm:"index"`
}

// TableName returns the database table name for Listing.
func (Listing) TableName() string { return "listings" }

// Review represents a user-authored review of a listing. The author column
// is what the merge protocol reassigns.
type Review struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	ListingID string         `json:"listing_id" gorm:"type:char(36);not null;index"`
	AuthorID  string         `json:"author_id"  gorm:"type:varchar(64);not null;index:idx_review_author"`
	Rating    int            `json:"rating"     gorm:"not null;check:rating BETWEEN 1 AND 5"`
	Body      string         `json:"body"       gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Review.
func (Review) TableName() string { return "reviews" }

// Favorite marks a listing as saved by a user. A user can favorite a given
// listing at most once (enforced by unique index), which is the collision
// the merge executor must handle: when both the anonymous and the
// authenticated identity favorited the same listing, the anonymous row is
// kept under its original owner and flagged via NeedsReview rather than
// deleted or force-moved.
type Favorite struct {
	ID          string         `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID      string         `json:"user_id"     gorm:"type:varchar(64);not null;index;uniqueIndex:ux_favorite_user_listing"`
	ListingID   string         `json:"listing_id"  gorm:"type:char(36);not null;index;uniqueIndex:ux_favorite_user_listing"`
	NeedsReview bool           `json:"needs_review" gorm:"not null;default:false"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"           gorm:"index"`
}

// TableName returns the database table name for Favorite.
func (Favorite) TableName() string { return "favorites" }
