package models

import (
	"time"

	"github.com/google/uuid"
)

type ListingType string

const (
	ListingTypeRental ListingType = "rental"
	ListingTypeSale   ListingType = "sale"
)

// Listing is the marketplace listing a renewal conversation is about. The
// listings table belongs to the main application; this service only reads it
// and flips the renewal-related columns.
type Listing struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	UserID            uuid.UUID   `json:"user_id" db:"user_id"`
	Type              ListingType `json:"listing_type" db:"listing_type"`
	IsActive          bool        `json:"is_active" db:"is_active"`
	Approved          bool        `json:"approved" db:"approved"`
	ExpiresAt         time.Time   `json:"expires_at" db:"expires_at"`
	ContactPhone      string      `json:"contact_phone" db:"contact_phone"`
	Location          string      `json:"location" db:"location"` // cross streets
	Neighborhood      string      `json:"neighborhood" db:"neighborhood"`
	FullAddress       *string     `json:"full_address" db:"full_address"`
	Price             *int64      `json:"price" db:"price"`
	Bedrooms          *int        `json:"bedrooms" db:"bedrooms"`
	DeactivatedAt     *time.Time  `json:"deactivated_at" db:"deactivated_at"`
	HadirotConversion *bool       `json:"hadirot_conversion" db:"hadirot_conversion"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

func (l *Listing) IsSale() bool {
	return l.Type == ListingTypeSale
}
