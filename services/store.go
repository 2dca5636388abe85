package services

import (
	"context"
	"time"

	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/google/uuid"
)

// ListingStore is the part of the listings table the renewal flow touches.
type ListingStore interface {
	ListExpiringListings(ctx context.Context, from, to time.Time) ([]models.Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ExtendListing(ctx context.Context, id uuid.UUID, expiresAt, now time.Time) error
	DeactivateListing(ctx context.Context, id uuid.UUID, at time.Time) error
	SetConversionFlag(ctx context.Context, id uuid.UUID, converted bool, at time.Time) error
}

// ConversationStore persists renewal conversations. UpdateState must only
// apply while the row is in one of the update's source states, and
// AppendToThread only while the thread is still awaiting a reply.
type ConversationStore interface {
	ConversationExistsForDay(ctx context.Context, listingID uuid.UUID, day time.Time) (bool, error)
	FindOpenThread(ctx context.Context, phone string, now time.Time) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) (bool, error)
	AppendToThread(ctx context.Context, threadID uuid.UUID, members []*models.Conversation) (int, error)
	SetBatchTotal(ctx context.Context, batchID uuid.UUID, total int) error
	FindActiveByPhone(ctx context.Context, phone string) (*models.Conversation, error)
	ListBatch(ctx context.Context, batchID uuid.UUID) ([]models.Conversation, error)
	NextPendingInBatch(ctx context.Context, batchID uuid.UUID, afterIndex int) (*models.Conversation, error)
	UpdateState(ctx context.Context, u models.StateUpdate) error
	RecordReply(ctx context.Context, id uuid.UUID, text string, at time.Time) error
	ListExpiredOpen(ctx context.Context, now time.Time) ([]models.Conversation, error)
}

// Deduper drops repeated deliveries of the same inbound message.
type Deduper interface {
	FirstSeen(ctx context.Context, messageID string) (bool, error)
}
