package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MyDira/Hadirot-sub006/clock"
	"github.com/MyDira/Hadirot-sub006/identity"
	"github.com/MyDira/Hadirot-sub006/messaging"
	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/storage"
	"github.com/google/uuid"
)

// ErrListingUpdate means a reply was understood but the listing could not be
// changed. The conversation is left where it was so the owner can retry.
var ErrListingUpdate = errors.New("listing update failed")

type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeDiscarded Outcome = "discarded" // no conversation waiting on this phone
	OutcomeDuplicate Outcome = "duplicate" // transport redelivery
	OutcomeConflict  Outcome = "conflict"  // another reply moved the conversation first
)

type InboundMessage struct {
	From       string
	Body       string
	MessageSID string
}

type InboundResult struct {
	Outcome        Outcome
	ConversationID uuid.UUID
	Intent         Intent
	State          models.ConversationState
	Reply          string
	ReplySID       string
	NextID         *uuid.UUID // batch member prompted by this reply
}

// ConversationService drives renewal conversations from inbound replies.
type ConversationService struct {
	listings ListingStore
	convs    ConversationStore
	sender   messaging.Sender
	dedupe   Deduper
	clock    clock.Clock
	policy   Policy
	msgs     Messages
}

func NewConversationService(listings ListingStore, convs ConversationStore, sender messaging.Sender, clk clock.Clock, policy Policy) *ConversationService {
	return &ConversationService{
		listings: listings,
		convs:    convs,
		sender:   sender,
		clock:    clk,
		policy:   policy,
		msgs:     policy.Messages(),
	}
}

// WithDeduper enables redelivery detection by transport message id.
func (s *ConversationService) WithDeduper(d Deduper) *ConversationService {
	s.dedupe = d
	return s
}

// HandleInbound processes one inbound SMS and sends at most one reply.
func (s *ConversationService) HandleInbound(ctx context.Context, msg InboundMessage) (*InboundResult, error) {
	now := s.clock.Now()
	res := &InboundResult{Outcome: OutcomeDiscarded}

	if s.dedupe != nil && msg.MessageSID != "" {
		first, err := s.dedupe.FirstSeen(ctx, msg.MessageSID)
		if err != nil {
			log.Printf("Warning: dedupe check for %s failed, handling anyway: %v", msg.MessageSID, err)
		} else if !first {
			log.Printf("Webhook: duplicate delivery of %s ignored", msg.MessageSID)
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
	}

	phone, err := identity.NormalizePhone(msg.From)
	if err != nil {
		log.Printf("Webhook: unusable sender %q: %v", identity.MaskPhone(msg.From), err)
		return res, nil
	}

	conv, err := s.convs.FindActiveByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if conv == nil {
		log.Printf("Webhook: no open conversation for %s, ignoring", identity.MaskPhone(phone))
		return res, nil
	}

	res.Outcome = OutcomeHandled
	res.ConversationID = conv.ID
	res.State = conv.State

	listing, err := s.listing(ctx, conv.ListingID)
	if err != nil {
		return nil, err
	}

	if now.After(conv.ExpiresAt) {
		return s.expire(ctx, conv, msg.Body, now, res)
	}

	res.Intent = Classify(msg.Body)
	switch conv.State {
	case models.StateAwaitingAvailability:
		return s.handleAvailability(ctx, conv, listing, msg.Body, now, res)
	case models.StateAwaitingHadirotQuestion:
		return s.handleHadirotQuestion(ctx, conv, listing, msg.Body, now, res)
	}
	return res, nil
}

func (s *ConversationService) expire(ctx context.Context, conv *models.Conversation, body string, now time.Time, res *InboundResult) (*InboundResult, error) {
	err := s.convs.UpdateState(ctx, models.StateUpdate{
		ID:              conv.ID,
		From:            []models.ConversationState{conv.State},
		To:              models.StateExpiredLink,
		Action:          models.ActionPtr(models.ActionExpiredLink),
		ReplyText:       &body,
		ReplyReceivedAt: &now,
		At:              now,
	})
	if err != nil {
		return s.conflictOr(res, conv, err)
	}
	res.State = models.StateExpiredLink
	s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(s.msgs.ExpiredLink()), res)
	return res, nil
}

func (s *ConversationService) handleAvailability(ctx context.Context, conv *models.Conversation, listing *models.Listing, body string, now time.Time, res *InboundResult) (*InboundResult, error) {
	switch res.Intent {
	case IntentYes:
		expiresAt := now.AddDate(0, 0, s.policy.RenewalDays)
		if err := s.listings.ExtendListing(ctx, conv.ListingID, expiresAt, now); err != nil {
			return s.listingFailed(ctx, conv, body, now, res, fmt.Errorf("%w: extend listing %s: %w", ErrListingUpdate, conv.ListingID, err))
		}
		err := s.convs.UpdateState(ctx, models.StateUpdate{
			ID:              conv.ID,
			From:            []models.ConversationState{models.StateAwaitingAvailability},
			To:              models.StateCompleted,
			Action:          models.ActionPtr(models.ActionExtended),
			ReplyText:       &body,
			ReplyReceivedAt: &now,
			At:              now,
		})
		if err != nil {
			return s.conflictOr(res, conv, err)
		}
		res.State = models.StateCompleted
		log.Printf("Webhook: listing %s extended until %s", conv.ListingID, expiresAt.Format(time.RFC3339))
		s.advance(ctx, conv, now, res, s.msgs.Extended(listing, expiresAt))
		return res, nil

	case IntentNo:
		if err := s.listings.DeactivateListing(ctx, conv.ListingID, now); err != nil {
			return s.listingFailed(ctx, conv, body, now, res, fmt.Errorf("%w: deactivate listing %s: %w", ErrListingUpdate, conv.ListingID, err))
		}
		err := s.convs.UpdateState(ctx, models.StateUpdate{
			ID:              conv.ID,
			From:            []models.ConversationState{models.StateAwaitingAvailability},
			To:              models.StateAwaitingHadirotQuestion,
			ReplyText:       &body,
			ReplyReceivedAt: &now,
			At:              now,
		})
		if err != nil {
			return s.conflictOr(res, conv, err)
		}
		res.State = models.StateAwaitingHadirotQuestion
		log.Printf("Webhook: listing %s deactivated", conv.ListingID)
		s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(s.msgs.HadirotQuestion(listing)), res)
		return res, nil

	case IntentHelp:
		s.recordReply(ctx, conv, body, now)
		s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(s.helpText(ctx, conv, listing)), res)
		return res, nil
	}

	s.recordReply(ctx, conv, body, now)
	s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(s.msgs.ClarifyAvailability(listing)), res)
	return res, nil
}

func (s *ConversationService) handleHadirotQuestion(ctx context.Context, conv *models.Conversation, listing *models.Listing, body string, now time.Time, res *InboundResult) (*InboundResult, error) {
	if res.Intent != IntentYes && res.Intent != IntentNo {
		s.recordReply(ctx, conv, body, now)
		s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(s.msgs.ClarifyHadirot(listing)), res)
		return res, nil
	}

	converted := res.Intent == IntentYes
	if err := s.listings.SetConversionFlag(ctx, conv.ListingID, converted, now); err != nil {
		log.Printf("Warning: set conversion flag on listing %s: %v", conv.ListingID, err)
	}

	err := s.convs.UpdateState(ctx, models.StateUpdate{
		ID:                conv.ID,
		From:              []models.ConversationState{models.StateAwaitingHadirotQuestion},
		To:                models.StateCompleted,
		Action:            models.ActionPtr(models.ActionDeactivated),
		ReplyText:         &body,
		ReplyReceivedAt:   &now,
		HadirotConversion: &converted,
		At:                now,
	})
	if err != nil {
		return s.conflictOr(res, conv, err)
	}
	res.State = models.StateCompleted
	s.advance(ctx, conv, now, res, s.msgs.Thanks())
	return res, nil
}

// advance sends the reply for a completed conversation. In a batch the next
// pending member's prompt rides along in the same message.
func (s *ConversationService) advance(ctx context.Context, conv *models.Conversation, now time.Time, res *InboundResult, parts ...string) {
	if !conv.IsBatched() {
		s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(parts...), res)
		return
	}

	next, err := s.convs.NextPendingInBatch(ctx, *conv.BatchID, conv.Index())
	if err != nil {
		log.Printf("Error: find next in batch %s: %v", *conv.BatchID, err)
		s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(parts...), res)
		return
	}
	if next == nil {
		parts = append(parts, s.msgs.BatchFinished())
		s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(parts...), res)
		return
	}

	nextListing, err := s.listing(ctx, next.ListingID)
	if err != nil {
		log.Printf("Warning: load listing %s for batch prompt: %v", next.ListingID, err)
		nextListing = &models.Listing{ID: next.ListingID}
	}
	remaining := next.Total() - next.Index() + 1
	parts = append(parts, s.msgs.NextPrompt(nextListing, remaining))

	sid, sendErr := s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(parts...), res)
	update := models.StateUpdate{
		ID:   next.ID,
		From: []models.ConversationState{models.StatePending},
		At:   now,
	}
	if sendErr != nil {
		update.To = models.StateError
		update.Action = models.ActionPtr(models.ActionSMSFailed)
	} else {
		update.To = models.StateAwaitingAvailability
		update.MessageSID = &sid
		update.MessageSentAt = &now
	}
	if err := s.convs.UpdateState(ctx, update); err != nil {
		log.Printf("Error: move batch member %s to %s: %v", next.ID, update.To, err)
		return
	}
	res.NextID = &next.ID
}

func (s *ConversationService) helpText(ctx context.Context, conv *models.Conversation, listing *models.Listing) string {
	if !conv.IsBatched() {
		return s.msgs.SingleHelp(listing)
	}
	members, err := s.convs.ListBatch(ctx, *conv.BatchID)
	if err != nil {
		log.Printf("Warning: list batch %s: %v", *conv.BatchID, err)
		return s.msgs.SingleHelp(listing)
	}
	byID := make(map[string]*models.Listing, len(members))
	for _, m := range members {
		if m.ListingID == listing.ID {
			byID[m.ListingID.String()] = listing
			continue
		}
		l, err := s.listings.GetListing(ctx, m.ListingID)
		if err != nil {
			log.Printf("Warning: load listing %s for help: %v", m.ListingID, err)
			continue
		}
		if l != nil {
			byID[m.ListingID.String()] = l
		}
	}
	return s.msgs.BatchHelp(members, byID)
}

// listingFailed keeps the conversation where it is, asks the owner to retry
// and surfaces err to the caller.
func (s *ConversationService) listingFailed(ctx context.Context, conv *models.Conversation, body string, now time.Time, res *InboundResult, err error) (*InboundResult, error) {
	log.Printf("Error: %v", err)
	s.recordReply(ctx, conv, body, now)
	s.reply(ctx, conv.PhoneNumber, s.msgs.Compose(s.msgs.RetryLater()), res)
	return res, err
}

func (s *ConversationService) conflictOr(res *InboundResult, conv *models.Conversation, err error) (*InboundResult, error) {
	if errors.Is(err, storage.ErrStateConflict) {
		log.Printf("Warning: conversation %s changed while handling reply", conv.ID)
		res.Outcome = OutcomeConflict
		return res, nil
	}
	return nil, fmt.Errorf("update conversation %s: %w", conv.ID, err)
}

func (s *ConversationService) recordReply(ctx context.Context, conv *models.Conversation, body string, now time.Time) {
	if err := s.convs.RecordReply(ctx, conv.ID, body, now); err != nil {
		log.Printf("Warning: record reply on %s: %v", conv.ID, err)
	}
}

func (s *ConversationService) reply(ctx context.Context, phone, body string, res *InboundResult) (string, error) {
	res.Reply = body
	sid, err := s.sender.Send(ctx, phone, body)
	if err != nil {
		log.Printf("Error: reply to %s: %v", identity.MaskPhone(phone), err)
		return "", err
	}
	res.ReplySID = sid
	return sid, nil
}

// listing loads a listing, substituting a bare placeholder when the row is gone
// so replies can still be worded.
func (s *ConversationService) listing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := s.listings.GetListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	if l == nil {
		return &models.Listing{ID: id}, nil
	}
	return l, nil
}
