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

// ReminderService finds listings nearing expiry and opens renewal
// conversations with their owners, one thread per phone.
type ReminderService struct {
	listings ListingStore
	convs    ConversationStore
	sender   messaging.Sender
	clock    clock.Clock
	policy   Policy
	msgs     Messages
}

func NewReminderService(listings ListingStore, convs ConversationStore, sender messaging.Sender, clk clock.Clock, policy Policy) *ReminderService {
	return &ReminderService{
		listings: listings,
		convs:    convs,
		sender:   sender,
		clock:    clk,
		policy:   policy,
		msgs:     policy.Messages(),
	}
}

type phoneGroup struct {
	phone    string
	listings []models.Listing
}

// Run executes one reminder pass. Per-phone failures are counted in the
// summary; only failures that prevent the pass entirely are returned.
func (s *ReminderService) Run(ctx context.Context) (*models.ReminderSummary, error) {
	now := s.clock.Now()
	loc := s.policy.loc()
	summary := &models.ReminderSummary{Timestamp: now}

	if s.policy.IsQuietDay(now) {
		log.Printf("Reminders: %s is a quiet day, nothing sent", now.In(loc).Weekday())
		summary.QuietDay = true
		return summary, nil
	}

	from, to := clock.DayWindow(now, loc, s.policy.ReminderDaysBefore)
	listings, err := s.listings.ListExpiringListings(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list expiring listings: %w", err)
	}
	summary.TotalExpiring = len(listings)

	groups := s.groupByPhone(listings, summary)
	summary.UniquePhones = len(groups)
	log.Printf("Reminders: %d listings expiring %s across %d phones",
		len(listings), from.Format("2006-01-02"), len(groups))

	today := clock.Day(now, loc)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.processPhone(ctx, g, now, today, summary)
	}

	log.Printf("Reminders: sent=%d queued=%d errors=%d skippedDuplicates=%d skippedActivePhone=%d invalidPhones=%d",
		summary.Sent, summary.Queued, summary.Errors, summary.SkippedDuplicates, summary.SkippedActivePhone, summary.InvalidPhones)
	return summary, nil
}

// groupByPhone keeps query order both across and within groups.
func (s *ReminderService) groupByPhone(listings []models.Listing, summary *models.ReminderSummary) []*phoneGroup {
	var groups []*phoneGroup
	byPhone := make(map[string]*phoneGroup)
	for _, l := range listings {
		phone, err := identity.NormalizePhone(l.ContactPhone)
		if err != nil {
			log.Printf("Warning: listing %s has unusable contact phone %q: %v", l.ID, identity.MaskPhone(l.ContactPhone), err)
			summary.InvalidPhones++
			continue
		}
		g, ok := byPhone[phone]
		if !ok {
			g = &phoneGroup{phone: phone}
			byPhone[phone] = g
			groups = append(groups, g)
		}
		g.listings = append(g.listings, l)
	}
	return groups
}

func (s *ReminderService) processPhone(ctx context.Context, g *phoneGroup, now, today time.Time, summary *models.ReminderSummary) {
	var eligible []models.Listing
	for _, l := range g.listings {
		exists, err := s.convs.ConversationExistsForDay(ctx, l.ID, today)
		if err != nil {
			log.Printf("Error: duplicate check for listing %s: %v", l.ID, err)
			summary.Errors++
			continue
		}
		if exists {
			summary.SkippedDuplicates++
			continue
		}
		eligible = append(eligible, l)
	}
	if len(eligible) == 0 {
		return
	}

	// One thread per phone: while the owner is still answering, new listings
	// wait behind the open conversation instead of starting a second thread.
	// A thread that closes under us is looked up once more.
	for attempt := 0; attempt < 2; attempt++ {
		thread, err := s.convs.FindOpenThread(ctx, g.phone, now)
		if err != nil {
			log.Printf("Error: open thread lookup for %s: %v", identity.MaskPhone(g.phone), err)
			summary.Errors++
			return
		}
		if thread == nil {
			break
		}
		err = s.queueOnThread(ctx, g.phone, thread, eligible, now, today, summary)
		if errors.Is(err, storage.ErrStateConflict) {
			continue
		}
		if err != nil {
			log.Printf("Error: queue %d listings behind conversation %s: %v", len(eligible), thread.ID, err)
			summary.Errors++
		}
		return
	}

	if limit := s.policy.MaxBatchSize; limit > 0 && len(eligible) > limit {
		log.Printf("Reminders: %s has %d eligible listings, sending the first %d",
			identity.MaskPhone(g.phone), len(eligible), limit)
		eligible = eligible[:limit]
	}

	if len(eligible) == 1 {
		s.sendSingle(ctx, g.phone, &eligible[0], now, today, summary)
		return
	}
	s.sendBatch(ctx, g.phone, eligible, now, today, summary)
}

// queueOnThread appends listings as pending members of the open thread. They
// share its deadline and are prompted as the owner works through the batch.
func (s *ReminderService) queueOnThread(ctx context.Context, phone string, thread *models.Conversation, listings []models.Listing, now, today time.Time, summary *models.ReminderSummary) error {
	if limit := s.policy.MaxBatchSize; limit > 0 {
		room := limit - thread.Total()
		if room < 0 {
			room = 0
		}
		if len(listings) > room {
			log.Printf("Reminders: thread %s for %s is at the batch cap, leaving out %d listings",
				thread.ID, identity.MaskPhone(phone), len(listings)-room)
			summary.SkippedActivePhone += len(listings) - room
			listings = listings[:room]
		}
	}
	if len(listings) == 0 {
		return nil
	}

	members := make([]*models.Conversation, len(listings))
	for i := range listings {
		members[i] = s.newConversation(phone, &listings[i], now, today, thread.ExpiresAt)
	}
	added, err := s.convs.AppendToThread(ctx, thread.ID, members)
	if err != nil {
		return err
	}
	summary.Queued += added
	summary.SkippedDuplicates += len(members) - added
	log.Printf("Reminders: queued %d listings for %s behind conversation %s",
		added, identity.MaskPhone(phone), thread.ID)
	return nil
}

// The row is inserted before the prompt goes out so the (listing, day)
// unique index decides whether this run may send at all.
func (s *ReminderService) sendSingle(ctx context.Context, phone string, l *models.Listing, now, today time.Time, summary *models.ReminderSummary) {
	conv := s.newConversation(phone, l, now, today, now.Add(s.policy.SingleTimeout))
	inserted, err := s.convs.CreateConversation(ctx, conv)
	if err != nil {
		log.Printf("Error: create conversation for listing %s: %v", l.ID, err)
		summary.Errors++
		return
	}
	if !inserted {
		log.Printf("Warning: conversation for listing %s already created today", l.ID)
		summary.SkippedDuplicates++
		return
	}

	body := s.msgs.Compose(s.msgs.AvailabilityPrompt(l, s.policy.ReminderDaysBefore))
	sid, sendErr := s.sender.Send(ctx, phone, body)
	if sendErr != nil {
		log.Printf("Error: send prompt to %s for listing %s: %v", identity.MaskPhone(phone), l.ID, sendErr)
		summary.Errors++
		s.markFailed(ctx, []*models.Conversation{conv}, now)
		return
	}
	summary.Sent++
	s.markPrompted(ctx, conv, sid, now)
}

func (s *ReminderService) sendBatch(ctx context.Context, phone string, listings []models.Listing, now, today time.Time, summary *models.ReminderSummary) {
	batchID := uuid.New()
	planned := len(listings)
	deadline := now.Add(s.policy.BatchTimeout)

	// Indexes follow successful inserts so a member lost to the unique index
	// leaves no gap.
	var members []*models.Conversation
	var heads []*models.Listing
	for i := range listings {
		l := &listings[i]
		conv := s.newConversation(phone, l, now, today, deadline)
		idx, n := len(members)+1, planned
		conv.BatchID = &batchID
		conv.ListingIndex = &idx
		conv.TotalInBatch = &n

		inserted, err := s.convs.CreateConversation(ctx, conv)
		if err != nil {
			log.Printf("Error: create batch conversation for listing %s: %v", l.ID, err)
			summary.Errors++
			continue
		}
		if !inserted {
			log.Printf("Warning: conversation for listing %s already created today", l.ID)
			summary.SkippedDuplicates++
			continue
		}
		members = append(members, conv)
		heads = append(heads, l)
	}
	if len(members) == 0 {
		return
	}

	total := len(members)
	if total < planned {
		if err := s.convs.SetBatchTotal(ctx, batchID, total); err != nil {
			log.Printf("Error: batch %s: %v", batchID, err)
		}
		for _, m := range members {
			n := total
			m.TotalInBatch = &n
		}
	}

	var prompt string
	if total == 1 {
		prompt = s.msgs.AvailabilityPrompt(heads[0], s.policy.ReminderDaysBefore)
	} else {
		prompt = s.msgs.BatchIntro(heads[0], total, s.policy.ReminderDaysBefore)
	}
	sid, sendErr := s.sender.Send(ctx, phone, s.msgs.Compose(prompt))
	if sendErr != nil {
		log.Printf("Error: send batch prompt to %s (%d listings): %v", identity.MaskPhone(phone), total, sendErr)
		summary.Errors++
		s.markFailed(ctx, members, now)
		return
	}
	summary.Sent++
	s.markPrompted(ctx, members[0], sid, now)
	log.Printf("Reminders: opened batch %s for %s with %d listings", batchID, identity.MaskPhone(phone), total)
}

func (s *ReminderService) newConversation(phone string, l *models.Listing, now, today, deadline time.Time) *models.Conversation {
	return &models.Conversation{
		ID:          uuid.New(),
		ListingID:   l.ID,
		UserID:      l.UserID,
		PhoneNumber: phone,
		ExpiresAt:   deadline,
		State:       models.StatePending,
		CreatedOn:   today,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *ReminderService) markPrompted(ctx context.Context, conv *models.Conversation, sid string, now time.Time) {
	err := s.convs.UpdateState(ctx, models.StateUpdate{
		ID:            conv.ID,
		From:          []models.ConversationState{models.StatePending},
		To:            models.StateAwaitingAvailability,
		MessageSID:    &sid,
		MessageSentAt: &now,
		At:            now,
	})
	if err != nil {
		log.Printf("Error: mark conversation %s prompted: %v", conv.ID, err)
	}
}

// markFailed closes conversations whose prompt could never be delivered.
func (s *ReminderService) markFailed(ctx context.Context, convs []*models.Conversation, now time.Time) {
	for _, c := range convs {
		err := s.convs.UpdateState(ctx, models.StateUpdate{
			ID:     c.ID,
			From:   []models.ConversationState{models.StatePending},
			To:     models.StateError,
			Action: models.ActionPtr(models.ActionSMSFailed),
			At:     now,
		})
		if err != nil {
			log.Printf("Error: mark conversation %s failed: %v", c.ID, err)
		}
	}
}
