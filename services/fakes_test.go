package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MyDira/Hadirot-sub006/clock"
	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// memListings is an in-memory ListingStore.
type memListings struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*models.Listing
	extendErr  error
	deactErr   error
	convertErr error
}

func newMemListings() *memListings {
	return &memListings{rows: make(map[uuid.UUID]*models.Listing)}
}

func (m *memListings) add(l models.Listing) *models.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.UserID == uuid.Nil {
		l.UserID = uuid.New()
	}
	m.rows[l.ID] = &l
	return &l
}

func (m *memListings) get(id uuid.UUID) models.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memListings) ListExpiringListings(ctx context.Context, from, to time.Time) ([]models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Listing
	for _, l := range m.rows {
		if !l.IsActive || !l.Approved || l.ContactPhone == "" {
			continue
		}
		if l.ExpiresAt.Before(from) || !l.ExpiresAt.Before(to) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *memListings) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memListings) ExtendListing(ctx context.Context, id uuid.UUID, expiresAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extendErr != nil {
		return m.extendErr
	}
	l, ok := m.rows[id]
	if !ok {
		return storage.ErrListingNotFound
	}
	l.IsActive = true
	l.ExpiresAt = expiresAt
	l.DeactivatedAt = nil
	l.UpdatedAt = now
	return nil
}

func (m *memListings) DeactivateListing(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deactErr != nil {
		return m.deactErr
	}
	l, ok := m.rows[id]
	if !ok {
		return storage.ErrListingNotFound
	}
	l.IsActive = false
	l.DeactivatedAt = &at
	l.UpdatedAt = at
	return nil
}

func (m *memListings) SetConversionFlag(ctx context.Context, id uuid.UUID, converted bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.convertErr != nil {
		return m.convertErr
	}
	l, ok := m.rows[id]
	if !ok {
		return storage.ErrListingNotFound
	}
	l.HadirotConversion = &converted
	l.UpdatedAt = at
	return nil
}

// memConversations is an in-memory ConversationStore with the same guard
// semantics as the Postgres queries.
type memConversations struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*models.Conversation
	order []uuid.UUID
	seq   int
	// updatedSeq breaks updated_at ties in insertion/update order.
	updatedSeq map[uuid.UUID]int
	updateErr  error
	// existsBlind makes the day check miss rows, as when another run
	// inserts between the check and the insert.
	existsBlind bool
}

func newMemConversations() *memConversations {
	return &memConversations{
		rows:       make(map[uuid.UUID]*models.Conversation),
		updatedSeq: make(map[uuid.UUID]int),
	}
}

func (m *memConversations) touch(id uuid.UUID) {
	m.seq++
	m.updatedSeq[id] = m.seq
}

func (m *memConversations) all() []models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Conversation, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.rows[id])
	}
	return out
}

func (m *memConversations) byListing(listingID uuid.UUID) []models.Conversation {
	var out []models.Conversation
	for _, c := range m.all() {
		if c.ListingID == listingID {
			out = append(out, c)
		}
	}
	return out
}

func (m *memConversations) get(id uuid.UUID) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memConversations) ConversationExistsForDay(ctx context.Context, listingID uuid.UUID, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsBlind {
		return false, nil
	}
	for _, c := range m.rows {
		if c.ListingID == listingID && c.CreatedOn.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memConversations) FindOpenThread(ctx context.Context, phone string, now time.Time) (*models.Conversation, error) {
	c, _ := m.FindActiveByPhone(ctx, phone)
	if c == nil || !c.ExpiresAt.After(now) {
		return nil, nil
	}
	return c, nil
}

func (m *memConversations) CreateConversation(ctx context.Context, c *models.Conversation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.ListingID == c.ListingID && existing.CreatedOn.Equal(c.CreatedOn) {
			return false, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.rows[c.ID] = &cp
	m.order = append(m.order, c.ID)
	m.touch(c.ID)
	return true, nil
}

func (m *memConversations) FindActiveByPhone(ctx context.Context, phone string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Conversation
	for _, c := range m.rows {
		if c.PhoneNumber != phone || !c.State.IsAwaiting() {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) ||
			(c.UpdatedAt.Equal(best.UpdatedAt) && m.updatedSeq[c.ID] > m.updatedSeq[best.ID]) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memConversations) AppendToThread(ctx context.Context, threadID uuid.UUID, members []*models.Conversation) (int, error) {
	m.mu.Lock()
	head, ok := m.rows[threadID]
	if !ok || !head.State.IsAwaiting() {
		m.mu.Unlock()
		return 0, storage.ErrStateConflict
	}
	if head.BatchID == nil {
		id := uuid.New()
		one := 1
		head.BatchID = &id
		head.ListingIndex = &one
		head.TotalInBatch = &one
	}
	batchID := *head.BatchID
	m.mu.Unlock()

	current, _ := m.ListBatch(ctx, batchID)
	last := 0
	for _, c := range current {
		if c.Index() > last {
			last = c.Index()
		}
	}

	added := 0
	for _, c := range members {
		idx := last + added + 1
		c.BatchID = &batchID
		c.ListingIndex = &idx
		if inserted, _ := m.CreateConversation(ctx, c); inserted {
			added++
		} else {
			c.BatchID, c.ListingIndex = nil, nil
		}
	}
	if added > 0 {
		m.SetBatchTotal(ctx, batchID, last+added)
		for _, c := range members {
			if c.BatchID != nil {
				n := last + added
				c.TotalInBatch = &n
			}
		}
	}
	return added, nil
}

func (m *memConversations) SetBatchTotal(ctx context.Context, batchID uuid.UUID, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.BatchID != nil && *c.BatchID == batchID {
			n := total
			c.TotalInBatch = &n
		}
	}
	return nil
}

func (m *memConversations) ListBatch(ctx context.Context, batchID uuid.UUID) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, c := range m.rows {
		if c.BatchID != nil && *c.BatchID == batchID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out, nil
}

func (m *memConversations) NextPendingInBatch(ctx context.Context, batchID uuid.UUID, afterIndex int) (*models.Conversation, error) {
	members, _ := m.ListBatch(ctx, batchID)
	for _, c := range members {
		if c.State == models.StatePending && c.Index() > afterIndex {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConversations) UpdateState(ctx context.Context, u models.StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if !u.Allowed() {
		return fmt.Errorf("transition %v -> %s: %w", u.From, u.To, storage.ErrStateConflict)
	}
	c, ok := m.rows[u.ID]
	if !ok {
		return storage.ErrStateConflict
	}
	matched := false
	for _, from := range u.From {
		if c.State == from {
			matched = true
		}
	}
	if !matched {
		return storage.ErrStateConflict
	}
	c.State = u.To
	if u.Action != nil {
		c.ActionTaken = u.Action
	}
	if u.ReplyText != nil {
		c.ReplyText = u.ReplyText
	}
	if u.ReplyReceivedAt != nil {
		c.ReplyReceivedAt = u.ReplyReceivedAt
	}
	if u.MessageSID != nil {
		c.MessageSID = u.MessageSID
	}
	if u.MessageSentAt != nil {
		c.MessageSentAt = u.MessageSentAt
	}
	if u.HadirotConversion != nil {
		c.HadirotConversion = u.HadirotConversion
	}
	c.UpdatedAt = u.At
	m.touch(c.ID)
	return nil
}

func (m *memConversations) RecordReply(ctx context.Context, id uuid.UUID, text string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return errors.New("no such conversation")
	}
	c.ReplyText = &text
	c.ReplyReceivedAt = &at
	c.UpdatedAt = at
	m.touch(id)
	return nil
}

func (m *memConversations) ListExpiredOpen(ctx context.Context, now time.Time) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, id := range m.order {
		c := m.rows[id]
		if !c.State.IsTerminal() && c.ExpiresAt.Before(now) {
			out = append(out, *c)
		}
	}
	return out, nil
}

type sentSMS struct {
	To   string
	Body string
}

// fakeSender records messages; fail decides per message whether to error.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentSMS
	fail func(to, body string) bool
}

func (f *fakeSender) Send(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil && f.fail(to, body) {
		return "", errors.New("carrier rejected message")
	}
	f.sent = append(f.sent, sentSMS{To: to, Body: body})
	return fmt.Sprintf("SM%04d", len(f.sent)), nil
}

func (f *fakeSender) messages() []sentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSMS(nil), f.sent...)
}

type mockDeduper struct {
	mock.Mock
}

func (m *mockDeduper) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

// harness wires both services over shared fakes.
type harness struct {
	t         *testing.T
	clock     *clock.FakeClock
	listings  *memListings
	convs     *memConversations
	sender    *fakeSender
	policy    Policy
	reminders *ReminderService
	inbound   *ConversationService
	sweeper   *SweeperService
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	policy := DefaultPolicy()
	policy.Location = loc
	policy.DashboardURL = "https://hadirot.com/dashboard"

	h := &harness{
		t:        t,
		clock:    clock.Fake(now),
		listings: newMemListings(),
		convs:    newMemConversations(),
		sender:   &fakeSender{},
		policy:   policy,
	}
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.reminders = NewReminderService(h.listings, h.convs, h.sender, h.clock, h.policy)
	h.inbound = NewConversationService(h.listings, h.convs, h.sender, h.clock, h.policy)
	h.sweeper = NewSweeperService(h.convs, h.clock)
}

// expiring adds an active, approved listing expiring in the reminder window.
func (h *harness) expiring(phone string, hour int, mut ...func(*models.Listing)) *models.Listing {
	loc := h.policy.Location
	day := clock.StartOfDay(h.clock.Now(), loc).AddDate(0, 0, h.policy.ReminderDaysBefore)
	l := models.Listing{
		Type:         models.ListingTypeRental,
		IsActive:     true,
		Approved:     true,
		ExpiresAt:    day.Add(time.Duration(hour) * time.Hour),
		ContactPhone: phone,
		Location:     fmt.Sprintf("Ave %c & E %dth St", 'I'+rune(hour%10), hour+1),
	}
	for _, f := range mut {
		f(&l)
	}
	return h.listings.add(l)
}

func (h *harness) reply(from, body string) *InboundResult {
	h.t.Helper()
	res, err := h.inbound.HandleInbound(context.Background(), InboundMessage{From: from, Body: body, MessageSID: uuid.NewString()})
	if err != nil {
		h.t.Fatalf("handle inbound %q: %v", body, err)
	}
	return res
}
