package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStateConflict is returned by guarded updates when the row was no longer
// in any of the expected source states.
var ErrStateConflict = errors.New("conversation state conflict")

// ErrListingNotFound is returned by listing mutations that matched no row.
var ErrListingNotFound = errors.New("listing not found")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the conversation table and its indexes. The listings
// table is owned by the main application and is never created here.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sms_renewal_conversations (
		id UUID PRIMARY KEY,
		listing_id UUID NOT NULL,
		user_id UUID NOT NULL,
		phone_number TEXT NOT NULL,
		batch_id UUID,
		listing_index INTEGER,
		total_in_batch INTEGER,
		message_sent_at TIMESTAMPTZ,
		message_sid TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		action_taken TEXT,
		reply_received_at TIMESTAMPTZ,
		reply_text TEXT,
		hadirot_conversion BOOLEAN,
		created_on DATE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_renewal_listing_day
		ON sms_renewal_conversations(listing_id, created_on);
	CREATE INDEX IF NOT EXISTS idx_renewal_phone_state
		ON sms_renewal_conversations(phone_number, state, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_renewal_batch
		ON sms_renewal_conversations(batch_id, listing_index) WHERE batch_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_renewal_open_expiry
		ON sms_renewal_conversations(expires_at)
		WHERE state IN ('pending', 'awaiting_availability', 'awaiting_hadirot_question');
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// =============================================================================
// Listings
// =============================================================================

const listingColumns = `
	id, user_id, listing_type, is_active, approved, expires_at, contact_phone,
	COALESCE(location, ''), COALESCE(neighborhood, ''), full_address, price, bedrooms,
	deactivated_at, hadirot_conversion, updated_at`

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	var listingType string
	err := row.Scan(
		&l.ID, &l.UserID, &listingType, &l.IsActive, &l.Approved, &l.ExpiresAt, &l.ContactPhone,
		&l.Location, &l.Neighborhood, &l.FullAddress, &l.Price, &l.Bedrooms,
		&l.DeactivatedAt, &l.HadirotConversion, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Type = models.ListingType(listingType)
	return &l, nil
}

// ListExpiringListings returns active, approved listings with a contact phone
// whose expiry falls in [from, to), ordered by expiry then id.
func (s *PostgresStore) ListExpiringListings(ctx context.Context, from, to time.Time) ([]models.Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE is_active = TRUE
			AND approved = TRUE
			AND contact_phone IS NOT NULL AND contact_phone <> ''
			AND expires_at >= $1 AND expires_at < $2
		ORDER BY expires_at, id`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query expiring listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

	l, err := scanListing(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ExtendListing reactivates a listing with a new expiry.
func (s *PostgresStore) ExtendListing(ctx context.Context, id uuid.UUID, expiresAt, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings
		SET is_active = TRUE, expires_at = $2, deactivated_at = NULL, updated_at = $3
		WHERE id = $1`, id, expiresAt, now)
	if err != nil {
		return fmt.Errorf("extend listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateListing(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings
		SET is_active = FALSE, deactivated_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("deactivate listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (s *PostgresStore) SetConversionFlag(ctx context.Context, id uuid.UUID, converted bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET hadirot_conversion = $2, updated_at = $3 WHERE id = $1`,
		id, converted, at)
	if err != nil {
		return fmt.Errorf("set conversion flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

// =============================================================================
// Conversations
// =============================================================================

const conversationColumns = `
	id, listing_id, user_id, phone_number, batch_id, listing_index, total_in_batch,
	message_sent_at, message_sid, expires_at, state, action_taken,
	reply_received_at, reply_text, hadirot_conversion, created_on, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var state string
	var action *string
	err := row.Scan(
		&c.ID, &c.ListingID, &c.UserID, &c.PhoneNumber, &c.BatchID, &c.ListingIndex, &c.TotalInBatch,
		&c.MessageSentAt, &c.MessageSID, &c.ExpiresAt, &state, &action,
		&c.ReplyReceivedAt, &c.ReplyText, &c.HadirotConversion, &c.CreatedOn, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.State = models.ConversationState(state)
	if action != nil {
		c.ActionTaken = models.ActionPtr(models.ActionTaken(*action))
	}
	return &c, nil
}

func collectConversations(rows pgx.Rows) ([]models.Conversation, error) {
	defer rows.Close()
	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func stateStrings(states []models.ConversationState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func (s *PostgresStore) ConversationExistsForDay(ctx context.Context, listingID uuid.UUID, day time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sms_renewal_conversations WHERE listing_id = $1 AND created_on = $2
		)`, listingID, day).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check conversation for day: %w", err)
	}
	return exists, nil
}

// FindOpenThread returns the conversation currently awaiting a reply from
// phone, provided its deadline has not passed.
func (s *PostgresStore) FindOpenThread(ctx context.Context, phone string, now time.Time) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM sms_renewal_conversations
		WHERE phone_number = $1 AND state = ANY($2) AND expires_at > $3
		ORDER BY updated_at DESC
		LIMIT 1`

	c, err := scanConversation(s.pool.QueryRow(ctx, query, phone, stateStrings(models.AwaitingStates), now))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open thread: %w", err)
	}
	return c, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateConversation inserts c. A conflict on (listing_id, created_on) is not
// an error; it returns inserted=false.
func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) (bool, error) {
	return insertConversation(ctx, s.pool, c)
}

func insertConversation(ctx context.Context, q rowQuerier, c *models.Conversation) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var action *string
	if c.ActionTaken != nil {
		a := string(*c.ActionTaken)
		action = &a
	}

	query := `
		INSERT INTO sms_renewal_conversations (
			id, listing_id, user_id, phone_number, batch_id, listing_index, total_in_batch,
			message_sent_at, message_sid, expires_at, state, action_taken,
			created_on, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (listing_id, created_on) DO NOTHING
		RETURNING id`

	err := q.QueryRow(ctx, query,
		c.ID, c.ListingID, c.UserID, c.PhoneNumber, c.BatchID, c.ListingIndex, c.TotalInBatch,
		c.MessageSentAt, c.MessageSID, c.ExpiresAt, string(c.State), action,
		c.CreatedOn, c.CreatedAt,
	).Scan(&c.ID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	c.UpdatedAt = c.CreatedAt
	return true, nil
}

// AppendToThread queues members as pending conversations behind the open
// conversation threadID. An unbatched thread becomes index 1 of a new batch.
// Members take the next listing indexes and every row of the batch gets the
// new total. Members already created for their day are skipped. Returns the
// number inserted, or ErrStateConflict when the thread no longer awaits a
// reply.
func (s *PostgresStore) AppendToThread(ctx context.Context, threadID uuid.UUID, members []*models.Conversation) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock serializes with the webhook's transition of the same row.
	var batchID *uuid.UUID
	var state string
	err = tx.QueryRow(ctx, `
		SELECT batch_id, state FROM sms_renewal_conversations
		WHERE id = $1 FOR UPDATE`, threadID).Scan(&batchID, &state)
	if err == pgx.ErrNoRows {
		return 0, ErrStateConflict
	}
	if err != nil {
		return 0, fmt.Errorf("lock thread: %w", err)
	}
	if !models.ConversationState(state).IsAwaiting() {
		return 0, ErrStateConflict
	}

	if batchID == nil {
		id := uuid.New()
		batchID = &id
		if _, err := tx.Exec(ctx, `
			UPDATE sms_renewal_conversations
			SET batch_id = $2, listing_index = 1, total_in_batch = 1
			WHERE id = $1`, threadID, id); err != nil {
			return 0, fmt.Errorf("start batch: %w", err)
		}
	}

	var last int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(listing_index), 0) FROM sms_renewal_conversations
		WHERE batch_id = $1`, *batchID).Scan(&last); err != nil {
		return 0, fmt.Errorf("last batch index: %w", err)
	}

	var added []*models.Conversation
	for _, m := range members {
		idx := last + len(added) + 1
		m.BatchID = batchID
		m.ListingIndex = &idx
		inserted, err := insertConversation(ctx, tx, m)
		if err != nil {
			return 0, err
		}
		if inserted {
			added = append(added, m)
		} else {
			m.BatchID, m.ListingIndex = nil, nil
		}
	}
	if len(added) == 0 {
		return 0, nil
	}

	total := last + len(added)
	if _, err := tx.Exec(ctx, `
		UPDATE sms_renewal_conversations SET total_in_batch = $2
		WHERE batch_id = $1`, *batchID, total); err != nil {
		return 0, fmt.Errorf("update batch total: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	for _, m := range added {
		n := total
		m.TotalInBatch = &n
	}
	return len(added), nil
}

// SetBatchTotal rewrites total_in_batch on every member of a batch.
func (s *PostgresStore) SetBatchTotal(ctx context.Context, batchID uuid.UUID, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sms_renewal_conversations SET total_in_batch = $2
		WHERE batch_id = $1`, batchID, total)
	if err != nil {
		return fmt.Errorf("set batch total: %w", err)
	}
	return nil
}

// FindActiveByPhone returns the most recently updated conversation for phone
// that is waiting on a reply.
func (s *PostgresStore) FindActiveByPhone(ctx context.Context, phone string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM sms_renewal_conversations
		WHERE phone_number = $1 AND state = ANY($2)
		ORDER BY updated_at DESC
		LIMIT 1`

	c, err := scanConversation(s.pool.QueryRow(ctx, query, phone, stateStrings(models.AwaitingStates)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListBatch(ctx context.Context, batchID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conversationColumns+`
		FROM sms_renewal_conversations
		WHERE batch_id = $1
		ORDER BY listing_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	return collectConversations(rows)
}

// NextPendingInBatch returns the pending batch member with the smallest index
// above afterIndex.
func (s *PostgresStore) NextPendingInBatch(ctx context.Context, batchID uuid.UUID, afterIndex int) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM sms_renewal_conversations
		WHERE batch_id = $1 AND state = $2 AND listing_index > $3
		ORDER BY listing_index
		LIMIT 1`

	c, err := scanConversation(s.pool.QueryRow(ctx, query, batchID, string(models.StatePending), afterIndex))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateState applies a guarded transition. expires_at is never written.
func (s *PostgresStore) UpdateState(ctx context.Context, u models.StateUpdate) error {
	if !u.Allowed() {
		return fmt.Errorf("transition %v -> %s: %w", u.From, u.To, ErrStateConflict)
	}
	var action *string
	if u.Action != nil {
		a := string(*u.Action)
		action = &a
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sms_renewal_conversations SET
			state = $3,
			action_taken = COALESCE($4, action_taken),
			reply_text = COALESCE($5, reply_text),
			reply_received_at = COALESCE($6, reply_received_at),
			message_sid = COALESCE($7, message_sid),
			message_sent_at = COALESCE($8, message_sent_at),
			hadirot_conversion = COALESCE($9, hadirot_conversion),
			updated_at = $10
		WHERE id = $1 AND state = ANY($2)`,
		u.ID, stateStrings(u.From), string(u.To), action,
		u.ReplyText, u.ReplyReceivedAt, u.MessageSID, u.MessageSentAt, u.HadirotConversion, u.At,
	)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// RecordReply stores the last inbound text without changing state.
func (s *PostgresStore) RecordReply(ctx context.Context, id uuid.UUID, text string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sms_renewal_conversations
		SET reply_text = $2, reply_received_at = $3, updated_at = $3
		WHERE id = $1`, id, text, at)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}

// ListExpiredOpen returns non-terminal conversations whose deadline is before now.
func (s *PostgresStore) ListExpiredOpen(ctx context.Context, now time.Time) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conversationColumns+`
		FROM sms_renewal_conversations
		WHERE state = ANY($1) AND expires_at < $2
		ORDER BY expires_at, id`, stateStrings(models.OpenStates), now)
	if err != nil {
		return nil, fmt.Errorf("query expired conversations: %w", err)
	}
	return collectConversations(rows)
}
