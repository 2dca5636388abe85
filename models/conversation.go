package models

import (
	"time"

	"github.com/google/uuid"
)

type ConversationState string

const (
	StatePending                 ConversationState = "pending"
	StateAwaitingAvailability    ConversationState = "awaiting_availability"
	StateAwaitingHadirotQuestion ConversationState = "awaiting_hadirot_question"
	StateCompleted               ConversationState = "completed"
	StateExpiredLink             ConversationState = "expired_link"
	StateTimeout                 ConversationState = "timeout"
	StateError                   ConversationState = "error"
)

type ActionTaken string

const (
	ActionExtended    ActionTaken = "extended"
	ActionDeactivated ActionTaken = "deactivated"
	ActionSMSFailed   ActionTaken = "sms_failed"
	ActionExpiredLink ActionTaken = "expired_link"
	ActionTimeout     ActionTaken = "timeout"
)

// AwaitingStates are the states in which an inbound reply is expected.
var AwaitingStates = []ConversationState{StateAwaitingAvailability, StateAwaitingHadirotQuestion}

// OpenStates are the non-terminal states; the sweeper times these out.
var OpenStates = []ConversationState{StatePending, StateAwaitingAvailability, StateAwaitingHadirotQuestion}

var transitions = map[ConversationState][]ConversationState{
	StatePending:                 {StateAwaitingAvailability, StateTimeout, StateError},
	StateAwaitingAvailability:    {StateCompleted, StateAwaitingHadirotQuestion, StateExpiredLink, StateTimeout, StateError},
	StateAwaitingHadirotQuestion: {StateCompleted, StateExpiredLink, StateTimeout, StateError},
}

// CanTransition reports whether a conversation may move from one state to
// another. Terminal states have no outgoing edges.
func CanTransition(from, to ConversationState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s ConversationState) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

func (s ConversationState) IsAwaiting() bool {
	return s == StateAwaitingAvailability || s == StateAwaitingHadirotQuestion
}

// Conversation is one listing's renewal dialogue. Rows are never deleted.
type Conversation struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	ListingID         uuid.UUID         `json:"listing_id" db:"listing_id"`
	UserID            uuid.UUID         `json:"user_id" db:"user_id"`
	PhoneNumber       string            `json:"phone_number" db:"phone_number"`
	BatchID           *uuid.UUID        `json:"batch_id" db:"batch_id"`
	ListingIndex      *int              `json:"listing_index" db:"listing_index"`
	TotalInBatch      *int              `json:"total_in_batch" db:"total_in_batch"`
	MessageSentAt     *time.Time        `json:"message_sent_at" db:"message_sent_at"`
	MessageSID        *string           `json:"message_sid" db:"message_sid"`
	ExpiresAt         time.Time         `json:"expires_at" db:"expires_at"`
	State             ConversationState `json:"state" db:"state"`
	ActionTaken       *ActionTaken      `json:"action_taken" db:"action_taken"`
	ReplyReceivedAt   *time.Time        `json:"reply_received_at" db:"reply_received_at"`
	ReplyText         *string           `json:"reply_text" db:"reply_text"`
	HadirotConversion *bool             `json:"hadirot_conversion" db:"hadirot_conversion"`
	CreatedOn         time.Time         `json:"created_on" db:"created_on"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

func (c *Conversation) IsBatched() bool {
	return c.BatchID != nil
}

// Index returns the 1-based batch position, or 1 for unbatched conversations.
func (c *Conversation) Index() int {
	if c.ListingIndex == nil {
		return 1
	}
	return *c.ListingIndex
}

// Total returns the batch size, or 1 for unbatched conversations.
func (c *Conversation) Total() int {
	if c.TotalInBatch == nil {
		return 1
	}
	return *c.TotalInBatch
}

// StateUpdate is a guarded transition: it applies only while the row is still
// in one of From. Nil fields leave the column unchanged.
type StateUpdate struct {
	ID                uuid.UUID
	From              []ConversationState
	To                ConversationState
	Action            *ActionTaken
	ReplyText         *string
	ReplyReceivedAt   *time.Time
	MessageSID        *string
	MessageSentAt     *time.Time
	HadirotConversion *bool
	At                time.Time
}

// Allowed reports whether every source state may reach To.
func (u *StateUpdate) Allowed() bool {
	if len(u.From) == 0 {
		return false
	}
	for _, from := range u.From {
		if !CanTransition(from, u.To) {
			return false
		}
	}
	return true
}

func ActionPtr(a ActionTaken) *ActionTaken { return &a }
