package domain

import (
	"time"
)

type ThreadStatus string

const (
	ThreadStatusOpen     ThreadStatus = "open"
	ThreadStatusPending  ThreadStatus = "pending"
	ThreadStatusClosed   ThreadStatus = "closed"
	ThreadStatusArchived ThreadStatus = "archived"
)

type ThreadPriority string

const (
	PriorityLow    ThreadPriority = "low"
	PriorityNormal ThreadPriority = "normal"
	PriorityHigh   ThreadPriority = "high"
	PriorityUrgent ThreadPriority = "urgent"
)

// Thread groups messages of one conversation within a team.
// RootMessageID is unique per team; ThreadKey, when set, is unique per team.
type Thread struct {
	ID            string         `json:"id"`
	TeamID        string         `json:"team_id"`
	RootMessageID string         `json:"root_message_id"`
	ThreadKey     string         `json:"thread_key,omitempty"`
	Subject       string         `json:"subject"`
	Participants  []string       `json:"participants"`
	References    []string       `json:"references"`
	Status        ThreadStatus   `json:"status"`
	Priority      ThreadPriority `json:"priority"`
	Tags          []string       `json:"tags"`
	MessageCount  int            `json:"message_count"`
	LastMessageAt time.Time      `json:"last_message_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Message is one stored email. Content is immutable after insert; only the
// delivery status changes.
type Message struct {
	ID                string         `json:"id"`
	TeamID            string         `json:"team_id"`
	ThreadID          string         `json:"thread_id"`
	AccountID         string         `json:"account_id,omitempty"`
	MessageID         string         `json:"message_id"`
	InReplyTo         string         `json:"in_reply_to,omitempty"`
	References        []string       `json:"references"`
	From              EmailAddress   `json:"from"`
	To                []EmailAddress `json:"to"`
	Cc                []EmailAddress `json:"cc"`
	Bcc               []EmailAddress `json:"bcc"`
	Subject           string         `json:"subject"`
	TextContent       string         `json:"text_content"`
	HTMLContent       string         `json:"html_content,omitempty"`
	Direction         Direction      `json:"direction"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
	DeliveryError     string         `json:"delivery_error,omitempty"`
	IsAutoReply       bool           `json:"is_auto_reply"`
	RecipientWarnings []string       `json:"recipient_warnings,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// NewMessage builds a message row from a canonical email.
func NewMessage(id, teamID, threadID string, email *CanonicalEmail, now time.Time) *Message {
	status := DeliveryReceived
	direction := email.Direction
	if direction == "" {
		direction = DirectionInbound
	}
	if direction == DirectionOutbound {
		status = DeliveryPending
	}
	received := email.Date
	if received.IsZero() {
		received = now
	}
	return &Message{
		ID:                id,
		TeamID:            teamID,
		ThreadID:          threadID,
		AccountID:         email.AccountID,
		MessageID:         email.MessageID,
		InReplyTo:         email.InReplyTo,
		References:        email.References,
		From:              email.From,
		To:                email.To,
		Cc:                email.Cc,
		Bcc:               email.Bcc,
		Subject:           email.Subject,
		TextContent:       email.TextContent,
		HTMLContent:       email.HTMLContent,
		Direction:         direction,
		DeliveryStatus:    status,
		IsAutoReply:       email.IsAutoReply,
		RecipientWarnings: email.RecipientWarnings,
		ReceivedAt:        received,
		CreatedAt:         now,
	}
}
