package domain

import "time"

// OutboxStatus is the delivery lifecycle of an outbox entry. The string
// values are read directly by the monitoring dashboard and resend tool.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// PayloadKind distinguishes plain text from interactive (option list) messages.
type PayloadKind string

const (
	PayloadText        PayloadKind = "text"
	PayloadInteractive PayloadKind = "interactive"
)

// Option is one selectable entry of an interactive message.
type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Payload is what the transport sends to the recipient.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Text    string      `json:"text"`
	Options []Option    `json:"options,omitempty"`
}

// OutboxEntry is one pending or completed outbound delivery.
type OutboxEntry struct {
	ID             string
	ConversationID string
	Recipient      string
	Payload        Payload
	Status         OutboxStatus
	Tries          int
	NextAttemptAt  *time.Time
	Error          string
	CreatedAt      time.Time
	ClaimedAt      *time.Time
	SentAt         *time.Time
	RemoteID       string
}

// Due reports whether a pending entry may be attempted at now.
func (e OutboxEntry) Due(now time.Time) bool {
	if e.Status != OutboxPending {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}
