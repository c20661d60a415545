package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeDocument MessageType = "document"
	TypeTemplate MessageType = "template"
	TypeOther    MessageType = "other"
)

var ErrNotFound = errors.New("conversation not found")

// Message is one entry in a conversation log. Seq is the arrival order.
type Message struct {
	ID                uuid.UUID   `json:"id"`
	Seq               int64       `json:"seq"`
	ConversationID    uuid.UUID   `json:"conversation_id"`
	Direction         Direction   `json:"direction"`
	Type              MessageType `json:"type"`
	Content           string      `json:"content"`
	MediaRef          string      `json:"media_ref,omitempty"`
	TemplateName      string      `json:"template_name,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	ClaimID           *uuid.UUID  `json:"claim_id,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// replayable messages can be redelivered by the provider and are logged once
// per provider message id.
func (m *Message) replayable() bool {
	return m.Direction == Inbound && m.ProviderMessageID != ""
}

// SessionWindow is the period after the last inbound message during which
// free-form replies are allowed. Active is derived at read time.
type SessionWindow struct {
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
	Active bool       `json:"active"`
}

type Conversation struct {
	ID           uuid.UUID     `json:"id"`
	HospitalID   uuid.UUID     `json:"hospital_id"`
	WhatsAppID   string        `json:"whatsapp_id"`
	LastClaimID  *uuid.UUID    `json:"last_claim_id,omitempty"`
	WindowStart  *time.Time    `json:"-"`
	WindowEnd    *time.Time    `json:"-"`
	MessageCount int           `json:"message_count"`
	Session      SessionWindow `json:"session_window"`
	Messages     []*Message    `json:"messages,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Window computes the session window at now.
func (c *Conversation) Window(now time.Time) SessionWindow {
	return SessionWindow{
		Start:  c.WindowStart,
		End:    c.WindowEnd,
		Active: c.WindowEnd != nil && now.Before(*c.WindowEnd),
	}
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	if c.LastClaimID != nil {
		v := *c.LastClaimID
		cp.LastClaimID = &v
	}
	if c.WindowStart != nil {
		v := *c.WindowStart
		cp.WindowStart = &v
	}
	if c.WindowEnd != nil {
		v := *c.WindowEnd
		cp.WindowEnd = &v
	}
	cp.Messages = nil
	return &cp
}

// Payload is the content of a message being recorded.
type Payload struct {
	Type              MessageType
	Content           string
	MediaRef          string
	TemplateName      string
	ProviderMessageID string
	ClaimID           *uuid.UUID
	// Address is the hospital's WhatsApp address, kept on the conversation.
	Address string
}
