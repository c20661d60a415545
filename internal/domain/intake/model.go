// Package intake turns WhatsApp webhook deliveries into durable inbound jobs,
// dropping redeliveries of messages already seen.
package intake

import (
	"time"
)

// JobInbound is the queue kind carrying one accepted message.
const JobInbound = "inbound.message"

// Payload is the classified content of an inbound message. The set of
// implementations is closed: ImagePayload, DocumentPayload, TextPayload and
// OtherPayload.
type Payload interface {
	kind() string
}

type ImagePayload struct {
	MediaID  string
	MimeType string
	SHA256   string
	Caption  string
}

type DocumentPayload struct {
	MediaID  string
	MimeType string
	SHA256   string
	Filename string
	Caption  string
}

type TextPayload struct {
	Body string
}

// OtherPayload is a known message type the service records but does not act
// on.
type OtherPayload struct {
	Type string
}

func (ImagePayload) kind() string    { return "image" }
func (DocumentPayload) kind() string { return "document" }
func (TextPayload) kind() string     { return "text" }
func (p OtherPayload) kind() string  { return p.Type }

// Event is one normalized inbound message.
type Event struct {
	MessageID   string
	From        string
	ProfileName string
	Timestamp   time.Time
	Payload     Payload
}

// Type is the WhatsApp message type the event was classified from.
func (e Event) Type() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.kind()
}

type OutcomeKind string

const (
	OutcomeAccepted  OutcomeKind = "accepted"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeMalformed OutcomeKind = "malformed"
)

// Outcome reports what the gate did with one message of a delivery. Event is
// set for accepted messages; Reason explains a malformed one.
type Outcome struct {
	Kind      OutcomeKind
	MessageID string
	Event     *Event
	Reason    string
}

// InboundJob is the queue payload for JobInbound.
type InboundJob struct {
	MessageID   string    `json:"message_id"`
	From        string    `json:"from"`
	ProfileName string    `json:"profile_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	MediaID     string    `json:"media_id,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	Text        string    `json:"text,omitempty"`
}

func NewInboundJob(e Event) InboundJob {
	j := InboundJob{
		MessageID:   e.MessageID,
		From:        e.From,
		ProfileName: e.ProfileName,
		Timestamp:   e.Timestamp,
		Type:        e.Type(),
	}
	switch p := e.Payload.(type) {
	case ImagePayload:
		j.MediaID, j.MimeType, j.SHA256, j.Caption = p.MediaID, p.MimeType, p.SHA256, p.Caption
	case DocumentPayload:
		j.MediaID, j.MimeType, j.SHA256, j.Caption = p.MediaID, p.MimeType, p.SHA256, p.Caption
		j.Filename = p.Filename
	case TextPayload:
		j.Text = p.Body
	case OtherPayload:
	}
	return j
}

// Event rebuilds the classified event from the queue payload.
func (j InboundJob) Event() Event {
	e := Event{MessageID: j.MessageID, From: j.From, ProfileName: j.ProfileName, Timestamp: j.Timestamp}
	switch j.Type {
	case "image":
		e.Payload = ImagePayload{MediaID: j.MediaID, MimeType: j.MimeType, SHA256: j.SHA256, Caption: j.Caption}
	case "document":
		e.Payload = DocumentPayload{MediaID: j.MediaID, MimeType: j.MimeType, SHA256: j.SHA256, Filename: j.Filename, Caption: j.Caption}
	case "text":
		e.Payload = TextPayload{Body: j.Text}
	default:
		e.Payload = OtherPayload{Type: j.Type}
	}
	return e
}
