package intake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []rawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type rawMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *media `json:"image"`
	Document *media `json:"document"`
}

// ignoredTypes are message types WhatsApp sends that carry nothing a claim
// can use.
var ignoredTypes = map[string]bool{
	"audio": true, "video": true, "sticker": true, "location": true, "contacts": true,
	"interactive": true, "button": true, "reaction": true, "order": true, "system": true,
}

// parse splits a delivery into per-message outcomes. Only Accepted and
// Malformed are produced here; duplicates are decided by the gate.
func parse(raw []byte) []Outcome {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return []Outcome{{Kind: OutcomeMalformed, Reason: "invalid json: " + err.Error()}}
	}
	if len(env.Entry) == 0 {
		return []Outcome{{Kind: OutcomeMalformed, Reason: "no entry"}}
	}

	var out []Outcome
	for _, entry := range env.Entry {
		if len(entry.Changes) == 0 {
			out = append(out, Outcome{Kind: OutcomeMalformed, Reason: "entry " + entry.ID + " has no changes"})
			continue
		}
		for _, change := range entry.Changes {
			if len(change.Value.Messages) == 0 {
				out = append(out, Outcome{Kind: OutcomeMalformed, Reason: "change carries no messages"})
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				ev, err := classify(m)
				if err != nil {
					out = append(out, Outcome{Kind: OutcomeMalformed, MessageID: m.ID, Reason: err.Error()})
					continue
				}
				ev.ProfileName = names[m.From]
				out = append(out, Outcome{Kind: OutcomeAccepted, MessageID: ev.MessageID, Event: ev})
			}
		}
	}
	return out
}

func classify(m rawMessage) (*Event, error) {
	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("message without id")
	}
	if strings.TrimSpace(m.From) == "" {
		return nil, fmt.Errorf("message %s without sender", m.ID)
	}
	ev := &Event{MessageID: m.ID, From: m.From, Timestamp: parseTimestamp(m.Timestamp)}

	switch m.Type {
	case "image":
		if m.Image == nil || m.Image.ID == "" {
			return nil, fmt.Errorf("image message %s without media id", m.ID)
		}
		ev.Payload = ImagePayload{MediaID: m.Image.ID, MimeType: m.Image.MimeType, SHA256: m.Image.SHA256, Caption: m.Image.Caption}
	case "document":
		if m.Document == nil || m.Document.ID == "" {
			return nil, fmt.Errorf("document message %s without media id", m.ID)
		}
		d := m.Document
		ev.Payload = DocumentPayload{MediaID: d.ID, MimeType: d.MimeType, SHA256: d.SHA256, Filename: d.Filename, Caption: d.Caption}
	case "text":
		if m.Text == nil {
			return nil, fmt.Errorf("text message %s without body", m.ID)
		}
		ev.Payload = TextPayload{Body: m.Text.Body}
	default:
		if !ignoredTypes[m.Type] {
			return nil, fmt.Errorf("message %s has unknown type %q", m.ID, m.Type)
		}
		ev.Payload = OtherPayload{Type: m.Type}
	}
	return ev, nil
}

// parseTimestamp reads the unix seconds string WhatsApp sends. A missing or
// garbled value yields the zero time.
func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
