package messaging

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogSender writes messages to the log instead of the provider. It is used
// when no access token is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "messaging").Logger()}
}

func (s *LogSender) SendText(_ context.Context, to, body string) (string, error) {
	id := "log." + uuid.NewString()
	s.logger.Info().Str("to", to).Str("message_id", id).Str("body", body).Msg("whatsapp text (not sent)")
	return id, nil
}

func (s *LogSender) SendDocument(_ context.Context, to string, doc Document) (string, error) {
	id := "log." + uuid.NewString()
	s.logger.Info().Str("to", to).Str("message_id", id).Str("url", doc.URL).Msg("whatsapp document (not sent)")
	return id, nil
}

func (s *LogSender) SendTemplate(_ context.Context, to string, tpl TemplateMessage) (string, error) {
	id := "log." + uuid.NewString()
	s.logger.Info().Str("to", to).Str("message_id", id).Str("template", tpl.Name).Strs("params", tpl.Params).Msg("whatsapp template (not sent)")
	return id, nil
}

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To       string
	Type     string
	Body     string
	Document Document
	Template TemplateMessage
}

// MockSender records messages for tests. Fail, when set, is returned for
// every call whose type it maps.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Fail map[string]error
}

func (m *MockSender) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail[msg.Type]; err != nil {
		return "", err
	}
	m.sent = append(m.sent, msg)
	return "wamid." + uuid.NewString(), nil
}

func (m *MockSender) SendText(_ context.Context, to, body string) (string, error) {
	return m.record(SentMessage{To: to, Type: "text", Body: body})
}

func (m *MockSender) SendDocument(_ context.Context, to string, doc Document) (string, error) {
	return m.record(SentMessage{To: to, Type: "document", Document: doc})
}

func (m *MockSender) SendTemplate(_ context.Context, to string, tpl TemplateMessage) (string, error) {
	return m.record(SentMessage{To: to, Type: "template", Template: tpl})
}

// Sent returns a copy of the recorded messages.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
