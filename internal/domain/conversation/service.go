package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultWindow is how long free-form replies stay allowed after the last
// inbound message.
const DefaultWindow = 24 * time.Hour

type Service struct {
	repo   Repository
	window time.Duration
	now    func() time.Time
}

func NewService(repo Repository, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{repo: repo, window: window, now: time.Now}
}

// RecordMessage appends a message to the hospital's conversation. Inbound
// messages extend the session window to now+window; a window that had
// already lapsed restarts at now.
func (s *Service) RecordMessage(ctx context.Context, hospitalID uuid.UUID, dir Direction, p Payload) (SessionWindow, error) {
	now := s.now().UTC()
	typ := p.Type
	if typ == "" {
		typ = TypeText
	}
	msg := &Message{
		ID:                uuid.New(),
		Direction:         dir,
		Type:              typ,
		Content:           p.Content,
		MediaRef:          p.MediaRef,
		TemplateName:      p.TemplateName,
		ProviderMessageID: p.ProviderMessageID,
		ClaimID:           p.ClaimID,
		Timestamp:         now,
	}

	conv, err := s.repo.Append(ctx, hospitalID, msg, func(c *Conversation) {
		if p.Address != "" {
			c.WhatsAppID = p.Address
		}
		if p.ClaimID != nil {
			id := *p.ClaimID
			c.LastClaimID = &id
		}
		if dir != Inbound {
			return
		}
		if c.WindowEnd == nil || !now.Before(*c.WindowEnd) {
			start := now
			c.WindowStart = &start
		}
		end := now.Add(s.window)
		c.WindowEnd = &end
	})
	if err != nil {
		return SessionWindow{}, fmt.Errorf("record %s message for hospital %s: %w", dir, hospitalID, err)
	}
	return conv.Window(now), nil
}

// Window returns the hospital's current session window. A hospital with no
// conversation has an inactive window.
func (s *Service) Window(ctx context.Context, hospitalID uuid.UUID) (SessionWindow, error) {
	conv, err := s.repo.GetByHospital(ctx, hospitalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionWindow{}, nil
		}
		return SessionWindow{}, err
	}
	return conv.Window(s.now()), nil
}

// Get returns the hospital's conversation with its latest messageLimit
// messages.
func (s *Service) Get(ctx context.Context, hospitalID uuid.UUID, messageLimit int) (*Conversation, error) {
	conv, err := s.repo.GetByHospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	return s.withMessages(ctx, conv, messageLimit)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID, messageLimit int) (*Conversation, error) {
	conv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withMessages(ctx, conv, messageLimit)
}

func (s *Service) withMessages(ctx context.Context, conv *Conversation, limit int) (*Conversation, error) {
	msgs, err := s.repo.Messages(ctx, conv.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	conv.Messages = msgs
	conv.Session = conv.Window(s.now())
	return conv, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Conversation, int, error) {
	items, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for _, c := range items {
		c.Session = c.Window(now)
	}
	return items, total, nil
}
