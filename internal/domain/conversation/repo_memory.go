package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/pkg/pagination"
)

type memoryRepo struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*Conversation
	byHospital map[uuid.UUID]uuid.UUID
	messages   map[uuid.UUID][]*Message
	seq        int64
	locks      *db.KeyedMutex
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:       make(map[uuid.UUID]*Conversation),
		byHospital: make(map[uuid.UUID]uuid.UUID),
		messages:   make(map[uuid.UUID][]*Message),
		locks:      db.NewKeyedMutex(),
	}
}

func (r *memoryRepo) Append(_ context.Context, hospitalID uuid.UUID, msg *Message, fn func(c *Conversation)) (*Conversation, error) {
	unlock := r.locks.Lock(hospitalID.String())
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var conv *Conversation
	if id, ok := r.byHospital[hospitalID]; ok {
		conv = r.byID[id].clone()
		if r.logged(id, msg) {
			return conv, nil
		}
	} else {
		conv = &Conversation{ID: uuid.New(), HospitalID: hospitalID, CreatedAt: now}
	}

	fn(conv)
	conv.MessageCount++
	conv.UpdatedAt = now

	r.seq++
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.Seq = r.seq
	msg.ConversationID = conv.ID
	stored := *msg

	r.byID[conv.ID] = conv.clone()
	r.byHospital[hospitalID] = conv.ID
	r.messages[conv.ID] = append(r.messages[conv.ID], &stored)
	return conv, nil
}

func (r *memoryRepo) logged(conversationID uuid.UUID, msg *Message) bool {
	if !msg.replayable() {
		return false
	}
	for _, m := range r.messages[conversationID] {
		if m.Direction == Inbound && m.ProviderMessageID == msg.ProviderMessageID {
			return true
		}
	}
	return false
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (r *memoryRepo) GetByHospital(ctx context.Context, hospitalID uuid.UUID) (*Conversation, error) {
	r.mu.RLock()
	id, ok := r.byHospital[hospitalID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) Messages(_ context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*Message, 0, len(all)-start)
	for _, m := range all[start:] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Conversation, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Conversation, 0, len(r.byID))
	for _, c := range r.byID {
		items = append(items, c.clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return pagination.Window(items, limit, offset), len(items), nil
}
