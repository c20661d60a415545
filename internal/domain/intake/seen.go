package intake

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaclaims/shaclaims/internal/platform/db"
)

// DefaultWindow is how long a message id is remembered.
const DefaultWindow = 24 * time.Hour

// SeenSet remembers provider message ids for a bounded window.
type SeenSet interface {
	// MarkSeen records id for ttl and reports whether this is its first
	// sighting inside the window. It joins a transaction carried in ctx.
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Purge drops expired ids and returns how many were removed.
	Purge(ctx context.Context) (int, error)
}

// MemorySeenSet keeps ids in process memory and evicts expired ones from a
// background goroutine until Stop is called.
type MemorySeenSet struct {
	mu      sync.Mutex
	expires map[string]time.Time
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemorySeenSet starts eviction every sweep; zero means hourly.
func NewMemorySeenSet(sweep time.Duration) *MemorySeenSet {
	if sweep <= 0 {
		sweep = time.Hour
	}
	s := &MemorySeenSet{
		expires: make(map[string]time.Time),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.evictLoop(sweep)
	return s
}

func (s *MemorySeenSet) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Purge(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *MemorySeenSet) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemorySeenSet) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	if exp, ok := s.expires[id]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[id] = now.Add(ttl)
	return true, nil
}

func (s *MemorySeenSet) Purge(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	n := 0
	for id, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, id)
			n++
		}
	}
	return n, nil
}

func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

type seenSetPG struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSeenSetPG stores ids in the seen_message table. An expired row is
// overwritten in place, so a redelivery after the window counts as new.
func NewSeenSetPG(pool *pgxpool.Pool) SeenSet {
	return &seenSetPG{pool: pool, now: time.Now}
}

func (s *seenSetPG) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	now := s.now().UTC()
	var got string
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO seen_message (message_id, seen_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE
			SET seen_at = EXCLUDED.seen_at, expires_at = EXCLUDED.expires_at
			WHERE seen_message.expires_at <= EXCLUDED.seen_at
		RETURNING message_id`, id, now, now.Add(ttl)).Scan(&got)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *seenSetPG) Purge(ctx context.Context) (int, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM seen_message WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
