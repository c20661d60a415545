package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaclaims/shaclaims/internal/platform/db"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (s *pgStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const jobCols = `id, seq, kind, ordering_key, payload, status, attempts, max_attempts,
	run_at, locked_until, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload []byte
	err := row.Scan(&j.ID, &j.Seq, &j.Kind, &j.OrderingKey, &payload, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedUntil, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

func (s *pgStore) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().UTC()
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO job (id, kind, ordering_key, payload, status, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at, updated_at`,
		job.ID, job.Kind, job.OrderingKey, []byte(job.Payload), job.Status, job.MaxAttempts, job.RunAt,
	).Scan(&job.Seq, &job.CreatedAt, &job.UpdatedAt)
}

// claimSQL leases the oldest runnable jobs. A job is skipped while an earlier
// job with the same ordering key is pending or running, which includes
// pending jobs waiting out a backoff.
const claimSQL = `
	WITH next AS (
		SELECT j.id FROM job j
		WHERE ((j.status = 'pending' AND j.run_at <= now())
			OR (j.status = 'running' AND j.locked_until < now()))
		  AND (j.ordering_key = '' OR NOT EXISTS (
			SELECT 1 FROM job e
			WHERE e.ordering_key = j.ordering_key
			  AND e.seq < j.seq
			  AND e.status IN ('pending', 'running')))
		ORDER BY j.seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE job SET status = 'running', attempts = job.attempts + 1,
		locked_until = now() + make_interval(secs => $2), updated_at = now()
	FROM next WHERE job.id = next.id
	RETURNING job.id, job.seq, job.kind, job.ordering_key, job.payload, job.status,
		job.attempts, job.max_attempts, job.run_at, job.locked_until, job.last_error,
		job.created_at, job.updated_at`

func (s *pgStore) Claim(ctx context.Context, n int, lease time.Duration) ([]*Job, error) {
	rows, err := s.conn(ctx).Query(ctx, claimSQL, n, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Seq < jobs[b].Seq })
	return jobs, nil
}

func (s *pgStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Ack(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, `
		UPDATE job SET status = 'done', locked_until = NULL, updated_at = now()
		WHERE id = $1`, id)
}

func (s *pgStore) Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return s.exec(ctx, `
		UPDATE job SET status = 'pending', run_at = $2, locked_until = NULL,
			last_error = $3, updated_at = now()
		WHERE id = $1`, id, runAt, lastErr)
}

func (s *pgStore) Bury(ctx context.Context, id uuid.UUID, lastErr string) error {
	return s.exec(ctx, `
		UPDATE job SET status = 'dead', locked_until = NULL, last_error = $2, updated_at = now()
		WHERE id = $1`, id, lastErr)
}

func (s *pgStore) Requeue(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.conn(ctx).QueryRow(ctx, `
		UPDATE job SET status = 'pending', attempts = 0, run_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'dead'
		RETURNING `+jobCols, id))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM job WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *pgStore) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Job, int, error) {
	q := db.NewListQuery("job", jobCols)
	q.Eq("status", string(filter.Status))
	q.Eq("kind", filter.Kind)
	q.Eq("ordering_key", filter.OrderingKey)
	q.OrderBy("seq DESC")

	var total int
	if err := s.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, j)
	}
	return items, total, rows.Err()
}
