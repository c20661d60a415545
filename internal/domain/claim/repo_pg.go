package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaclaims/shaclaims/internal/platform/db"
)

type claimRepoPG struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &claimRepoPG{pool: pool, tx: db.NewTransactor(pool)}
}

func (r *claimRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const claimCols = `id, claim_number, hospital_id, hospital_address, status, original_documents,
	corrected_documents, analysis_result, payment, notes, flags, rejection_reason,
	submitted_at, completed_at, delivered_at, delivery_message_id, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var originals, corrected, analysis, payment, flags []byte
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.HospitalID, &c.HospitalAddress, &c.Status,
		&originals, &corrected, &analysis, &payment, &c.Notes, &flags, &c.RejectionReason,
		&c.SubmittedAt, &c.CompletedAt, &c.DeliveredAt, &c.DeliveryMessageID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(originals, &c.OriginalDocuments); err != nil {
		return nil, fmt.Errorf("decode original_documents: %w", err)
	}
	if err := json.Unmarshal(corrected, &c.CorrectedDocuments); err != nil {
		return nil, fmt.Errorf("decode corrected_documents: %w", err)
	}
	if err := json.Unmarshal(flags, &c.Flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	if analysis != nil {
		if err := json.Unmarshal(analysis, &c.AnalysisResult); err != nil {
			return nil, fmt.Errorf("decode analysis_result: %w", err)
		}
	}
	if payment != nil {
		if err := json.Unmarshal(payment, &c.Payment); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
	}
	return &c, nil
}

type claimJSON struct {
	originals, corrected, flags []byte
	analysis, payment           []byte
}

func encodeClaim(c *Claim) (*claimJSON, error) {
	var out claimJSON
	var err error
	if c.OriginalDocuments == nil {
		c.OriginalDocuments = []Document{}
	}
	if c.CorrectedDocuments == nil {
		c.CorrectedDocuments = []CorrectedDocument{}
	}
	if c.Flags == nil {
		c.Flags = []Flag{}
	}
	if out.originals, err = json.Marshal(c.OriginalDocuments); err != nil {
		return nil, err
	}
	if out.corrected, err = json.Marshal(c.CorrectedDocuments); err != nil {
		return nil, err
	}
	if out.flags, err = json.Marshal(c.Flags); err != nil {
		return nil, err
	}
	if c.AnalysisResult != nil {
		if out.analysis, err = json.Marshal(c.AnalysisResult); err != nil {
			return nil, err
		}
	}
	if c.Payment != nil {
		if out.payment, err = json.Marshal(c.Payment); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	j, err := encodeClaim(c)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim (id, claim_number, hospital_id, hospital_address, status,
			original_documents, corrected_documents, analysis_result, payment, notes, flags,
			rejection_reason, submitted_at, completed_at, delivered_at, delivery_message_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		c.ID, c.ClaimNumber, c.HospitalID, c.HospitalAddress, c.Status,
		j.originals, j.corrected, j.analysis, j.payment, c.Notes, j.flags,
		c.RejectionReason, c.SubmittedAt, c.CompletedAt, c.DeliveredAt, c.DeliveryMessageID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("claim number %s already exists: %w", c.ClaimNumber, err)
	}
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *claimRepoPG) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE claim_number = $1`, number))
}

func (r *claimRepoPG) Update(ctx context.Context, id uuid.UUID, fn func(c *Claim) error) (*Claim, error) {
	var out *Claim
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		c, err := scanClaim(r.conn(ctx).QueryRow(ctx,
			`SELECT `+claimCols+` FROM claim WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			if errors.Is(err, db.ErrSkipUpdate) {
				out = c
				return nil
			}
			return err
		}
		j, err := encodeClaim(c)
		if err != nil {
			return fmt.Errorf("encode claim: %w", err)
		}
		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE claim SET hospital_address=$2, status=$3, original_documents=$4,
				corrected_documents=$5, analysis_result=$6, payment=$7, notes=$8, flags=$9,
				rejection_reason=$10, completed_at=$11, delivered_at=$12, delivery_message_id=$13,
				updated_at=NOW()
			WHERE id = $1
			RETURNING updated_at`,
			id, c.HospitalAddress, c.Status, j.originals, j.corrected, j.analysis, j.payment,
			c.Notes, j.flags, c.RejectionReason, c.CompletedAt, c.DeliveredAt, c.DeliveryMessageID,
		).Scan(&c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

func (r *claimRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	q := db.NewListQuery("claim", claimCols)
	q.Eq("status", string(f.Status))
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q.In("status", statuses)
	}
	if f.HospitalID != uuid.Nil {
		q.EqAny("hospital_id", f.HospitalID)
	}
	q.Contains("claim_number", f.Search)
	q.Between("submitted_at", f.From, f.To)
	if f.Flagged != nil {
		if *f.Flagged {
			q.Add("jsonb_array_length(flags) > 0")
		} else {
			q.Add("jsonb_array_length(flags) = 0")
		}
	}
	q.OrderBy("submitted_at DESC, claim_number DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *claimRepoPG) CountByStatus(ctx context.Context) (map[Status]int, int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE jsonb_array_length(flags) > 0)
		FROM claim GROUP BY status`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	flagged := 0
	for rows.Next() {
		var s Status
		var n, f int
		if err := rows.Scan(&s, &n, &f); err != nil {
			return nil, 0, err
		}
		counts[s] = n
		flagged += f
	}
	return counts, flagged, rows.Err()
}
