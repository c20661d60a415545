package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaclaims/shaclaims/internal/platform/db"
)

const inFlightConstraint = "uq_payment_claim_inflight"

type paymentRepoPG struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &paymentRepoPG{pool: pool, tx: db.NewTransactor(pool)}
}

func (r *paymentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const paymentCols = `id, hospital_id, claim_id, type, amount, phone_number, status,
	checkout_request_id, merchant_request_id, receipt_number, transaction_date, result_code,
	result_desc, attempt, requested_at, reconciled_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.HospitalID, &p.ClaimID, &p.Type, &p.Amount, &p.PhoneNumber, &p.Status,
		&p.CheckoutRequestID, &p.MerchantRequestID, &p.ReceiptNumber, &p.TransactionDate, &p.ResultCode,
		&p.ResultDesc, &p.Attempt, &p.RequestedAt, &p.ReconciledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func isInFlightViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == inFlightConstraint
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, hospital_id, claim_id, type, amount, phone_number, status,
			checkout_request_id, merchant_request_id, receipt_number, transaction_date, result_code,
			result_desc, attempt, requested_at, reconciled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		p.ID, p.HospitalID, p.ClaimID, p.Type, p.Amount, p.PhoneNumber, p.Status,
		p.CheckoutRequestID, p.MerchantRequestID, p.ReceiptNumber, p.TransactionDate, p.ResultCode,
		p.ResultDesc, p.Attempt, p.RequestedAt, p.ReconciledAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isInFlightViolation(err) {
		return ErrInFlight
	}
	return err
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
}

func (r *paymentRepoPG) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE checkout_request_id = $1`, checkoutRequestID))
}

func (r *paymentRepoPG) InFlightForClaim(ctx context.Context, claimID uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `
		SELECT `+paymentCols+` FROM payment
		WHERE claim_id = $1 AND status IN ('pending', 'processing')`, claimID))
}

func (r *paymentRepoPG) CountForClaim(ctx context.Context, claimID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payment WHERE claim_id = $1`, claimID).Scan(&n)
	return n, err
}

func (r *paymentRepoPG) Update(ctx context.Context, id uuid.UUID, fn func(p *Payment) error) (*Payment, error) {
	var out *Payment
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		p, err := scanPayment(r.conn(ctx).QueryRow(ctx,
			`SELECT `+paymentCols+` FROM payment WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			if errors.Is(err, db.ErrSkipUpdate) {
				out = p
				return nil
			}
			return err
		}
		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE payment SET status=$2, checkout_request_id=$3, merchant_request_id=$4,
				receipt_number=$5, transaction_date=$6, result_code=$7, result_desc=$8,
				reconciled_at=$9, updated_at=NOW()
			WHERE id = $1
			RETURNING updated_at`,
			id, p.Status, p.CheckoutRequestID, p.MerchantRequestID, p.ReceiptNumber,
			p.TransactionDate, p.ResultCode, p.ResultDesc, p.ReconciledAt,
		).Scan(&p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

func (r *paymentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Payment, int, error) {
	q := db.NewListQuery("payment", paymentCols)
	q.Eq("status", string(f.Status))
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q.In("status", statuses)
	}
	q.Eq("type", string(f.Type))
	if f.HospitalID != uuid.Nil {
		q.EqAny("hospital_id", f.HospitalID)
	}
	if f.ClaimID != uuid.Nil {
		q.EqAny("claim_id", f.ClaimID)
	}
	if !f.RequestedBefore.IsZero() {
		q.Add(fmt.Sprintf("requested_at < $%d", q.Idx()), f.RequestedBefore)
	}
	q.OrderBy("requested_at DESC, attempt DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
