package hospital

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaclaims/shaclaims/internal/platform/db"
)

type hospitalRepoPG struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &hospitalRepoPG{pool: pool, tx: db.NewTransactor(pool)}
}

func (r *hospitalRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const hospitalCols = `id, phone_number, whatsapp_id, name, facility_code, email, county, address,
	tier, subscription_status, claims_limit, claims_used, usage_period,
	subscription_start, subscription_end, is_active, created_at, updated_at`

func scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.PhoneNumber, &h.WhatsAppID, &h.Name, &h.FacilityCode, &h.Email,
		&h.County, &h.Address, &h.Tier, &h.SubscriptionStatus, &h.ClaimsLimit, &h.ClaimsUsed,
		&h.UsagePeriod, &h.SubscriptionStart, &h.SubscriptionEnd, &h.IsActive,
		&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hospital (id, phone_number, whatsapp_id, name, facility_code, email, county,
			address, tier, subscription_status, claims_limit, claims_used, usage_period,
			subscription_start, subscription_end, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		h.ID, h.PhoneNumber, h.WhatsAppID, h.Name, h.FacilityCode, h.Email, h.County,
		h.Address, h.Tier, h.SubscriptionStatus, h.ClaimsLimit, h.ClaimsUsed, h.UsagePeriod,
		h.SubscriptionStart, h.SubscriptionEnd, h.IsActive,
	).Scan(&h.CreatedAt, &h.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE id = $1`, id))
}

func (r *hospitalRepoPG) GetByPhone(ctx context.Context, phone string) (*Hospital, error) {
	return scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE phone_number = $1`, phone))
}

func (r *hospitalRepoPG) GetByFacilityCode(ctx context.Context, code string) (*Hospital, error) {
	return scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE facility_code = $1`, code))
}

func (r *hospitalRepoPG) Update(ctx context.Context, id uuid.UUID, fn func(h *Hospital) error) (*Hospital, error) {
	var out *Hospital
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		h, err := scanHospital(r.conn(ctx).QueryRow(ctx,
			`SELECT `+hospitalCols+` FROM hospital WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			if errors.Is(err, db.ErrSkipUpdate) {
				out = h
				return nil
			}
			return err
		}
		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE hospital SET whatsapp_id=$2, name=$3, facility_code=$4, email=$5, county=$6,
				address=$7, tier=$8, subscription_status=$9, claims_limit=$10, claims_used=$11,
				usage_period=$12, subscription_start=$13, subscription_end=$14, is_active=$15,
				updated_at=NOW()
			WHERE id = $1
			RETURNING updated_at`,
			id, h.WhatsAppID, h.Name, h.FacilityCode, h.Email, h.County, h.Address, h.Tier,
			h.SubscriptionStatus, h.ClaimsLimit, h.ClaimsUsed, h.UsagePeriod,
			h.SubscriptionStart, h.SubscriptionEnd, h.IsActive,
		).Scan(&h.UpdatedAt)
		if db.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("update hospital: %w", err)
		}
		out = h
		return nil
	})
	return out, err
}

func (r *hospitalRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Hospital, int, error) {
	q := db.NewListQuery("hospital", hospitalCols)
	q.Eq("tier", string(f.Tier))
	q.Eq("subscription_status", string(f.Status))
	if f.IsActive != nil {
		q.EqAny("is_active", *f.IsActive)
	}
	if f.County != "" {
		q.Add(fmt.Sprintf("LOWER(county) = LOWER($%d)", q.Idx()), f.County)
	}
	if f.Search != "" {
		q.Add(fmt.Sprintf("(name ILIKE $%d OR phone_number LIKE $%d)", q.Idx(), q.Idx()), "%"+f.Search+"%")
	}
	q.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

func (r *hospitalRepoPG) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hospital`).Scan(&n)
	return n, err
}
