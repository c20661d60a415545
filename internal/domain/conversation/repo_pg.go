package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaclaims/shaclaims/internal/platform/db"
)

type conversationRepoPG struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &conversationRepoPG{pool: pool, tx: db.NewTransactor(pool)}
}

func (r *conversationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const convCols = `id, hospital_id, whatsapp_id, last_claim_id, window_start, window_end,
	message_count, created_at, updated_at`

const msgCols = `id, seq, conversation_id, direction, type, content, media_ref, template_name,
	provider_message_id, claim_id, sent_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.HospitalID, &c.WhatsAppID, &c.LastClaimID, &c.WindowStart,
		&c.WindowEnd, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.Direction, &m.Type, &m.Content,
		&m.MediaRef, &m.TemplateName, &m.ProviderMessageID, &m.ClaimID, &m.Timestamp)
	return &m, err
}

func (r *conversationRepoPG) Append(ctx context.Context, hospitalID uuid.UUID, msg *Message, fn func(c *Conversation)) (*Conversation, error) {
	var out *Conversation
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO conversation (id, hospital_id) VALUES ($1, $2)
			ON CONFLICT (hospital_id) DO NOTHING`, uuid.New(), hospitalID); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		conv, err := scanConversation(r.conn(ctx).QueryRow(ctx,
			`SELECT `+convCols+` FROM conversation WHERE hospital_id = $1 FOR UPDATE`, hospitalID))
		if err != nil {
			return err
		}

		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		msg.ConversationID = conv.ID
		err = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO conversation_message (id, conversation_id, direction, type, content,
				media_ref, template_name, provider_message_id, claim_id, sent_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (conversation_id, provider_message_id)
				WHERE direction = 'inbound' AND provider_message_id <> '' DO NOTHING
			RETURNING seq`,
			msg.ID, msg.ConversationID, msg.Direction, msg.Type, msg.Content, msg.MediaRef,
			msg.TemplateName, msg.ProviderMessageID, msg.ClaimID, msg.Timestamp,
		).Scan(&msg.Seq)
		if db.IsNoRows(err) {
			out = conv
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		fn(conv)
		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE conversation SET whatsapp_id=$2, last_claim_id=$3, window_start=$4, window_end=$5,
				message_count = message_count + 1, updated_at=NOW()
			WHERE id = $1
			RETURNING message_count, updated_at`,
			conv.ID, conv.WhatsAppID, conv.LastClaimID, conv.WindowStart, conv.WindowEnd,
		).Scan(&conv.MessageCount, &conv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		out = conv
		return nil
	})
	return out, err
}

func (r *conversationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversation WHERE id = $1`, id))
}

func (r *conversationRepoPG) GetByHospital(ctx context.Context, hospitalID uuid.UUID) (*Conversation, error) {
	return scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversation WHERE hospital_id = $1`, hospitalID))
}

func (r *conversationRepoPG) Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+msgCols+` FROM (
			SELECT `+msgCols+` FROM conversation_message
			WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		) latest ORDER BY seq`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *conversationRepoPG) List(ctx context.Context, limit, offset int) ([]*Conversation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM conversation`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+convCols+` FROM conversation ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
