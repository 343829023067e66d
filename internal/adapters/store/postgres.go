// Package store persists chat messages in the platform's durable store.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/app"
)

// Postgres wraps a pgx pool. The gateway only writes chat messages; the rest
// of the platform owns the schema and everything else in it.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// SaveMessage inserts one chat message. Called fire-and-forget off the
// delivery path; an error here costs durability, never delivery.
func (p *Postgres) SaveMessage(ctx context.Context, m app.ChatRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_messages (room_id, sender_id, sender_name, body, sent_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.RoomID, string(m.SenderID), m.SenderName, m.Text, m.SentAt)
	if err != nil {
		return err
	}
	log.Debug().Str("module", "store.postgres").Str("room", m.RoomID).Msg("chat message saved")
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }
