package history

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS history_turns (
	seq          BIGSERIAL   PRIMARY KEY,
	id           UUID        NOT NULL UNIQUE,
	conversation TEXT        NOT NULL,
	role         TEXT        NOT NULL,
	text         TEXT        NOT NULL,
	at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_turns_conversation ON history_turns (conversation, seq);`

// Postgres stores history in a PostgreSQL table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn and creates the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Append(ctx context.Context, conversation string, t Turn) error {
	if err := checkTurn(t); err != nil {
		return err
	}
	const q = `
		INSERT INTO history_turns (id, conversation, role, text, at)
		VALUES ($1::uuid, $2, $3, $4, $5)`
	if _, err := p.pool.Exec(ctx, q, t.ID.String(), conversation, string(t.Role), t.Text, t.At); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, conversation string, limit int) ([]Turn, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit <= 0 {
		rows, err = p.pool.Query(ctx, `
			SELECT id::text, role, text, at FROM history_turns
			WHERE  conversation = $1
			ORDER  BY seq`, conversation)
	} else {
		rows, err = p.pool.Query(ctx, `
			SELECT id::text, role, text, at FROM history_turns
			WHERE  conversation = $1
			ORDER  BY seq DESC
			LIMIT  $2`, conversation, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var (
			id, role, text string
			at             time.Time
		)
		if err := row.Scan(&id, &role, &text, &at); err != nil {
			return Turn{}, err
		}
		uid, err := uuid.Parse(id)
		if err != nil {
			return Turn{}, err
		}
		return Turn{ID: uid, Role: Role(role), Text: text, At: at}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	if limit > 0 {
		slices.Reverse(turns)
	}
	return turns, nil
}

func (p *Postgres) Clear(ctx context.Context, conversation string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM history_turns WHERE conversation = $1`, conversation); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
