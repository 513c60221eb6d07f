package trace

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

const defaultPostgresSchema = `
CREATE TABLE IF NOT EXISTS domain_events (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	domain     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_domain_events_domain_type ON domain_events(domain, event_type);
`

// PostgresSink mirrors events into a shared domain_events table so several
// domains can be audited from one place.
type PostgresSink struct {
	DB *pgxpool.Pool
}

var _ Sink = (*PostgresSink)(nil)

func NewPostgresSink(ctx context.Context, connStr string) (*PostgresSink, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to Postgres")
	}
	s := &PostgresSink{DB: db}
	if err := s.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) CreateSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, defaultPostgresSchema); err != nil {
		return goerr.Wrap(err, "create domain_events schema")
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, ev model.Event) error {
	if s == nil || s.DB == nil {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return goerr.Wrap(err, "encode payload")
	}
	_, err = s.DB.Exec(ctx,
		`INSERT INTO domain_events (ts, domain, event_type, status, payload) VALUES ($1, $2, $3, $4, $5::jsonb)`,
		ev.Timestamp, ev.Domain, string(ev.EventType), string(ev.Status), string(payload),
	)
	if err != nil {
		return goerr.Wrap(err, "insert domain event", goerr.V("type", ev.EventType))
	}
	return nil
}

func (s *PostgresSink) Close(context.Context) error {
	if s != nil && s.DB != nil {
		s.DB.Close()
	}
	return nil
}
