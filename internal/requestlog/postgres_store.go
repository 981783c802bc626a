package requestlog

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists request logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed request log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_logs (id, api_id, success, response_ms, status_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.APIID, e.Success, e.ResponseMs, e.StatusCode, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Stats(ctx context.Context, apiID string, since time.Time) (Stats, error) {
	var out Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COALESCE(AVG(response_ms), 0)
		FROM request_logs
		WHERE api_id = $1 AND created_at >= $2`, apiID, since,
	).Scan(&out.Total, &out.Successful, &out.AvgResponseMs)
	return out, err
}
