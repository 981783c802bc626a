package payments

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payments in PostgreSQL. The tx_hash primary key
// is the duplicate guard.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (tx_hash, api_id, amount, payer_address, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		strings.ToLower(rec.TxHash), rec.APIID, rec.Amount, rec.PayerAddress, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicatePayment
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, txHash string) (*Record, error) {
	rec := &Record{}
	err := p.db.QueryRowContext(ctx, `
		SELECT tx_hash, api_id, amount, payer_address, status, created_at
		FROM payments WHERE tx_hash = $1`, strings.ToLower(txHash),
	).Scan(&rec.TxHash, &rec.APIID, &rec.Amount, &rec.PayerAddress, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) Revenue(ctx context.Context, apiID string, since time.Time) (Revenue, error) {
	var out Revenue
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*), COUNT(DISTINCT payer_address)
		FROM payments
		WHERE api_id = $1 AND created_at >= $2`, apiID, since,
	).Scan(&out.Total, &out.PaymentCount, &out.UniquePayers)
	return out, err
}
