package endpoints

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/x402gate/internal/pagination"
)

// PostgresStore persists endpoints in PostgreSQL. The price bounds are
// also enforced by a CHECK constraint.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed endpoint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const endpointColumns = `id, name, original_url, price_per_request, min_price, max_price,
	network, stacks_address, facilitator_url, is_active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Endpoint) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wrapped_endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Name, e.OriginalURL, e.PricePerRequest, e.MinPrice, e.MaxPrice,
		string(e.Network), e.StacksAddress, e.FacilitatorURL, e.IsActive, e.CreatedAt, e.UpdatedAt,
	)
	return mapError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	e, err := scanEndpoint(p.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+` FROM wrapped_endpoints WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, after *pagination.Cursor, limit int) ([]*Endpoint, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+endpointColumns+` FROM wrapped_endpoints
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+endpointColumns+` FROM wrapped_endpoints
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, e *Endpoint) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wrapped_endpoints SET
			price_per_request = $1, min_price = $2, max_price = $3,
			network = $4, stacks_address = $5, facilitator_url = $6,
			is_active = $7, updated_at = $8
		WHERE id = $9`,
		e.PricePerRequest, e.MinPrice, e.MaxPrice,
		string(e.Network), e.StacksAddress, e.FacilitatorURL,
		e.IsActive, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return mapError(err)
	}
	return requireRow(result, ErrNotFound)
}

func (p *PostgresStore) UpdatePrice(ctx context.Context, id string, expectedOld, newPrice float64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wrapped_endpoints SET price_per_request = $3, updated_at = NOW()
		WHERE id = $1 AND price_per_request = $2`,
		id, expectedOld, newPrice,
	)
	if err != nil {
		return mapError(err)
	}
	if err := requireRow(result, ErrPriceConflict); err != nil {
		if _, getErr := p.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM wrapped_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

// mapError turns the price-bounds CHECK violation (23514) into
// ErrInvalidPriceBounds.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		return ErrInvalidPriceBounds
	}
	return err
}

func requireRow(result sql.Result, none error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(sc scanner) (*Endpoint, error) {
	e := &Endpoint{}
	var network string
	err := sc.Scan(
		&e.ID, &e.Name, &e.OriginalURL, &e.PricePerRequest, &e.MinPrice, &e.MaxPrice,
		&network, &e.StacksAddress, &e.FacilitatorURL, &e.IsActive, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Network = Network(network)
	return e, nil
}
