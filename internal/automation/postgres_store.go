package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/x402gate/internal/pagination"
)

// PostgresStore persists rules and decisions in PostgreSQL. Actions are
// stored as JSONB in their kind-tagged form.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed automation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, api_id, name, enabled, triggers, actions, created_at`

func (p *PostgresStore) CreateRule(ctx context.Context, r *Rule) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	triggers := make([]string, len(r.Triggers))
	for i, t := range r.Triggers {
		triggers[i] = string(t)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.APIID, r.Name, r.Enabled, pq.Array(triggers), actions, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetRule(ctx context.Context, apiID, id string) (*Rule, error) {
	r, err := scanRule(p.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1 AND api_id = $2`, id, apiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRules(ctx context.Context, apiID string) ([]*Rule, error) {
	return p.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE api_id = $1 ORDER BY created_at, id`, apiID)
}

func (p *PostgresStore) EnabledRules(ctx context.Context, apiID string) ([]*Rule, error) {
	return p.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE api_id = $1 AND enabled ORDER BY created_at, id`, apiID)
}

func (p *PostgresStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetRuleEnabled(ctx context.Context, apiID, id string, enabled bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE automation_rules SET enabled = $3 WHERE id = $1 AND api_id = $2`, id, apiID, enabled)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) DeleteRule(ctx context.Context, apiID, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM automation_rules WHERE id = $1 AND api_id = $2`, id, apiID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) AppendDecision(ctx context.Context, d *Decision) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO automation_decisions (id, api_id, rule_id, reason, old_price, new_price, clamped, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.APIID, d.RuleID, d.Reason, d.OldPrice, d.NewPrice, d.Clamped, d.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListDecisions(ctx context.Context, apiID string, after *pagination.Cursor, limit int) ([]*Decision, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id, api_id, rule_id, reason, old_price, new_price, clamped, created_at`
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM automation_decisions
			WHERE api_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, apiID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM automation_decisions
			WHERE api_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, apiID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Decision
	for rows.Next() {
		d := &Decision{}
		if err := rows.Scan(&d.ID, &d.APIID, &d.RuleID, &d.Reason, &d.OldPrice, &d.NewPrice, &d.Clamped, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(sc scanner) (*Rule, error) {
	r := &Rule{}
	var (
		triggers pq.StringArray
		actions  []byte
	)
	if err := sc.Scan(&r.ID, &r.APIID, &r.Name, &r.Enabled, &triggers, &actions, &r.CreatedAt); err != nil {
		return nil, err
	}
	for _, t := range triggers {
		r.Triggers = append(r.Triggers, EventType(t))
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions for rule %s: %w", r.ID, err)
	}
	return r, nil
}
