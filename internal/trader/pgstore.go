package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists traders in a single table with the filter as
// JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store and ensures its schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS traders (
			id          TEXT PRIMARY KEY,
			user_id     TEXT,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled     BOOLEAN NOT NULL DEFAULT true,
			access_tier TEXT NOT NULL DEFAULT 'FREE',
			filter      JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate traders table: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Trader, error) {
	query := `
		SELECT id, user_id, name, description, enabled, access_tier, filter, created_at, updated_at
		FROM traders
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list traders: %w", err)
	}
	defer rows.Close()

	var traders []Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, err
		}
		traders = append(traders, t)
	}
	return traders, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Trader, error) {
	query := `
		SELECT id, user_id, name, description, enabled, access_tier, filter, created_at, updated_at
		FROM traders
		WHERE id = $1
	`
	t, err := scanTrader(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Trader{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) Put(ctx context.Context, t Trader) error {
	if err := t.Validate(); err != nil {
		return err
	}

	filter, err := json.Marshal(t.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}

	query := `
		INSERT INTO traders (id, user_id, name, description, enabled, access_tier, filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			access_tier = EXCLUDED.access_tier,
			filter = EXCLUDED.filter,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.UserID, t.Name, t.Description, t.Enabled, string(t.AccessTier),
		filter, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert trader %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM traders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trader %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrader(row pgx.Row) (Trader, error) {
	var t Trader
	var tier string
	var filter []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.Description, &t.Enabled, &tier,
		&filter, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Trader{}, err
	}
	t.AccessTier = Tier(tier)
	if err := json.Unmarshal(filter, &t.Filter); err != nil {
		return Trader{}, fmt.Errorf("unmarshal filter for %s: %w", t.ID, err)
	}
	return t, nil
}
