package fees

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists fee configurations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fee config store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, cfg *Config) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_configs (id, buyer_fee_bps, earner_fee_bps, active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cfg.ID, cfg.BuyerFeeBPS, cfg.EarnerFeeBPS, cfg.Active, cfg.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ActiveAt(ctx context.Context, at time.Time) (*Config, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_fee_bps, earner_fee_bps, active, created_at
		FROM fee_configs
		WHERE active = TRUE AND created_at <= $1
		ORDER BY created_at DESC
		LIMIT 1`, at)

	cfg := &Config{}
	err := row.Scan(&cfg.ID, &cfg.BuyerFeeBPS, &cfg.EarnerFeeBPS, &cfg.Active, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveConfig
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Config, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, buyer_fee_bps, earner_fee_bps, active, created_at
		FROM fee_configs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Config
	for rows.Next() {
		cfg := &Config{}
		if err := rows.Scan(&cfg.ID, &cfg.BuyerFeeBPS, &cfg.EarnerFeeBPS, &cfg.Active, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
