package escrow

import (
	"context"
	"database/sql"
)

// PostgresReleaseStore persists release audit rows in PostgreSQL.
type PostgresReleaseStore struct {
	db *sql.DB
}

// NewPostgresReleaseStore creates a new PostgreSQL-backed release store.
func NewPostgresReleaseStore(db *sql.DB) *PostgresReleaseStore {
	return &PostgresReleaseStore{db: db}
}

func (p *PostgresReleaseStore) Create(ctx context.Context, r *Release) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO releases (
			id, project_ref, payer_id, earner_id, gross_amount, net_amount,
			hold_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7, $8
		)`,
		r.ID, r.ProjectRef, r.PayerID, r.EarnerID, r.GrossAmount, r.NetAmount,
		r.HoldID, r.CreatedAt,
	)
	return err
}

func (p *PostgresReleaseStore) ListByEarner(ctx context.Context, earnerID string, limit int) ([]*Release, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project_ref, payer_id, earner_id, gross_amount, net_amount,
		       hold_id, created_at
		FROM releases
		WHERE earner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, earnerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReleases(rows)
}

func (p *PostgresReleaseStore) ListByProject(ctx context.Context, projectRef string) ([]*Release, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project_ref, payer_id, earner_id, gross_amount, net_amount,
		       hold_id, created_at
		FROM releases
		WHERE project_ref = $1
		ORDER BY created_at`, projectRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReleases(rows)
}

func (p *PostgresReleaseStore) SumGrossByPayer(ctx context.Context, payerID string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_ref, COALESCE(SUM(gross_amount), 0)::TEXT
		FROM releases
		WHERE payer_id = $1
		GROUP BY project_ref`, payerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var ref, sum string
		if err := rows.Scan(&ref, &sum); err != nil {
			return nil, err
		}
		result[ref] = sum
	}
	return result, rows.Err()
}

func scanReleases(rows *sql.Rows) ([]*Release, error) {
	var result []*Release
	for rows.Next() {
		r := &Release{}
		if err := rows.Scan(
			&r.ID, &r.ProjectRef, &r.PayerID, &r.EarnerID, &r.GrossAmount, &r.NetAmount,
			&r.HoldID, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresReleaseStore implements ReleaseStore.
var _ ReleaseStore = (*PostgresReleaseStore)(nil)
