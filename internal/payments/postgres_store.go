package payments

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payment records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, project_ref, payer_id, gross_base, processor_fee, payer_total,
		       earner_net, fee_config_id, status, external_txn_id, confirmed_at,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pm *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, project_ref, payer_id, gross_base, processor_fee, payer_total,
			earner_net, fee_config_id, status, external_txn_id, confirmed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,6),
			$7::NUMERIC(20,6), $8, $9, $10, $11,
			$12, $13
		)`,
		pm.ID, pm.ProjectRef, pm.PayerID, pm.GrossBase, pm.ProcessorFee, pm.PayerTotal,
		pm.EarnerNet, pm.FeeConfigID, string(pm.Status), nullString(pm.ExternalTxnID), nullTime(pm.ConfirmedAt),
		pm.CreatedAt, pm.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pm, err
}

func (p *PostgresStore) LatestPaidByProject(ctx context.Context, projectRef string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE project_ref = $1 AND status = 'paid'
		ORDER BY created_at DESC
		LIMIT 1`, projectRef)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pm, err
}

func (p *PostgresStore) LatestByProject(ctx context.Context, projectRef string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE project_ref = $1
		ORDER BY created_at DESC
		LIMIT 1`, projectRef)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pm, err
}

// MarkPaid is the checked-and-set pending→paid transition. The status
// guard is inside the UPDATE, so a duplicate confirmation affects zero
// rows and reports applied=false.
func (p *PostgresStore) MarkPaid(ctx context.Context, id, externalTxnID string, confirmedAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = 'paid', external_txn_id = $2, confirmed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, nullString(externalTxnID), confirmedAt)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish "already paid" from "no such payment".
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrPaymentNotFound
	}
	return false, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, payerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListPaidByPayer(ctx context.Context, payerID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payer_id = $1 AND status = 'paid'
		ORDER BY created_at`, payerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListPayerIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT payer_id FROM payments
		WHERE status = 'paid'
		ORDER BY payer_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pm := &Payment{}
	var (
		status        string
		externalTxnID sql.NullString
		confirmedAt   sql.NullTime
	)

	err := s.Scan(
		&pm.ID, &pm.ProjectRef, &pm.PayerID, &pm.GrossBase, &pm.ProcessorFee, &pm.PayerTotal,
		&pm.EarnerNet, &pm.FeeConfigID, &status, &externalTxnID, &confirmedAt,
		&pm.CreatedAt, &pm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pm.Status = Status(status)
	pm.ExternalTxnID = externalTxnID.String
	if confirmedAt.Valid {
		pm.ConfirmedAt = &confirmedAt.Time
	}
	return pm, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
