package payouts

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, user_id, amount, amount_cents, currency, destination, status,
		       external_id, failure_reason, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts (
			id, user_id, amount, amount_cents, currency, destination, status,
			external_id, failure_reason, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7,
			$8, $9, $10, $11, $12
		)`,
		po.ID, po.UserID, po.Amount, po.AmountCents, po.Currency, po.Destination, string(po.Status),
		nullString(po.ExternalID), nullString(po.FailureReason), nullTime(po.CompletedAt),
		po.CreatedAt, po.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE external_id = $1`, externalID)
	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) AttachExternalID(ctx context.Context, id, externalID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET external_id = $2, updated_at = NOW()
		WHERE id = $1
	`, id, externalID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (p *PostgresStore) MarkInTransit(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, `
		UPDATE payouts SET status = 'in_transit', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET status = 'paid', completed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_transit')
	`, id, completedAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) MarkTerminalFailure(ctx context.Context, id string, to Status, reason string) (bool, error) {
	if to != StatusFailed && to != StatusCanceled {
		return false, ErrPayoutNotFound
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_transit')
	`, id, string(to), reason)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) transition(ctx context.Context, query, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		status        string
		externalID    sql.NullString
		failureReason sql.NullString
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&po.ID, &po.UserID, &po.Amount, &po.AmountCents, &po.Currency, &po.Destination, &status,
		&externalID, &failureReason, &completedAt, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	po.Status = Status(status)
	po.ExternalID = externalID.String
	po.FailureReason = failureReason.String
	if completedAt.Valid {
		po.CompletedAt = &completedAt.Time
	}
	return po, nil
}

func scanPayouts(rows *sql.Rows) ([]*Payout, error) {
	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
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
