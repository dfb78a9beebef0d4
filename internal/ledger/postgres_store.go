package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Amount columns are
// NUMERIC(20,6); CHECK constraints enforce non-negativity at the
// database level so a racing mutation can never drive a balance
// negative even if the application check is bypassed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT current_balance, available_for_payout, total_earnings, total_spent, held_in_escrow, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&bal.CurrentBalance, &bal.AvailableForPayout, &bal.TotalEarnings, &bal.TotalSpent, &bal.HeldInEscrow, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			UserID:             userID,
			CurrentBalance:     "0",
			AvailableForPayout: "0",
			TotalEarnings:      "0",
			TotalSpent:         "0",
			HeldInEscrow:       "0",
			UpdatedAt:          time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) CreditEscrow(ctx context.Context, payerID, amount string) error {
	if _, err := ParseAmount(amount); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, total_spent, held_in_escrow, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_spent    = balances.total_spent    + $2::NUMERIC(20,6),
			held_in_escrow = balances.held_in_escrow + $2::NUMERIC(20,6),
			updated_at     = NOW()
	`, payerID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit escrow: %w", err)
	}
	return nil
}

// ReleaseMilestone touches two balance rows in one transaction. Rows are
// locked in ascending user-id order so two concurrent releases for the
// same pair of users can never deadlock.
func (p *PostgresStore) ReleaseMilestone(ctx context.Context, payerID, earnerID, grossAmount, netAmount string, hold *PayoutHold) error {
	if _, err := ParseAmount(grossAmount); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure both rows exist before locking (lazily-created balances).
	for _, id := range []string{payerID, earnerID} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balances (user_id, updated_at) VALUES ($1, NOW())
			ON CONFLICT (user_id) DO NOTHING
		`, id); err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}
	}

	// Canonical lock order: ascending user id.
	first, second := payerID, earnerID
	if strings.Compare(second, first) < 0 {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := tx.ExecContext(ctx,
			`SELECT 1 FROM balances WHERE user_id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("failed to lock balance row: %w", err)
		}
	}

	// Debit payer escrow; the shortfall check happens before mutation.
	var held string
	if err := tx.QueryRowContext(ctx,
		`SELECT held_in_escrow FROM balances WHERE user_id = $1`, payerID).Scan(&held); err != nil {
		return fmt.Errorf("failed to read payer escrow: %w", err)
	}
	var enough bool
	if err := tx.QueryRowContext(ctx,
		`SELECT $1::NUMERIC(20,6) >= $2::NUMERIC(20,6)`, held, grossAmount).Scan(&enough); err != nil {
		return err
	}
	if !enough {
		return ErrEscrowShortfall
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			held_in_escrow = held_in_escrow - $2::NUMERIC(20,6),
			updated_at     = NOW()
		WHERE user_id = $1
	`, payerID, grossAmount); err != nil {
		return fmt.Errorf("failed to debit payer escrow: %w", err)
	}

	// Credit earner net of fees.
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			current_balance = current_balance + $2::NUMERIC(20,6),
			total_earnings  = total_earnings  + $2::NUMERIC(20,6),
			updated_at      = NOW()
		WHERE user_id = $1
	`, earnerID, netAmount); err != nil {
		return fmt.Errorf("failed to credit earner: %w", err)
	}

	// Create the maturity hold.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payout_holds (id, user_id, project_ref, amount, hold_until, released, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, FALSE, $6)
	`, hold.ID, hold.UserID, hold.ProjectRef, hold.Amount, hold.HoldUntil, hold.CreatedAt); err != nil {
		return fmt.Errorf("failed to create payout hold: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) SweepMaturedHolds(ctx context.Context, userID string, now time.Time) (*SweepResult, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the balance row first (same order as every other op), then
	// the matured holds.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, updated_at) VALUES ($1, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT 1 FROM balances WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM payout_holds
		WHERE user_id = $1 AND released = FALSE AND hold_until <= $2
		FOR UPDATE
	`, userID, now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		// Nothing matured: idempotent no-op.
		return &SweepResult{UserID: userID, Swept: "0.000000", Matured: 0}, tx.Commit()
	}

	var swept string
	if err := tx.QueryRowContext(ctx, `
		UPDATE payout_holds SET released = TRUE
		WHERE id = ANY($1)
		RETURNING (SELECT COALESCE(SUM(amount), 0) FROM payout_holds WHERE id = ANY($1))
	`, pq.Array(ids)).Scan(&swept); err != nil {
		return nil, fmt.Errorf("failed to release holds: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			available_for_payout = available_for_payout + $2::NUMERIC(20,6),
			updated_at           = NOW()
		WHERE user_id = $1
	`, userID, swept); err != nil {
		return nil, fmt.Errorf("failed to credit available balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SweepResult{UserID: userID, Swept: swept, Matured: len(ids)}, nil
}

func (p *PostgresStore) DebitForTransfer(ctx context.Context, userID, amount string) error {
	if _, err := ParseAmount(amount); err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE balances SET
			current_balance      = current_balance      - $2::NUMERIC(20,6),
			available_for_payout = available_for_payout - $2::NUMERIC(20,6),
			updated_at           = NOW()
		WHERE user_id = $1 AND available_for_payout >= $2::NUMERIC(20,6)
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientAvailable
	}
	return nil
}

func (p *PostgresStore) RestoreTransferDebit(ctx context.Context, userID, amount string) error {
	if _, err := ParseAmount(amount); err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE balances SET
			current_balance      = current_balance      + $2::NUMERIC(20,6),
			available_for_payout = available_for_payout + $2::NUMERIC(20,6),
			updated_at           = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to restore balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) OverwriteEscrowTotals(ctx context.Context, payerID, totalSpent, heldInEscrow string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, total_spent, held_in_escrow, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $3::NUMERIC(20,6), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_spent    = $2::NUMERIC(20,6),
			held_in_escrow = $3::NUMERIC(20,6),
			updated_at     = NOW()
	`, payerID, totalSpent, heldInEscrow)
	if err != nil {
		return fmt.Errorf("failed to overwrite escrow totals: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListHolds(ctx context.Context, userID string, limit int) ([]*PayoutHold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, project_ref, amount, hold_until, released, created_at
		FROM payout_holds
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PayoutHold
	for rows.Next() {
		h := &PayoutHold{}
		if err := rows.Scan(&h.ID, &h.UserID, &h.ProjectRef, &h.Amount, &h.HoldUntil, &h.Released, &h.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListUsersWithMaturedHolds(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM payout_holds
		WHERE released = FALSE AND hold_until <= $1
		LIMIT $2
	`, before, limit)
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

func (p *PostgresStore) SumAllBalances(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(current_balance), 0),
			COALESCE(SUM(available_for_payout), 0),
			COALESCE(SUM(held_in_escrow), 0),
			COALESCE(SUM(total_earnings), 0),
			COALESCE(SUM(total_spent), 0)
		FROM balances
	`).Scan(&t.CurrentBalance, &t.AvailableForPayout, &t.HeldInEscrow, &t.TotalEarnings, &t.TotalSpent)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
