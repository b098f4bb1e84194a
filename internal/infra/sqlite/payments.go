package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Payment Ledger ─────────────────────────────────────────────────────────
// Every state change is a compare-and-set on (status, claim_token) so that at
// most one dispatch can be in flight per idempotency key.

const paymentColumns = `idempotency_key, task_id, agent_id, status, rail, quote_amount, quote_currency,
	settled_amount, settled_currency, rate, external_reference, attempts, last_error,
	claim_token, claimed_at, created_at, updated_at`

// CreatePayment inserts a PENDING record. It reports false when the key is
// already known, in which case nothing is written.
func (d *DB) CreatePayment(ctx context.Context, p domain.PaymentRecord) (bool, error) {
	now := d.now()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO payments (idempotency_key, task_id, agent_id, status, rail, quote_amount, quote_currency,
		                       settled_currency, rate, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		p.IdempotencyKey, p.TaskID, p.AgentID, string(domain.PaymentPending), p.Rail,
		int64(p.QuoteAmount), p.QuoteCurrency, p.SettledCurrency, p.Rate, p.LastError,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetPayment returns the record for a key, or nil, nil.
func (d *DB) GetPayment(ctx context.Context, key string) (*domain.PaymentRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, key)
	p, err := scanPayment(row)
	if isNoRows(err) {
		return nil, nil
	}
	return p, err
}

// ClaimPayment grants token the right to dispatch a PENDING payment. A claim
// older than lease is considered abandoned and may be taken over.
func (d *DB) ClaimPayment(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	now := d.now()
	res, err := d.db.ExecContext(ctx,
		`UPDATE payments SET claim_token = ?, claimed_at = ?, updated_at = ?
		 WHERE idempotency_key = ? AND status = ?
		   AND (claim_token = '' OR claimed_at < ?)`,
		token, now.UnixNano(), now.UnixNano(), key, string(domain.PaymentPending),
		now.Add(-lease).UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateConversion records the rate and target currency chosen for a claimed
// payment before dispatch.
func (d *DB) UpdateConversion(ctx context.Context, key, token string, settled domain.Amount, currency string, rate float64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE payments SET settled_amount = ?, settled_currency = ?, rate = ?, updated_at = ?
		 WHERE idempotency_key = ? AND claim_token = ? AND status = ?`,
		int64(settled), currency, rate, d.now().UnixNano(), key, token, string(domain.PaymentPending),
	)
	return err
}

// MarkSettled moves a claimed payment to SETTLED and posts it to the credit
// ledger in the same transaction.
func (d *DB) MarkSettled(ctx context.Context, key, token, reference string, attempts int) (*domain.PaymentRecord, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, external_reference = ?, attempts = attempts + ?,
		                     last_error = '', claim_token = '', claimed_at = NULL, updated_at = ?
		 WHERE idempotency_key = ? AND claim_token = ? AND status = ?`,
		string(domain.PaymentSettled), reference, attempts, d.now().UnixNano(),
		key, token, string(domain.PaymentPending),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("settle %s: claim lost: %w", key, domain.ErrInvalidTransition)
	}

	p, err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, key))
	if err != nil {
		return nil, err
	}
	if err := d.postSettlementTx(ctx, tx, *p); err != nil {
		return nil, err
	}
	return p, tx.Commit()
}

// MarkFailed moves a claimed payment to FAILED after retries were exhausted.
func (d *DB) MarkFailed(ctx context.Context, key, token, lastErr string, attempts int) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, last_error = ?, attempts = attempts + ?,
		                     claim_token = '', claimed_at = NULL, updated_at = ?
		 WHERE idempotency_key = ? AND claim_token = ? AND status = ?`,
		string(domain.PaymentFailed), lastErr, attempts, d.now().UnixNano(),
		key, token, string(domain.PaymentPending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("fail %s: claim lost: %w", key, domain.ErrInvalidTransition)
	}
	return nil
}

// ReleasePayment gives up a claim without changing status, leaving the
// payment PENDING for the reconciler.
func (d *DB) ReleasePayment(ctx context.Context, key, token, lastErr string, attempts int) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE payments SET last_error = ?, attempts = attempts + ?, claim_token = '', claimed_at = NULL, updated_at = ?
		 WHERE idempotency_key = ? AND claim_token = ? AND status = ?`,
		lastErr, attempts, d.now().UnixNano(), key, token, string(domain.PaymentPending),
	)
	return err
}

// ResetPayment moves a FAILED payment back to PENDING so it can be retried.
func (d *DB) ResetPayment(ctx context.Context, key string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, claim_token = '', claimed_at = NULL, updated_at = ?
		 WHERE idempotency_key = ? AND status = ?`,
		string(domain.PaymentPending), d.now().UnixNano(), key, string(domain.PaymentFailed),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	p, err := d.GetPayment(ctx, key)
	if err != nil {
		return err
	}
	if p == nil {
		return domain.ErrPaymentNotFound
	}
	return fmt.Errorf("reset %s from %s: %w", key, p.Status, domain.ErrInvalidTransition)
}

// ListPayments returns payments in a status, most recently updated first.
// An empty status lists every payment.
func (d *DB) ListPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)
	return d.queryPayments(ctx, query, args...)
}

// StalePending returns PENDING payments untouched since cutoff and not held
// by a live claim. These are the reconciler's work list.
func (d *DB) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
	return d.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = ? AND updated_at < ? AND (claim_token = '' OR claimed_at < ?)
		 ORDER BY updated_at ASC LIMIT ?`,
		string(domain.PaymentPending), cutoff.UnixNano(), cutoff.UnixNano(), limit,
	)
}

// SumSettled totals the quoted amounts of an agent's settled payments.
func (d *DB) SumSettled(ctx context.Context, agentID string) (domain.Amount, error) {
	var total sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT SUM(quote_amount) FROM payments WHERE agent_id = ? AND status = ?`,
		agentID, string(domain.PaymentSettled),
	).Scan(&total)
	return domain.Amount(total.Int64), err
}

// PaymentCounts returns the number of payments per status.
func (d *DB) PaymentCounts(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM payments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.PaymentStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.PaymentStatus(s)] = n
	}
	return out, rows.Err()
}

func (d *DB) queryPayments(ctx context.Context, query string, args ...any) ([]domain.PaymentRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(s scanner) (*domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	var status string
	var claimed sql.NullInt64
	var created, updated int64
	err := s.Scan(&p.IdempotencyKey, &p.TaskID, &p.AgentID, &status, &p.Rail,
		&p.QuoteAmount, &p.QuoteCurrency, &p.SettledAmount, &p.SettledCurrency, &p.Rate,
		&p.ExternalReference, &p.Attempts, &p.LastError, &p.ClaimToken, &claimed,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	p.ClaimedAt = fromUnix(claimed)
	p.CreatedAt = time.Unix(0, created)
	p.UpdatedAt = time.Unix(0, updated)
	return &p, nil
}
