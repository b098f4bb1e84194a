package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Credit Ledger ──────────────────────────────────────────────────────────

// PostSettlement writes the double-entry pair for a settled payment:
// DEBIT reward_pool, CREDIT agent:<id>. Both entries share the payment's
// idempotency key, so reposting the same payment is a no-op.
func (d *DB) PostSettlement(ctx context.Context, p domain.PaymentRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := d.postSettlementTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) postSettlementTx(ctx context.Context, tx *sql.Tx, p domain.PaymentRecord) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE idempotency_key = ?`, p.IdempotencyKey,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	ts := d.now()
	desc := fmt.Sprintf("reward for task %s via %s", p.TaskID, p.Rail)
	legs := []struct {
		entry   domain.EntryType
		account string
		delta   domain.Amount
	}{
		{domain.EntryDebit, domain.AccountRewardPool, -p.SettledAmount},
		{domain.EntryCredit, domain.AgentAccount(p.AgentID), p.SettledAmount},
	}
	for _, leg := range legs {
		bal, err := balanceTx(ctx, tx, leg.account, p.SettledCurrency)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credit_ledger (timestamp, entry_type, account, currency, amount, idempotency_key, description, balance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ts.UnixNano(), string(leg.entry), leg.account, p.SettledCurrency,
			int64(p.SettledAmount), p.IdempotencyKey, desc, int64(bal+leg.delta),
		)
		if err != nil {
			return fmt.Errorf("post %s %s: %w", leg.entry, leg.account, err)
		}
	}
	return nil
}

// CreditBalance returns the current balance of an account in a currency.
func (d *DB) CreditBalance(ctx context.Context, account, currency string) (domain.Amount, error) {
	var balance sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_ledger WHERE account = ? AND currency = ? ORDER BY id DESC LIMIT 1`,
		account, currency,
	).Scan(&balance)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return domain.Amount(balance.Int64), nil
}

// Balances returns the current balance of an account in every currency it
// has entries for.
func (d *DB) Balances(ctx context.Context, account string) (map[string]domain.Amount, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT currency, balance FROM credit_ledger
		 WHERE id IN (SELECT MAX(id) FROM credit_ledger WHERE account = ? GROUP BY currency)`,
		account,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Amount)
	for rows.Next() {
		var currency string
		var balance int64
		if err := rows.Scan(&currency, &balance); err != nil {
			return nil, err
		}
		out[currency] = domain.Amount(balance)
	}
	return out, rows.Err()
}

// LedgerEntries returns recent ledger entries for an account, newest first.
func (d *DB) LedgerEntries(ctx context.Context, account string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, timestamp, entry_type, account, currency, amount, idempotency_key, description, balance
		 FROM credit_ledger WHERE account = ? ORDER BY id DESC LIMIT ?`,
		account, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var ts int64
		var entryType string
		var desc sql.NullString
		err := rows.Scan(&e.ID, &ts, &entryType, &e.Account, &e.Currency,
			&e.Amount, &e.IdempotencyKey, &desc, &e.Balance)
		if err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		e.EntryType = domain.EntryType(entryType)
		e.Description = desc.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerTotals sums debits and credits per currency.
func (d *DB) LedgerTotals(ctx context.Context) ([]domain.LedgerTotal, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT currency,
		        COALESCE(SUM(CASE WHEN entry_type = 'DEBIT' THEN amount END), 0),
		        COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount END), 0)
		 FROM credit_ledger GROUP BY currency ORDER BY currency`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.LedgerTotal
	for rows.Next() {
		var t domain.LedgerTotal
		if err := rows.Scan(&t.Currency, &t.Debits, &t.Credits); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// UnpostedSettlements returns SETTLED payments with no ledger entries.
func (d *DB) UnpostedSettlements(ctx context.Context, limit int) ([]domain.PaymentRecord, error) {
	return d.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = ? AND idempotency_key NOT IN (SELECT idempotency_key FROM credit_ledger)
		 ORDER BY updated_at LIMIT ?`,
		string(domain.PaymentSettled), limit,
	)
}

func balanceTx(ctx context.Context, tx *sql.Tx, account, currency string) (domain.Amount, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_ledger WHERE account = ? AND currency = ? ORDER BY id DESC LIMIT 1`,
		account, currency,
	).Scan(&balance)
	if isNoRows(err) {
		return 0, nil
	}
	return domain.Amount(balance), err
}
