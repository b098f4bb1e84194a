package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Verification Records ───────────────────────────────────────────────────

// CreateVerification inserts an open record for a fingerprint. It reports
// false when a record already exists; the existing one is left untouched.
func (d *DB) CreateVerification(ctx context.Context, rec domain.VerificationRecord) (bool, error) {
	if rec.Round < 1 {
		rec.Round = 1
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO verification_records (fingerprint, task_id, threshold, round, consensus, decided_at)
		 VALUES (?, ?, ?, ?, 0, NULL)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.TaskID, rec.Threshold, rec.Round,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetVerification loads a record with all its attestations in arrival order.
// Returns nil, nil when the fingerprint is unknown.
func (d *DB) GetVerification(ctx context.Context, fingerprint string) (*domain.VerificationRecord, error) {
	var rec domain.VerificationRecord
	var consensus int
	var decided sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT fingerprint, task_id, threshold, round, consensus, decided_at
		 FROM verification_records WHERE fingerprint = ?`, fingerprint,
	).Scan(&rec.Fingerprint, &rec.TaskID, &rec.Threshold, &rec.Round, &consensus, &decided)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ConsensusAchieved = consensus == 1
	rec.DecidedAt = fromUnix(decided)

	rows, err := d.db.QueryContext(ctx,
		`SELECT network_id, agree, responded_at, error, round
		 FROM attestations WHERE fingerprint = ? ORDER BY id ASC`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Attestation
		var agree int
		var at int64
		if err := rows.Scan(&a.NetworkID, &agree, &at, &a.Error, &a.Round); err != nil {
			return nil, err
		}
		a.Agree = agree == 1
		a.RespondedAt = time.Unix(0, at)
		rec.Attestations = append(rec.Attestations, a)
	}
	return &rec, rows.Err()
}

// AppendAttestations adds attestations to an open record. Attestations are
// never updated or removed.
func (d *DB) AppendAttestations(ctx context.Context, fingerprint string, atts []domain.Attestation) error {
	if len(atts) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range atts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attestations (fingerprint, round, network_id, agree, responded_at, error)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			fingerprint, a.Round, a.NetworkID, boolInt(a.Agree), a.RespondedAt.UnixNano(), a.Error,
		)
		if err != nil {
			return fmt.Errorf("append attestation from %s: %w", a.NetworkID, err)
		}
	}
	return tx.Commit()
}

// FinalizeVerification decides the given round. The write only lands while
// the round is still open, so concurrent deciders cannot overwrite each
// other. It reports whether this call decided the record.
func (d *DB) FinalizeVerification(ctx context.Context, fingerprint string, round int, consensus bool) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE verification_records SET consensus = ?, decided_at = ?
		 WHERE fingerprint = ? AND round = ? AND decided_at IS NULL`,
		boolInt(consensus), d.now().UnixNano(), fingerprint, round,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReopenVerification starts a new round on a record decided without
// consensus and returns the new round number. A record that achieved
// consensus is final.
func (d *DB) ReopenVerification(ctx context.Context, fingerprint string) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE verification_records SET round = round + 1, decided_at = NULL
		 WHERE fingerprint = ? AND consensus = 0 AND decided_at IS NOT NULL`,
		fingerprint,
	)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		var round int
		err := d.db.QueryRowContext(ctx,
			`SELECT round FROM verification_records WHERE fingerprint = ?`, fingerprint,
		).Scan(&round)
		return round, err
	}

	rec, err := d.GetVerification(ctx, fingerprint)
	switch {
	case err != nil:
		return 0, err
	case rec == nil:
		return 0, domain.ErrVerificationNotFound
	case rec.ConsensusAchieved:
		return 0, domain.ErrConsensusFinal
	default:
		return rec.Round, nil // still open
	}
}

// VerificationsForTask lists the fingerprints recorded for a task, newest first.
func (d *DB) VerificationsForTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT fingerprint FROM verification_records WHERE task_id = ? ORDER BY rowid DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}
