package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Intake Queue ───────────────────────────────────────────────────────────

// EnqueueTask stores a discovered task. Re-enqueueing a known ID is a no-op
// so that marketplace redeliveries never duplicate work. It reports whether a
// new row was written.
func (d *DB) EnqueueTask(ctx context.Context, task domain.Task) (bool, error) {
	input, err := json.Marshal(task.InputData)
	if err != nil {
		return false, fmt.Errorf("encode input: %w", err)
	}
	if task.DiscoveredAt.IsZero() {
		task.DiscoveredAt = d.now()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (id, agent_id, input_data, complexity_tier, requested_currency, discovered_at, queue_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		task.ID, task.AgentID, string(input), string(task.ComplexityTier),
		task.RequestedCurrency, task.DiscoveredAt.UnixNano(), string(domain.QueueDiscovered),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Pull claims up to limit discovered tasks, oldest first. Each row moves
// DISCOVERED → PROCESSING with a compare-and-set so concurrent pullers never
// claim the same task.
func (d *DB) Pull(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE queue_state = ? ORDER BY discovered_at ASC LIMIT ?`,
		string(domain.QueueDiscovered), limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var tasks []domain.Task
	now := d.now().UnixNano()
	for _, id := range ids {
		res, err := d.db.ExecContext(ctx,
			`UPDATE tasks SET queue_state = ?, claimed_at = ? WHERE id = ? AND queue_state = ?`,
			string(domain.QueueProcessing), now, id, string(domain.QueueDiscovered),
		)
		if err != nil {
			return tasks, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // claimed by someone else
		}
		t, err := d.GetTask(ctx, id)
		if err != nil {
			return tasks, err
		}
		if t != nil {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

// MarkTaskDone moves a task to DONE once its record is persisted.
func (d *DB) MarkTaskDone(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET queue_state = ? WHERE id = ?`, string(domain.QueueDone), id)
	return err
}

// RequeueStale returns PROCESSING tasks claimed before cutoff and still
// without a record to DISCOVERED (crash recovery).
func (d *DB) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET queue_state = ?, claimed_at = NULL
		 WHERE queue_state = ? AND claimed_at < ?
		   AND id NOT IN (SELECT task_id FROM task_records)`,
		string(domain.QueueDiscovered), string(domain.QueueProcessing), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetTask retrieves a task by ID. Returns nil, nil when not found.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var t domain.Task
	var input, tier string
	var discovered int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, agent_id, input_data, complexity_tier, requested_currency, discovered_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.AgentID, &input, &tier, &t.RequestedCurrency, &discovered)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &t.InputData); err != nil {
		return nil, fmt.Errorf("decode input for %s: %w", id, err)
	}
	t.ComplexityTier = domain.ComplexityTier(tier)
	t.DiscoveredAt = time.Unix(0, discovered)
	return &t, nil
}

// QueueDepth counts tasks in the given queue state.
func (d *DB) QueueDepth(ctx context.Context, state domain.QueueState) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE queue_state = ?`, string(state)).Scan(&n)
	return n, err
}

// ─── Task Records ───────────────────────────────────────────────────────────

// InsertRecord persists the terminal record of a task. A second insert for
// the same task is rejected so a task reaches exactly one terminal status.
func (d *DB) InsertRecord(ctx context.Context, rec domain.TaskRecord) error {
	metrics, quote, err := encodeRecordParts(rec)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO task_records (task_id, agent_id, status, metrics, quote, fingerprint, consensus,
		                           idempotency_key, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		rec.TaskID, rec.AgentID, string(rec.Status), metrics, quote, nullStr(rec.Fingerprint),
		nullableBool(rec.Consensus), nullStr(rec.IdempotencyKey), nullStr(rec.Error),
		rec.StartedAt.UnixNano(), rec.CompletedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s already has a terminal record", rec.TaskID)
	}
	return nil
}

// AttachVerification records a verification outcome that arrived after the
// task record was written. A COMPLETED task without consensus becomes
// VERIFICATION_INCONCLUSIVE; the settled reward is left as is.
func (d *DB) AttachVerification(ctx context.Context, taskID, fingerprint string, consensus bool) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE task_records SET fingerprint = ?, consensus = ?,
		        status = CASE WHEN ? = 0 AND status = ? THEN ? ELSE status END
		 WHERE task_id = ?`,
		fingerprint, boolInt(consensus), boolInt(consensus),
		string(domain.StatusCompleted), string(domain.StatusVerificationInconclusive), taskID,
	)
	return err
}

// ResolveSettlement clears a SETTLEMENT_FAILED record after the payment was
// reconciled. The status falls back to what verification decided:
// VERIFICATION_INCONCLUSIVE without consensus, COMPLETED otherwise.
func (d *DB) ResolveSettlement(ctx context.Context, taskID string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE task_records
		 SET status = CASE WHEN consensus = 0 THEN ? ELSE ? END, error = NULL
		 WHERE task_id = ? AND status = ?`,
		string(domain.StatusVerificationInconclusive), string(domain.StatusCompleted),
		taskID, string(domain.StatusSettlementFailed),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetRecord returns the terminal record of a task, or nil, nil.
func (d *DB) GetRecord(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT task_id, agent_id, status, metrics, quote, fingerprint, consensus, idempotency_key,
		        error, started_at, completed_at
		 FROM task_records WHERE task_id = ?`, taskID)
	rec, err := scanRecord(row)
	if isNoRows(err) {
		return nil, nil
	}
	return rec, err
}

// RecentRecords returns an agent's latest records, newest first.
func (d *DB) RecentRecords(ctx context.Context, agentID string, limit int) ([]domain.TaskRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT task_id, agent_id, status, metrics, quote, fingerprint, consensus, idempotency_key,
		        error, started_at, completed_at
		 FROM task_records WHERE agent_id = ? ORDER BY completed_at DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of records per terminal status.
func (d *DB) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(s)] = n
	}
	return out, rows.Err()
}

func encodeRecordParts(rec domain.TaskRecord) (metrics, quote sql.NullString, err error) {
	if rec.Metrics != nil {
		b, err := json.Marshal(rec.Metrics)
		if err != nil {
			return metrics, quote, fmt.Errorf("encode metrics: %w", err)
		}
		metrics = sql.NullString{String: string(b), Valid: true}
	}
	if rec.Quote != nil {
		b, err := json.Marshal(rec.Quote)
		if err != nil {
			return metrics, quote, fmt.Errorf("encode quote: %w", err)
		}
		quote = sql.NullString{String: string(b), Valid: true}
	}
	return metrics, quote, nil
}

func scanRecord(s scanner) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var status string
	var metrics, quote, fingerprint, key, errStr sql.NullString
	var consensus sql.NullInt64
	var started, completed int64

	err := s.Scan(&rec.TaskID, &rec.AgentID, &status, &metrics, &quote, &fingerprint,
		&consensus, &key, &errStr, &started, &completed)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.TaskStatus(status)
	if metrics.Valid {
		var m domain.QualityMetrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		rec.Metrics = &m
	}
	if quote.Valid {
		var q domain.RewardQuote
		if err := json.Unmarshal([]byte(quote.String), &q); err != nil {
			return nil, fmt.Errorf("decode quote: %w", err)
		}
		rec.Quote = &q
	}
	if consensus.Valid {
		c := consensus.Int64 == 1
		rec.Consensus = &c
	}
	rec.Fingerprint = fingerprint.String
	rec.IdempotencyKey = key.String
	rec.Error = errStr.String
	rec.StartedAt = time.Unix(0, started)
	rec.CompletedAt = time.Unix(0, completed)
	return &rec, nil
}

func nullableBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(boolInt(*b)), Valid: true}
}
