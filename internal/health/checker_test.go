package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/ziggurat/internal/app/credit"
	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type countingReconciler struct{ runs int }

func (r *countingReconciler) RunOnce(context.Context) (int, error) {
	r.runs++
	return 0, nil
}

type fakeAuditor struct {
	report  credit.Report
	repairs int
}

func (a *fakeAuditor) Audit(context.Context) (credit.Report, error) {
	return a.report, nil
}

func (a *fakeAuditor) Repair(context.Context) (credit.Report, error) {
	a.repairs++
	return a.report, nil
}

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestChecker_AllHealthy(t *testing.T) {
	db := newTestDB(t)
	rec := &countingReconciler{}
	c := NewChecker(db, credit.NewService(db), rec, Config{DataDir: t.TempDir()})

	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 4 {
		t.Fatalf("Statuses() = %d, want 4", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
	if rec.runs != 0 {
		t.Errorf("reconciler ran %d times on a healthy backlog", rec.runs)
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	db := newTestDB(t)
	c := NewChecker(db, credit.NewService(db), &countingReconciler{}, Config{DataDir: t.TempDir()})

	// Before any run there are no statuses, so IsHealthy is vacuously true.
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_DataDirIsFile(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "data")
	os.WriteFile(path, []byte("not a dir"), 0644)

	c := NewChecker(db, credit.NewService(db), &countingReconciler{}, Config{DataDir: path})
	c.RunOnce(context.Background())

	if statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should fail when path is a file")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestChecker_BacklogTriggersReconcile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	amount := domain.Units(10)
	db.CreatePayment(ctx, domain.PaymentRecord{
		IdempotencyKey: domain.IdempotencyKey("t-1", amount, "TON"),
		TaskID:         "t-1",
		AgentID:        "agent-1",
		Rail:           "ton",
		QuoteAmount:    amount,
		QuoteCurrency:  "TON",
	})

	rec := &countingReconciler{}
	c := NewChecker(db, credit.NewService(db), rec, Config{DataDir: t.TempDir(), MaxPendingAge: time.Minute})
	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	c.RunOnce(ctx)

	s := statusOf(t, c, "settlement_backlog")
	if s.Healthy {
		t.Error("settlement_backlog should fail with an old PENDING payment")
	}
	if rec.runs != 1 {
		t.Errorf("reconciler runs = %d, want 1", rec.runs)
	}
}

func TestChecker_LedgerRepair(t *testing.T) {
	db := newTestDB(t)
	auditor := &fakeAuditor{report: credit.Report{Balanced: true, Unposted: []string{"pay_1"}}}
	c := NewChecker(db, auditor, &countingReconciler{}, Config{DataDir: t.TempDir()})

	c.RunOnce(context.Background())

	if statusOf(t, c, "ledger").Healthy {
		t.Error("ledger should fail with unposted settlements")
	}
	if auditor.repairs != 1 {
		t.Errorf("repairs = %d, want 1", auditor.repairs)
	}
}

func TestChecker_CustomCheck(t *testing.T) {
	c := &Checker{
		checks: []Check{
			{
				Name: "always_pass",
				CheckFn: func(ctx context.Context) error {
					return nil
				},
			},
		},
	}

	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("always_pass check should be healthy")
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	recovered := false
	c := &Checker{
		checks: []Check{
			{
				Name: "always_fail",
				CheckFn: func(ctx context.Context) error {
					return os.ErrPermission
				},
				RecoverFn: func(ctx context.Context) error {
					recovered = true
					return errors.New("still broken")
				},
			},
		},
	}

	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if statuses[0].Error == "" {
		t.Error("failing check should record its error")
	}
	if !recovered {
		t.Error("RecoverFn should run after a failure")
	}
}
