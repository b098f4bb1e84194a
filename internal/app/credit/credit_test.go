package credit

import (
	"context"
	"testing"
	"time"

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

// settle drives one payment through the real claim/settle path.
func settle(t *testing.T, db *sqlite.DB, taskID string, amount float64, currency string) {
	t.Helper()
	ctx := context.Background()
	a := domain.Units(amount)
	p := domain.PaymentRecord{
		IdempotencyKey:  domain.IdempotencyKey(taskID, a, currency),
		TaskID:          taskID,
		AgentID:         "agent-1",
		Rail:            "ton",
		QuoteAmount:     a,
		QuoteCurrency:   currency,
		SettledCurrency: currency,
	}
	if _, err := db.CreatePayment(ctx, p); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.ClaimPayment(ctx, p.IdempotencyKey, "tok", time.Minute); !ok || err != nil {
		t.Fatalf("ClaimPayment() = %v, %v", ok, err)
	}
	if err := db.UpdateConversion(ctx, p.IdempotencyKey, "tok", a, currency, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkSettled(ctx, p.IdempotencyKey, "tok", "ref-"+taskID, 1); err != nil {
		t.Fatal(err)
	}
}

// ─── Service Tests ──────────────────────────────────────────────────────────

func TestService_EmptyStatement(t *testing.T) {
	svc := NewService(newTestDB(t))

	st, err := svc.AgentStatement(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("AgentStatement() error: %v", err)
	}
	if st.Account != "agent:agent-1" {
		t.Errorf("Account = %q", st.Account)
	}
	if len(st.Balances) != 0 || len(st.Entries) != 0 {
		t.Errorf("statement = %+v, want empty", st)
	}
}

func TestService_StatementAfterSettlements(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	settle(t, db, "t-1", 50, "TON")
	settle(t, db, "t-2", 25, "TON")
	settle(t, db, "t-3", 7, "ICP")

	st, err := svc.AgentStatement(context.Background(), "agent-1", 2)
	if err != nil {
		t.Fatalf("AgentStatement() error: %v", err)
	}
	if st.Balances["TON"] != domain.Units(75) || st.Balances["ICP"] != domain.Units(7) {
		t.Errorf("Balances = %v, want 75 TON and 7 ICP", st.Balances)
	}
	if len(st.Entries) != 2 {
		t.Fatalf("Entries = %d, want limit 2", len(st.Entries))
	}
	if st.Entries[0].EntryType != domain.EntryCredit {
		t.Errorf("agent entries should be credits, got %s", st.Entries[0].EntryType)
	}
}

func TestService_AuditBalanced(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	settle(t, db, "t-1", 50, "TON")
	settle(t, db, "t-2", 3, "ICP")

	r, err := svc.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	if !r.Healthy() {
		t.Errorf("report = %+v, want healthy", r)
	}
	if len(r.Totals) != 2 {
		t.Errorf("Totals = %+v, want two currencies", r.Totals)
	}
}

// ─── Audit with a hand-built ledger ─────────────────────────────────────────

type fakeStore struct {
	totals   []domain.LedgerTotal
	unposted []domain.PaymentRecord
	posted   []string
}

func (f *fakeStore) Balances(context.Context, string) (map[string]domain.Amount, error) {
	return nil, nil
}

func (f *fakeStore) LedgerEntries(context.Context, string, int) ([]domain.LedgerEntry, error) {
	return nil, nil
}

func (f *fakeStore) LedgerTotals(context.Context) ([]domain.LedgerTotal, error) {
	return f.totals, nil
}

func (f *fakeStore) UnpostedSettlements(context.Context, int) ([]domain.PaymentRecord, error) {
	return f.unposted, nil
}

func (f *fakeStore) PostSettlement(_ context.Context, p domain.PaymentRecord) error {
	f.posted = append(f.posted, p.IdempotencyKey)
	f.unposted = nil
	return nil
}

func TestService_AuditDetectsImbalance(t *testing.T) {
	store := &fakeStore{totals: []domain.LedgerTotal{
		{Currency: "TON", Debits: domain.Units(10), Credits: domain.Units(10)},
		{Currency: "ICP", Debits: domain.Units(5), Credits: domain.Units(4)},
	}}
	r, err := NewService(store).Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	if r.Balanced || r.Healthy() {
		t.Errorf("report = %+v, want unbalanced", r)
	}
}

func TestService_RepairPostsMissingEntries(t *testing.T) {
	store := &fakeStore{unposted: []domain.PaymentRecord{{IdempotencyKey: "pay_1"}}}
	svc := NewService(store)

	before, err := svc.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	if len(before.Unposted) != 1 || before.Healthy() {
		t.Fatalf("before = %+v, want one unposted", before)
	}

	after, err := svc.Repair(context.Background())
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}
	if after.Reposted != 1 || !after.Healthy() {
		t.Errorf("after = %+v, want one reposted and healthy", after)
	}
	if len(store.posted) != 1 || store.posted[0] != "pay_1" {
		t.Errorf("posted = %v", store.posted)
	}
}
