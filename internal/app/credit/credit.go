// Package credit reads and audits the double-entry reward ledger.
// Every settled payment posts matched DEBIT reward_pool / CREDIT agent:<id>
// entries, so SUM(debits) == SUM(credits) per currency is an invariant.
package credit

import (
	"context"
	"fmt"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// Store is the ledger side of the database. Implemented by *sqlite.DB.
type Store interface {
	Balances(ctx context.Context, account string) (map[string]domain.Amount, error)
	LedgerEntries(ctx context.Context, account string, limit int) ([]domain.LedgerEntry, error)
	LedgerTotals(ctx context.Context) ([]domain.LedgerTotal, error)
	UnpostedSettlements(ctx context.Context, limit int) ([]domain.PaymentRecord, error)
	PostSettlement(ctx context.Context, p domain.PaymentRecord) error
}

// Service manages the reward ledger.
type Service struct {
	store Store
}

// NewService creates a credit service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Statement is an agent's balances and most recent postings.
type Statement struct {
	Account  string                   `json:"account"`
	Balances map[string]domain.Amount `json:"balances"`
	Entries  []domain.LedgerEntry     `json:"entries"`
}

// AgentStatement returns the agent's per-currency balance and its last
// limit ledger entries, newest first.
func (s *Service) AgentStatement(ctx context.Context, agentID string, limit int) (Statement, error) {
	account := domain.AgentAccount(agentID)
	balances, err := s.store.Balances(ctx, account)
	if err != nil {
		return Statement{}, fmt.Errorf("balances %s: %w", account, err)
	}
	entries, err := s.store.LedgerEntries(ctx, account, limit)
	if err != nil {
		return Statement{}, fmt.Errorf("entries %s: %w", account, err)
	}
	return Statement{Account: account, Balances: balances, Entries: entries}, nil
}

// Report is the result of a ledger audit.
type Report struct {
	Totals   []domain.LedgerTotal `json:"totals"`
	Balanced bool                 `json:"balanced"`
	Unposted []string             `json:"unposted,omitempty"` // idempotency keys
	Reposted int                  `json:"reposted,omitempty"`
}

// Healthy reports a balanced ledger with every settlement posted.
func (r Report) Healthy() bool {
	return r.Balanced && len(r.Unposted) == 0
}

// auditBatch bounds the unposted settlements inspected per audit.
const auditBatch = 100

// Audit checks SUM(debits) == SUM(credits) per currency and looks for
// settled payments missing their postings.
func (s *Service) Audit(ctx context.Context) (Report, error) {
	totals, err := s.store.LedgerTotals(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("ledger totals: %w", err)
	}
	r := Report{Totals: totals, Balanced: true}
	for _, t := range totals {
		if !t.Balanced() {
			r.Balanced = false
		}
	}

	unposted, err := s.store.UnpostedSettlements(ctx, auditBatch)
	if err != nil {
		return r, fmt.Errorf("unposted settlements: %w", err)
	}
	for _, p := range unposted {
		r.Unposted = append(r.Unposted, p.IdempotencyKey)
	}
	return r, nil
}

// Repair posts the ledger entries of settled payments that lack them, then
// audits again. Posting is idempotent per payment.
func (s *Service) Repair(ctx context.Context) (Report, error) {
	unposted, err := s.store.UnpostedSettlements(ctx, auditBatch)
	if err != nil {
		return Report{}, fmt.Errorf("unposted settlements: %w", err)
	}
	reposted := 0
	for _, p := range unposted {
		if err := s.store.PostSettlement(ctx, p); err != nil {
			return Report{}, fmt.Errorf("post %s: %w", p.IdempotencyKey, err)
		}
		reposted++
	}

	r, err := s.Audit(ctx)
	r.Reposted = reposted
	return r, err
}
