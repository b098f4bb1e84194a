package domain

import "time"

// EntryType is the side of a double-entry posting.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// AccountRewardPool is the contra account every settled reward is drawn from.
const AccountRewardPool = "reward_pool"

// AgentAccount names the ledger account credited for an agent.
func AgentAccount(agentID string) string {
	return "agent:" + agentID
}

// LedgerEntry is one side of a settlement posting. Balance is the running
// balance of Account in Currency after this entry.
type LedgerEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	EntryType      EntryType `json:"entry_type"`
	Account        string    `json:"account"`
	Currency       string    `json:"currency"`
	Amount         Amount    `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	Description    string    `json:"description,omitempty"`
	Balance        Amount    `json:"balance"`
}

// LedgerTotal sums both sides of the ledger in one currency. A balanced
// ledger has Debits == Credits.
type LedgerTotal struct {
	Currency string `json:"currency"`
	Debits   Amount `json:"debits"`
	Credits  Amount `json:"credits"`
}

// Balanced reports whether both sides match.
func (t LedgerTotal) Balanced() bool {
	return t.Debits == t.Credits
}
