package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// PaymentStatus follows Pending → {Settled | Failed}; Failed may be reset to
// Pending by an operator.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSettled PaymentStatus = "SETTLED"
	PaymentFailed  PaymentStatus = "FAILED"
)

// CanTransition reports whether from → to is allowed by the state machine.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return to == PaymentSettled || to == PaymentFailed
	case PaymentFailed:
		return to == PaymentPending
	default:
		return false
	}
}

// PaymentRecord is the ledger row for one settlement, unique per IdempotencyKey.
type PaymentRecord struct {
	IdempotencyKey    string        `json:"idempotency_key"`
	TaskID            string        `json:"task_id"`
	AgentID           string        `json:"agent_id"`
	Status            PaymentStatus `json:"status"`
	Rail              string        `json:"rail"`
	QuoteAmount       Amount        `json:"quote_amount"`
	QuoteCurrency     string        `json:"quote_currency"`
	SettledAmount     Amount        `json:"settled_amount"`
	SettledCurrency   string        `json:"settled_currency"`
	Rate              float64       `json:"rate,omitempty"`
	ExternalReference string        `json:"external_reference,omitempty"`
	Attempts          int           `json:"attempts"`
	LastError         string        `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`

	// ClaimToken identifies the settlement attempt currently allowed to
	// dispatch. Empty when no attempt holds the record.
	ClaimToken string    `json:"-"`
	ClaimedAt  time.Time `json:"-"`
}

// IdempotencyKey derives the settlement key from (taskID, finalAmount, currency).
func IdempotencyKey(taskID string, finalAmount Amount, currency string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", taskID, int64(finalAmount), currency)))
	return "pay_" + hex.EncodeToString(sum[:16])
}

// Rate is a conversion quote between two currencies.
type Rate struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Value float64   `json:"value"`
	AsOf  time.Time `json:"as_of"`
}

// Convert applies the rate to an amount.
func (r Rate) Convert(a Amount) Amount {
	return Units(a.Float() * r.Value)
}
