package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces bound the engine. Infrastructure implements them; the
// application layer depends on them.

// Explainer produces a prediction plus rationale for arbitrary input data.
// Failures should wrap ErrExplainerUnavailable.
type Explainer interface {
	Explain(ctx context.Context, input map[string]any) (ExplanationResult, error)
}

// RequestKind distinguishes verification requests from transfers.
type RequestKind string

const (
	RequestVerify   RequestKind = "verify"
	RequestTransfer RequestKind = "transfer"
)

// HeaderIdempotencyKey carries the settlement key so rails can deduplicate.
const HeaderIdempotencyKey = "Idempotency-Key"

// NetworkRequest is an opaque request to one external network.
type NetworkRequest struct {
	Kind    RequestKind       `json:"kind"`
	Headers map[string]string `json:"-"`
	Payload json.RawMessage   `json:"payload"`
}

// WithIdempotencyKey returns a copy carrying the key in its headers.
func (r NetworkRequest) WithIdempotencyKey(key string) NetworkRequest {
	h := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		h[k] = v
	}
	h[HeaderIdempotencyKey] = key
	r.Headers = h
	return r
}

// IdempotencyKey returns the key header, or "".
func (r NetworkRequest) IdempotencyKey() string {
	return r.Headers[HeaderIdempotencyKey]
}

// NetworkResponse is a network's reply. Agree is meaningful for verify
// requests; Reference for transfers.
type NetworkResponse struct {
	Agree     bool   `json:"agree"`
	Reference string `json:"reference,omitempty"`
}

// NetworkClient sends requests to one verification network or payment rail.
// Implementations must honor ctx cancellation and deadlines.
type NetworkClient interface {
	ID() string
	Send(ctx context.Context, req NetworkRequest) (NetworkResponse, error)
}

// Rail is a NetworkClient that settles payments in a native currency.
type Rail interface {
	NetworkClient
	NativeCurrency() string
}

// VerifyPayload is the body of a verify request.
type VerifyPayload struct {
	TaskID      string `json:"task_id"`
	Fingerprint string `json:"fingerprint"`
	Round       int    `json:"round"`
}

// TransferPayload is the body of a transfer request.
type TransferPayload struct {
	TaskID    string `json:"task_id"`
	Recipient string `json:"recipient"`
	Amount    Amount `json:"amount"`
	Currency  string `json:"currency"`
}

// RateSource looks up conversion rates. AsOf must reflect when the upstream
// produced the rate, not when it was cached.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (Rate, error)
}

// Registry is one external agent registry.
type Registry interface {
	Name() string
	Fetch(ctx context.Context, agentID string) (*RegistryView, error)
	Push(ctx context.Context, view RegistryView) (uint64, error)
}

// Clock is injected where tests need deterministic time.
type Clock func() time.Time
