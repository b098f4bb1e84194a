package network

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Loopback (for running without external networks) ──────────────────────

// Loopback answers every request locally. It stands in for networks and
// rails that have no endpoint configured.
type Loopback struct {
	id       string
	currency string
	agree    bool
	latency  time.Duration
}

// NewLoopback creates a loopback client that always returns agree for
// verify requests and a fresh reference for transfers.
func NewLoopback(id, currency string, agree bool, latency time.Duration) *Loopback {
	return &Loopback{id: id, currency: currency, agree: agree, latency: latency}
}

// ID implements domain.NetworkClient.
func (l *Loopback) ID() string { return l.id }

// NativeCurrency implements domain.Rail.
func (l *Loopback) NativeCurrency() string { return l.currency }

// Send implements domain.NetworkClient.
func (l *Loopback) Send(ctx context.Context, req domain.NetworkRequest) (domain.NetworkResponse, error) {
	if l.latency > 0 {
		t := time.NewTimer(l.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return domain.NetworkResponse{}, &domain.NetworkError{Network: l.id, Err: ctx.Err()}
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.NetworkResponse{}, &domain.NetworkError{Network: l.id, Err: err}
	}

	switch req.Kind {
	case domain.RequestTransfer:
		ref := req.IdempotencyKey()
		if ref == "" {
			ref = uuid.NewString()
		}
		return domain.NetworkResponse{Agree: true, Reference: l.id + "-" + ref}, nil
	default:
		return domain.NetworkResponse{Agree: l.agree}, nil
	}
}
