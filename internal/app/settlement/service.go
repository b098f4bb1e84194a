// Package settlement dispatches rewards over payment rails exactly once per
// idempotency key.
//
// Every payment is first written PENDING under its key. A dispatch needs a
// claim on the record (compare-and-set on status and claim token), so two
// concurrent attempts for one key can never both transfer. The key also
// travels in the transfer request so the rail can deduplicate on its side.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/infra/metrics"
	"github.com/tutu-network/ziggurat/internal/infra/retry"
	"github.com/tutu-network/ziggurat/internal/infra/telemetry"
)

// Store is the payment ledger. Implemented by *sqlite.DB.
type Store interface {
	GetPayment(ctx context.Context, key string) (*domain.PaymentRecord, error)
	CreatePayment(ctx context.Context, p domain.PaymentRecord) (bool, error)
	ClaimPayment(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	UpdateConversion(ctx context.Context, key, token string, settled domain.Amount, currency string, rate float64) error
	MarkSettled(ctx context.Context, key, token, reference string, attempts int) (*domain.PaymentRecord, error)
	MarkFailed(ctx context.Context, key, token, lastErr string, attempts int) error
	ReleasePayment(ctx context.Context, key, token, lastErr string, attempts int) error
	ResetPayment(ctx context.Context, key string) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error)
	ResolveSettlement(ctx context.Context, taskID string) (bool, error)
}

// Config tunes dispatch.
type Config struct {
	Retry      retry.Policy
	RateMaxAge time.Duration // older conversion rates defer settlement
	ClaimLease time.Duration // a claim older than this is considered abandoned
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:      retry.DefaultPolicy(),
		RateMaxAge: 10 * time.Minute,
		ClaimLease: 2 * time.Minute,
	}
}

// Request asks for one reward to be settled over Rail.
type Request struct {
	TaskID  string
	AgentID string
	Quote   domain.RewardQuote
	Rail    domain.Rail
}

// Service settles rewards.
type Service struct {
	store    Store
	rails    []domain.Rail // first is the default
	byID     map[string]domain.Rail
	byCurr   map[string]domain.Rail
	rates    domain.RateSource
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	newToken func() string
}

// New creates a settlement service. The first rail is the default for
// currencies no rail settles natively.
func New(store Store, rails []domain.Rail, rates domain.RateSource, cfg Config, log *slog.Logger) *Service {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultConfig().ClaimLease
	}
	s := &Service{
		store:    store,
		rails:    rails,
		byID:     make(map[string]domain.Rail, len(rails)),
		byCurr:   make(map[string]domain.Rail, len(rails)),
		rates:    rates,
		cfg:      cfg,
		log:      log.With("component", "settlement"),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, r := range rails {
		s.byID[r.ID()] = r
		cur := strings.ToUpper(r.NativeCurrency())
		if _, ok := s.byCurr[cur]; !ok {
			s.byCurr[cur] = r
		}
	}
	return s
}

// RailFor picks the rail that settles currency natively, or the default rail.
func (s *Service) RailFor(currency string) (domain.Rail, error) {
	if r, ok := s.byCurr[strings.ToUpper(currency)]; ok {
		return r, nil
	}
	if len(s.rails) == 0 {
		return nil, fmt.Errorf("%s: %w", currency, domain.ErrNoRail)
	}
	return s.rails[0], nil
}

// Settle pays req.Quote over req.Rail at most once. A key that already
// settled returns the stored record and no transfer is issued. A FAILED key
// returns ErrSettlementFailed until an operator resets it.
func (s *Service) Settle(ctx context.Context, req Request) (*domain.PaymentRecord, error) {
	q := req.Quote
	if q.FinalAmount <= 0 {
		return nil, fmt.Errorf("settle %s: non-positive amount %s", req.TaskID, q.FinalAmount)
	}
	if req.Rail == nil {
		return nil, fmt.Errorf("settle %s: %w", req.TaskID, domain.ErrNoRail)
	}
	key := domain.IdempotencyKey(req.TaskID, q.FinalAmount, q.Currency)
	store := context.WithoutCancel(ctx)

	existing, err := s.store.GetPayment(store, key)
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if existing == nil {
		_, err := s.store.CreatePayment(store, domain.PaymentRecord{
			IdempotencyKey:  key,
			TaskID:          req.TaskID,
			AgentID:         req.AgentID,
			Rail:            req.Rail.ID(),
			QuoteAmount:     q.FinalAmount,
			QuoteCurrency:   q.Currency,
			SettledCurrency: req.Rail.NativeCurrency(),
		})
		if err != nil {
			return nil, fmt.Errorf("create payment: %w", err)
		}
		if existing, err = s.store.GetPayment(store, key); err != nil {
			return nil, fmt.Errorf("load payment: %w", err)
		}
	}

	switch existing.Status {
	case domain.PaymentSettled:
		s.log.Debug("payment already settled", "idempotency_key", key, "task_id", req.TaskID)
		return existing, nil
	case domain.PaymentFailed:
		return existing, fmt.Errorf("payment %s: %w", key, domain.ErrSettlementFailed)
	}

	rail := req.Rail
	if existing.Rail != rail.ID() {
		if r, ok := s.byID[existing.Rail]; ok {
			rail = r
		}
	}
	return s.dispatch(ctx, existing, rail)
}

// Redispatch retries a PENDING payment on the rail it was recorded with.
func (s *Service) Redispatch(ctx context.Context, key string) (*domain.PaymentRecord, error) {
	p, err := s.store.GetPayment(context.WithoutCancel(ctx), key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrPaymentNotFound
	}
	switch p.Status {
	case domain.PaymentSettled:
		return p, nil
	case domain.PaymentFailed:
		return p, fmt.Errorf("payment %s: %w", key, domain.ErrSettlementFailed)
	}
	rail, ok := s.byID[p.Rail]
	if !ok {
		if rail, err = s.RailFor(p.QuoteCurrency); err != nil {
			return p, err
		}
	}
	return s.dispatch(ctx, p, rail)
}

// Reset moves a FAILED payment back to PENDING. It is never settled here;
// the next dispatch path does that.
func (s *Service) Reset(ctx context.Context, key string) error {
	if err := s.store.ResetPayment(ctx, key); err != nil {
		return err
	}
	s.log.Info("payment reset for retry", "idempotency_key", key)
	return nil
}

func (s *Service) dispatch(ctx context.Context, p *domain.PaymentRecord, rail domain.Rail) (rec *domain.PaymentRecord, err error) {
	store := context.WithoutCancel(ctx)
	key := p.IdempotencyKey
	token := s.newToken()

	ok, err := s.store.ClaimPayment(store, key, token, s.cfg.ClaimLease)
	if err != nil {
		return p, fmt.Errorf("claim payment: %w", err)
	}
	if !ok {
		cur, err := s.store.GetPayment(store, key)
		if err != nil {
			return p, err
		}
		if cur != nil && cur.Status == domain.PaymentSettled {
			return cur, nil
		}
		return cur, fmt.Errorf("payment %s: %w", key, domain.ErrSettlementInFlight)
	}

	ctx, span := telemetry.StartDispatchSpan(ctx, key, rail.ID())
	defer func() { telemetry.End(span, err) }()

	amount, rate, err := s.convert(ctx, p.QuoteAmount, p.QuoteCurrency, rail.NativeCurrency())
	if err != nil {
		return s.abandon(store, p, rail, token, err)
	}
	if err := s.store.UpdateConversion(store, key, token, amount, rail.NativeCurrency(), rate.Value); err != nil {
		s.release(store, key, token, err.Error(), 0)
		return p, fmt.Errorf("record conversion: %w", err)
	}

	payload, _ := json.Marshal(domain.TransferPayload{
		TaskID:    p.TaskID,
		Recipient: p.AgentID,
		Amount:    amount,
		Currency:  rail.NativeCurrency(),
	})
	req := domain.NetworkRequest{Kind: domain.RequestTransfer, Payload: payload}.WithIdempotencyKey(key)

	resp, res, sendErr := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) (domain.NetworkResponse, error) {
		return rail.Send(ctx, req)
	})

	switch {
	case sendErr == nil:
		settled, err := s.store.MarkSettled(store, key, token, resp.Reference, res.Attempts)
		if err != nil {
			// The rail holds the idempotency key; a later dispatch resolves it.
			s.log.Error("transfer sent but ledger update failed",
				"idempotency_key", key, "rail", rail.ID(), "reference", resp.Reference, "error", err)
			return p, fmt.Errorf("record settlement: %w", err)
		}
		metrics.SettlementAttempts.WithLabelValues(rail.ID(), "settled").Inc()
		metrics.SettledAmount.WithLabelValues(settled.SettledCurrency).Add(settled.SettledAmount.Float())
		s.log.Info("payment settled",
			"idempotency_key", key, "task_id", p.TaskID, "rail", rail.ID(),
			"amount", settled.SettledAmount.String(), "currency", settled.SettledCurrency,
			"reference", settled.ExternalReference, "attempts", res.Attempts)
		return settled, nil

	case ctx.Err() != nil:
		// Interrupted, not exhausted: stays PENDING for the reconciler.
		s.release(store, key, token, sendErr.Error(), res.Attempts)
		metrics.SettlementAttempts.WithLabelValues(rail.ID(), "interrupted").Inc()
		s.log.Warn("settlement interrupted", "idempotency_key", key, "rail", rail.ID(), "error", sendErr)
		return s.reload(store, p), fmt.Errorf("payment %s interrupted: %w", key, sendErr)

	default:
		if err := s.store.MarkFailed(store, key, token, sendErr.Error(), res.Attempts); err != nil {
			return p, fmt.Errorf("record failure: %w", err)
		}
		metrics.SettlementAttempts.WithLabelValues(rail.ID(), "failed").Inc()
		s.log.Error("settlement failed, flagged for manual reconciliation",
			"idempotency_key", key, "task_id", p.TaskID, "rail", rail.ID(),
			"attempts", res.Attempts, "error", sendErr)
		return s.reload(store, p), fmt.Errorf("payment %s: %w: %w", key, domain.ErrSettlementFailed, sendErr)
	}
}

// convert returns the amount in the rail currency. Stale rates defer.
func (s *Service) convert(ctx context.Context, amount domain.Amount, from, to string) (domain.Amount, domain.Rate, error) {
	if strings.EqualFold(from, to) {
		return amount, domain.Rate{From: from, To: to, Value: 1, AsOf: s.now()}, nil
	}
	if s.rates == nil {
		return 0, domain.Rate{}, fmt.Errorf("%s→%s: %w", from, to, domain.ErrRateUnknown)
	}
	rate, err := s.rates.Rate(ctx, from, to)
	if err != nil {
		return 0, domain.Rate{}, err
	}
	if age := s.now().Sub(rate.AsOf); s.cfg.RateMaxAge > 0 && age > s.cfg.RateMaxAge {
		return 0, rate, fmt.Errorf("%s→%s is %s old: %w", from, to, age.Round(time.Second), domain.ErrRateStale)
	}
	return rate.Convert(amount), rate, nil
}

// abandon handles a conversion failure. A stale rate leaves the payment
// PENDING so the reconciler retries once rates refresh; any other lookup
// failure needs an operator.
func (s *Service) abandon(store context.Context, p *domain.PaymentRecord, rail domain.Rail, token string, cause error) (*domain.PaymentRecord, error) {
	key := p.IdempotencyKey
	if errors.Is(cause, domain.ErrRateStale) || domain.IsTransient(cause) {
		s.release(store, key, token, "deferred: "+cause.Error(), 0)
		metrics.SettlementAttempts.WithLabelValues(rail.ID(), "deferred").Inc()
		s.log.Warn("settlement deferred", "idempotency_key", key, "rail", rail.ID(), "error", cause)
		return s.reload(store, p), fmt.Errorf("payment %s: %w: %w", key, domain.ErrSettlementDeferred, cause)
	}
	if err := s.store.MarkFailed(store, key, token, cause.Error(), 0); err != nil {
		return p, fmt.Errorf("record failure: %w", err)
	}
	metrics.SettlementAttempts.WithLabelValues(rail.ID(), "failed").Inc()
	s.log.Error("settlement failed, no usable rate", "idempotency_key", key, "rail", rail.ID(), "error", cause)
	return s.reload(store, p), fmt.Errorf("payment %s: %w: %w", key, domain.ErrSettlementFailed, cause)
}

// release hands the claim back. On failure the claim stays held until its
// lease expires and the reconciler picks the payment up.
func (s *Service) release(ctx context.Context, key, token, reason string, attempts int) {
	if err := s.store.ReleasePayment(ctx, key, token, reason, attempts); err != nil {
		s.log.Error("release payment claim failed, waiting for lease expiry",
			"idempotency_key", key, "reason", reason, "error", err)
	}
}

func (s *Service) reload(ctx context.Context, fallback *domain.PaymentRecord) *domain.PaymentRecord {
	p, err := s.store.GetPayment(ctx, fallback.IdempotencyKey)
	if err != nil || p == nil {
		return fallback
	}
	return p
}
