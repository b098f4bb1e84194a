// Package verify implements the Verification Coordinator: a concurrent
// fan-out of one explanation fingerprint to every configured network, folded
// into a quorum decision that finalizes as early as the answers allow.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/infra/metrics"
	"github.com/tutu-network/ziggurat/internal/infra/retry"
	"github.com/tutu-network/ziggurat/internal/infra/telemetry"
)

// Store persists verification records. Implemented by *sqlite.DB.
type Store interface {
	GetVerification(ctx context.Context, fingerprint string) (*domain.VerificationRecord, error)
	CreateVerification(ctx context.Context, rec domain.VerificationRecord) (bool, error)
	AppendAttestations(ctx context.Context, fingerprint string, atts []domain.Attestation) error
	FinalizeVerification(ctx context.Context, fingerprint string, round int, consensus bool) (bool, error)
	ReopenVerification(ctx context.Context, fingerprint string) (int, error)
}

// Config holds the quorum parameters.
type Config struct {
	Threshold  float64       // fraction of configured networks that must agree
	Timeout    time.Duration // hard deadline for one round
	RetryDelay time.Duration // backoff before the single retry of a failed call
}

// DefaultConfig returns a 2/3 quorum with a 10s deadline.
func DefaultConfig() Config {
	return Config{
		Threshold:  domain.DefaultConsensusThreshold,
		Timeout:    10 * time.Second,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Coordinator runs verification rounds. It is safe for concurrent use;
// concurrent calls for one fingerprint share a single round.
type Coordinator struct {
	store    Store
	networks []domain.NetworkClient
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	flight   singleflight.Group
}

// New creates a coordinator over the given networks.
func New(store Store, networks []domain.NetworkClient, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = domain.DefaultConsensusThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		store:    store,
		networks: networks,
		cfg:      cfg,
		log:      log.With("component", "verify"),
		now:      time.Now,
	}
}

// Networks returns the IDs of the configured networks, sorted.
func (c *Coordinator) Networks() []string {
	ids := make([]string, len(c.networks))
	for i, n := range c.networks {
		ids[i] = n.ID()
	}
	sort.Strings(ids)
	return ids
}

// Verify returns the decided record for fingerprint, running a round first if
// the record is new or open. A decided record is returned as stored without
// contacting any network. Total unavailability is reported as
// ConsensusAchieved=false, not as an error.
func (c *Coordinator) Verify(ctx context.Context, taskID, fingerprint string) (*domain.VerificationRecord, error) {
	if len(c.networks) == 0 {
		return nil, domain.ErrNoNetworks
	}
	v, err, _ := c.flight.Do(fingerprint, func() (any, error) {
		return c.verify(ctx, taskID, fingerprint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.VerificationRecord), nil
}

// Retrigger reopens a record decided without consensus and runs one more
// round. Networks that already agreed keep their vote; the rest are asked
// again. A record that achieved consensus is final.
func (c *Coordinator) Retrigger(ctx context.Context, fingerprint string) (*domain.VerificationRecord, error) {
	if len(c.networks) == 0 {
		return nil, domain.ErrNoNetworks
	}
	store := context.WithoutCancel(ctx)
	round, err := c.store.ReopenVerification(store, fingerprint)
	if err != nil {
		return nil, err
	}
	c.log.Info("verification reopened", "fingerprint", fingerprint, "round", round)

	rec, err := c.store.GetVerification(store, fingerprint)
	if err != nil {
		return nil, err
	}
	return c.Verify(ctx, rec.TaskID, fingerprint)
}

func (c *Coordinator) verify(ctx context.Context, taskID, fingerprint string) (*domain.VerificationRecord, error) {
	// Store writes must land even when the caller gives up.
	store := context.WithoutCancel(ctx)

	rec, err := c.store.GetVerification(store, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load verification: %w", err)
	}
	if rec == nil {
		if _, err := c.store.CreateVerification(store, domain.VerificationRecord{
			TaskID: taskID, Fingerprint: fingerprint, Threshold: c.cfg.Threshold, Round: 1,
		}); err != nil {
			return nil, fmt.Errorf("create verification: %w", err)
		}
		if rec, err = c.store.GetVerification(store, fingerprint); err != nil {
			return nil, fmt.Errorf("load verification: %w", err)
		}
	}
	if rec.Decided() {
		return rec, nil
	}

	t := newTally(rec, c.Networks(), rec.Threshold)
	consensus := c.round(ctx, store, rec, t)

	decided, err := c.store.FinalizeVerification(store, fingerprint, rec.Round, consensus)
	if err != nil {
		return nil, fmt.Errorf("finalize verification: %w", err)
	}
	if decided {
		outcome := "no_consensus"
		if consensus {
			outcome = "consensus"
		}
		metrics.VerificationDecisions.WithLabelValues(outcome).Inc()
		c.log.Info("verification decided",
			"task_id", taskID, "fingerprint", fingerprint, "round", rec.Round,
			"consensus", consensus, "agree", t.agreeCount(), "networks", t.total)
	}
	return c.store.GetVerification(store, fingerprint)
}

type answer struct {
	network string
	resp    domain.NetworkResponse
	err     error
	at      time.Time
}

// round queries every undecided network in parallel and returns the
// consensus decision. Attestations are stored in arrival order.
func (c *Coordinator) round(ctx, store context.Context, rec *domain.VerificationRecord, t *tally) bool {
	if done, consensus := t.decided(); done {
		return consensus
	}

	pending := t.pendingNetworks()
	ctx, span := telemetry.StartFanoutSpan(ctx, rec.Fingerprint, rec.Round, t.total)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	start := c.now()

	payload, _ := json.Marshal(domain.VerifyPayload{
		TaskID: rec.TaskID, Fingerprint: rec.Fingerprint, Round: rec.Round,
	})
	req := domain.NetworkRequest{Kind: domain.RequestVerify, Payload: payload}

	answers := make(chan answer, len(pending))
	for _, n := range c.networks {
		if !pending[n.ID()] {
			continue
		}
		go func(n domain.NetworkClient) {
			resp, _, err := retry.Do(ctx, retry.Once(c.cfg.RetryDelay),
				func(ctx context.Context) (domain.NetworkResponse, error) {
					return n.Send(ctx, req)
				})
			answers <- answer{network: n.ID(), resp: resp, err: err, at: c.now()}
		}(n)
	}

	outstanding := len(pending)
collect:
	for outstanding > 0 {
		select {
		case a := <-answers:
			outstanding--
			delete(pending, a.network)
			att := domain.Attestation{NetworkID: a.network, RespondedAt: a.at, Round: rec.Round}
			if a.err != nil {
				att.Error = a.err.Error()
				t.fail(a.network)
			} else {
				att.Agree = a.resp.Agree
				t.add(att)
			}
			c.record(store, rec.Fingerprint, att)
			if done, _ := t.decided(); done {
				break collect
			}
		case <-ctx.Done():
			break collect
		}
	}
	reason := "canceled: round decided"
	if err := ctx.Err(); err != nil {
		reason = err.Error()
	}
	cancel()

	// Calls still outstanding are recorded as failed, in a stable order.
	var late []string
	for id := range pending {
		late = append(late, id)
	}
	sort.Strings(late)
	for _, id := range late {
		att := domain.Attestation{NetworkID: id, RespondedAt: c.now(), Error: reason, Round: rec.Round}
		c.record(store, rec.Fingerprint, att)
		t.fail(id)
	}

	metrics.VerificationLatency.Observe(c.now().Sub(start).Seconds())
	return t.reached()
}

func (c *Coordinator) record(ctx context.Context, fingerprint string, att domain.Attestation) {
	outcome := "disagree"
	switch {
	case att.Error != "":
		outcome = "error"
	case att.Agree:
		outcome = "agree"
	}
	metrics.Attestations.WithLabelValues(att.NetworkID, outcome).Inc()

	if err := c.store.AppendAttestations(ctx, fingerprint, []domain.Attestation{att}); err != nil {
		c.log.Error("record attestation", "fingerprint", fingerprint, "network", att.NetworkID, "error", err)
	}
	if att.Error != "" {
		c.log.Warn("network did not answer", "fingerprint", fingerprint, "network", att.NetworkID, "error", att.Error)
	}
}
