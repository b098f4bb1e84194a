// Package pipeline runs the Task Pipeline: each task pulled from the intake
// queue is explained, scored, priced, verified and settled, and ends with
// exactly one terminal TaskRecord.
//
// Verification is awaited for a grace period only. When it is still running
// at the deadline, the task settles on its pre-verification quality and the
// verification outcome is attached to the record once it arrives. A settled
// reward is never adjusted afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/ziggurat/internal/app/quality"
	"github.com/tutu-network/ziggurat/internal/app/reward"
	"github.com/tutu-network/ziggurat/internal/app/settlement"
	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/infra/metrics"
	"github.com/tutu-network/ziggurat/internal/infra/telemetry"
)

// Store is the task queue and record table. Implemented by *sqlite.DB.
type Store interface {
	Pull(ctx context.Context, limit int) ([]domain.Task, error)
	MarkTaskDone(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
	QueueDepth(ctx context.Context, state domain.QueueState) (int, error)
	InsertRecord(ctx context.Context, rec domain.TaskRecord) error
	AttachVerification(ctx context.Context, taskID, fingerprint string, consensus bool) error
}

// Verifier is the Verification Coordinator as seen by the pipeline.
type Verifier interface {
	Verify(ctx context.Context, taskID, fingerprint string) (*domain.VerificationRecord, error)
}

// Settler is the Settlement Service as seen by the pipeline.
type Settler interface {
	RailFor(currency string) (domain.Rail, error)
	Settle(ctx context.Context, req settlement.Request) (*domain.PaymentRecord, error)
}

// Config tunes the worker pool and per-task deadlines.
type Config struct {
	AgentID           string        // recipient when a task names none
	MaxConcurrent     int           // tasks processed at once
	TaskTimeout       time.Duration // overall deadline of one run, verification included
	VerificationGrace time.Duration // how long settlement waits for verification
	PollInterval      time.Duration // idle wait between empty pulls
	BatchSize         int           // tasks claimed per pull
	StaleAfter        time.Duration // PROCESSING tasks older than this are requeued on start
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		TaskTimeout:       60 * time.Second,
		VerificationGrace: 15 * time.Second,
		PollInterval:      2 * time.Second,
		BatchSize:         16,
		StaleAfter:        10 * time.Minute,
	}
}

// Pipeline processes tasks. Process is safe for concurrent use.
type Pipeline struct {
	store     Store
	explainer domain.Explainer
	calc      *reward.Calculator
	verifier  Verifier
	settler   Settler
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	late sync.WaitGroup // verifications still running after their task was recorded
}

// New creates a pipeline.
func New(store Store, explainer domain.Explainer, calc *reward.Calculator, verifier Verifier, settler Settler, cfg Config, log *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.VerificationGrace <= 0 || cfg.VerificationGrace > cfg.TaskTimeout {
		cfg.VerificationGrace = cfg.TaskTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Pipeline{
		store:     store,
		explainer: explainer,
		calc:      calc,
		verifier:  verifier,
		settler:   settler,
		cfg:       cfg,
		log:       log.With("component", "pipeline"),
		now:       time.Now,
	}
}

// ─── Worker Pool ────────────────────────────────────────────────────────────

// Run pulls and processes tasks until ctx ends, then waits for in-flight
// tasks to finish. Tasks already claimed run to completion under their own
// deadline.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.cfg.StaleAfter > 0 {
		n, err := p.store.RequeueStale(ctx, p.now().Add(-p.cfg.StaleAfter))
		if err != nil {
			return fmt.Errorf("requeue stale tasks: %w", err)
		}
		if n > 0 {
			p.log.Warn("requeued abandoned tasks", "count", n)
		}
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrent)
	defer p.late.Wait()
	defer g.Wait()

	for {
		tasks, err := p.store.Pull(ctx, p.cfg.BatchSize)
		if err != nil && ctx.Err() == nil {
			p.log.Error("pull tasks", "error", err)
		}
		for _, t := range tasks {
			g.Go(func() error {
				p.Process(context.WithoutCancel(ctx), t)
				return nil
			})
		}
		if depth, err := p.store.QueueDepth(ctx, domain.QueueDiscovered); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}

		if len(tasks) == p.cfg.BatchSize {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce pulls one batch, processes it and waits for every task in it.
func (p *Pipeline) RunOnce(ctx context.Context) ([]domain.TaskRecord, error) {
	tasks, err := p.store.Pull(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	records := make([]domain.TaskRecord, len(tasks))
	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrent)
	for i, t := range tasks {
		g.Go(func() error {
			records[i] = p.Process(ctx, t)
			return nil
		})
	}
	g.Wait()
	return records, nil
}

// Wait blocks until verifications that outlived their task have attached
// their outcome.
func (p *Pipeline) Wait() {
	p.late.Wait()
}

// ─── One Task ───────────────────────────────────────────────────────────────

type verifyOutcome struct {
	rec *domain.VerificationRecord
	err error
}

// Process runs one task to its terminal record. Failures are reported
// through the record's status, never as an error.
func (p *Pipeline) Process(ctx context.Context, task domain.Task) domain.TaskRecord {
	started := p.now()
	agentID := task.AgentID
	if agentID == "" {
		agentID = p.cfg.AgentID
	}
	rec := domain.TaskRecord{TaskID: task.ID, AgentID: agentID, StartedAt: started}
	log := p.log.With("task_id", task.ID)

	metrics.TasksActive.Inc()
	defer metrics.TasksActive.Dec()

	spanCtx, span := telemetry.StartTaskSpan(ctx, task.ID, agentID)
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	taskCtx, cancel := context.WithTimeout(spanCtx, p.cfg.TaskTimeout)
	defer cancel()

	var pending <-chan verifyOutcome
	finish := func(status domain.TaskStatus, err error) domain.TaskRecord {
		rec.Status = status
		if err != nil {
			rec.Error = err.Error()
			spanErr = err
		}
		rec.CompletedAt = p.now()
		p.record(ctx, log, rec)
		if pending != nil {
			p.attachLate(task.ID, rec.Fingerprint, pending)
		}
		return rec
	}

	// explain
	res, err := p.explainer.Explain(taskCtx, task.InputData)
	if err != nil {
		log.Warn("explainer failed", "error", err)
		return finish(domain.StatusExplainerFailed, err)
	}
	if len(res.InputFeatures) == 0 {
		res.InputFeatures = task.FeatureNames()
	}

	// score
	m, err := quality.Score(res)
	if err != nil {
		log.Warn("explanation rejected", "error", err)
		return finish(domain.StatusExplainerFailed, err)
	}
	rec.Metrics = &m
	metrics.QualityOverall.Observe(m.Overall())

	// gate + quote
	quote, err := p.calc.Quote(m, task.ComplexityTier, task.RequestedCurrency)
	if errors.Is(err, domain.ErrBelowQualityThreshold) {
		log.Info("below quality floor, no reward", "overall", m.Overall())
		return finish(domain.StatusZeroReward, nil)
	}
	if err != nil {
		return finish(domain.StatusExplainerFailed, err)
	}

	fp, err := res.Fingerprint()
	if err != nil {
		return finish(domain.StatusExplainerFailed, err)
	}
	rec.Fingerprint = fp

	// verify
	status := domain.StatusCompleted
	verified := p.startVerification(spanCtx, taskCtx, task.ID, fp)
	select {
	case out := <-verified:
		consensus := out.err == nil && out.rec.ConsensusAchieved
		rec.Consensus = &consensus
		if out.err != nil {
			log.Warn("verification unavailable", "fingerprint", fp, "error", out.err)
		}
		if consensus {
			m = m.WithVerification(true)
			rec.Metrics = &m
			requote, err := p.calc.Quote(m, task.ComplexityTier, task.RequestedCurrency)
			if err == nil {
				if requote.Tier != quote.Tier {
					log.Info("tier raised by verification", "from", quote.Tier, "to", requote.Tier, "overall", m.Overall())
				}
				quote = requote
			}
		} else {
			status = domain.StatusVerificationInconclusive
		}
	case <-time.After(p.cfg.VerificationGrace):
		log.Info("verification still running at grace deadline, settling on pre-verification quality",
			"fingerprint", fp, "grace", p.cfg.VerificationGrace)
		pending = verified
	case <-taskCtx.Done():
		log.Warn("task deadline reached during verification", "fingerprint", fp)
		pending = verified
	}
	rec.Quote = &quote
	metrics.RewardsQuoted.WithLabelValues(string(quote.Tier)).Inc()

	// settle
	rec.IdempotencyKey = domain.IdempotencyKey(task.ID, quote.FinalAmount, quote.Currency)
	rail, err := p.settler.RailFor(quote.Currency)
	if err != nil {
		log.Error("no rail for reward", "currency", quote.Currency, "error", err)
		return finish(domain.StatusSettlementFailed, err)
	}
	pay, err := p.settler.Settle(taskCtx, settlement.Request{
		TaskID:  task.ID,
		AgentID: agentID,
		Quote:   quote,
		Rail:    rail,
	})
	if err != nil {
		log.Error("settlement did not complete", "idempotency_key", rec.IdempotencyKey, "error", err)
		return finish(domain.StatusSettlementFailed, err)
	}

	log.Info("task complete",
		"tier", quote.Tier, "amount", quote.FinalAmount.String(), "currency", quote.Currency,
		"rail", pay.Rail, "reference", pay.ExternalReference, "status", status)
	return finish(status, nil)
}

// startVerification runs the coordinator in the background and delivers its
// outcome on the returned channel, which never blocks the sender. The run
// outlives Process so a late outcome can still be attached, but it is bound
// by the task deadline and cancelled with parent.
func (p *Pipeline) startVerification(parent, taskCtx context.Context, taskID, fp string) <-chan verifyOutcome {
	deadline, ok := taskCtx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.cfg.TaskTimeout)
	}
	vctx, cancel := context.WithDeadline(context.WithoutCancel(taskCtx), deadline)
	stop := context.AfterFunc(parent, cancel)

	done := make(chan verifyOutcome, 1)
	go func() {
		defer stop()
		defer cancel()
		rec, err := p.verifier.Verify(vctx, taskID, fp)
		done <- verifyOutcome{rec: rec, err: err}
	}()
	return done
}

// attachLate waits for a verification that outlived the grace period and
// records its outcome on the already written task record.
func (p *Pipeline) attachLate(taskID, fp string, done <-chan verifyOutcome) {
	p.late.Add(1)
	go func() {
		defer p.late.Done()
		out := <-done
		log := p.log.With("task_id", taskID, "fingerprint", fp)
		consensus := out.err == nil && out.rec.ConsensusAchieved
		if out.err != nil {
			log.Warn("late verification failed", "error", out.err)
		}
		if err := p.store.AttachVerification(context.Background(), taskID, fp, consensus); err != nil {
			log.Error("attach late verification", "error", err)
			return
		}
		log.Info("late verification attached", "consensus", consensus)
	}()
}

// record persists the terminal record and releases the queue entry.
func (p *Pipeline) record(ctx context.Context, log *slog.Logger, rec domain.TaskRecord) {
	store := context.WithoutCancel(ctx)
	if err := p.store.InsertRecord(store, rec); err != nil {
		log.Error("persist task record", "status", rec.Status, "error", err)
	}
	if err := p.store.MarkTaskDone(store, rec.TaskID); err != nil {
		log.Error("release queue entry", "error", err)
	}
	metrics.TasksTerminal.WithLabelValues(string(rec.Status)).Inc()
	metrics.TaskDuration.Observe(rec.Duration().Seconds())
}
