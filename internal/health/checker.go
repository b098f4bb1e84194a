// Package health provides periodic health checks with auto-recovery.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tutu-network/ziggurat/internal/app/credit"
	"github.com/tutu-network/ziggurat/internal/domain"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Store is what the checks read. Implemented by *sqlite.DB.
type Store interface {
	Ping() error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error)
}

// Auditor audits and repairs the reward ledger. Implemented by *credit.Service.
type Auditor interface {
	Audit(ctx context.Context) (credit.Report, error)
	Repair(ctx context.Context) (credit.Report, error)
}

// Reconciler re-dispatches stuck payments. Implemented by
// *settlement.Reconciler.
type Reconciler interface {
	RunOnce(ctx context.Context) (int, error)
}

// Config wires the checks.
type Config struct {
	Interval      time.Duration
	DataDir       string
	MaxPendingAge time.Duration // PENDING payments older than this mean the reconciler is behind
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	now      func() time.Time
}

// NewChecker creates a checker with the standard checks: sqlite, data_dir,
// settlement_backlog and ledger.
func NewChecker(store Store, ledger Auditor, reconciler Reconciler, cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 15 * time.Minute
	}
	c := &Checker{interval: cfg.Interval, now: time.Now}
	c.checks = []Check{
		{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return store.Ping()
			},
		},
		{
			Name: "data_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDataDir(cfg.DataDir)
			},
		},
		{
			Name: "settlement_backlog",
			CheckFn: func(ctx context.Context) error {
				stuck, err := store.StalePending(ctx, c.now().Add(-cfg.MaxPendingAge), 1)
				if err != nil {
					return err
				}
				if len(stuck) > 0 {
					return fmt.Errorf("payment %s pending since %s", stuck[0].IdempotencyKey, stuck[0].UpdatedAt.Format(time.RFC3339))
				}
				return nil
			},
			RecoverFn: func(ctx context.Context) error {
				_, err := reconciler.RunOnce(ctx)
				return err
			},
		},
		{
			Name: "ledger",
			CheckFn: func(ctx context.Context) error {
				r, err := ledger.Audit(ctx)
				if err != nil {
					return err
				}
				if !r.Balanced {
					return fmt.Errorf("debits and credits differ: %+v", r.Totals)
				}
				if len(r.Unposted) > 0 {
					return fmt.Errorf("%d settled payments without ledger entries", len(r.Unposted))
				}
				return nil
			},
			RecoverFn: func(ctx context.Context) error {
				_, err := ledger.Repair(ctx)
				return err
			},
		},
	}
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check, attempting recovery on failures.
func (c *Checker) RunOnce(ctx context.Context) {
	now := c.now
	if now == nil {
		now = time.Now
	}
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			// Attempt recovery
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
