// Package registrysync keeps agent profiles consistent between local storage
// and the external agent registries.
//
// Each cycle folds local statistics into the stored profile, fetches every
// registry's view, merges per field by version (last write wins, ties keep
// the local value), unions capabilities, and writes the result back to every
// reachable registry and to local storage. An unreachable registry is skipped
// until the next cycle.
package registrysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/infra/metrics"
)

// Store is the local profile table plus the statistics folded into it.
// Implemented by *sqlite.DB.
type Store interface {
	GetProfile(ctx context.Context, agentID string) (*domain.AgentProfile, error)
	SaveProfile(ctx context.Context, p domain.AgentProfile) (int64, error)
	ListAgents(ctx context.Context) ([]string, error)
	SumSettled(ctx context.Context, agentID string) (domain.Amount, error)
	RecentQuality(ctx context.Context, agentID string, limit int) ([]float64, error)
}

// Config controls the sync loop.
type Config struct {
	Interval     time.Duration
	AgentID      string   // this node's agent, always synced
	Capabilities []string // advertised for AgentID
}

// saveAttempts bounds local read-merge-write retries within one cycle.
const saveAttempts = 3

// Syncer reconciles profiles. It never runs two cycles at once.
type Syncer struct {
	store      Store
	registries []domain.Registry
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
}

// New creates a syncer over the given registries.
func New(store Store, registries []domain.Registry, cfg Config, log *slog.Logger) *Syncer {
	return &Syncer{
		store:      store,
		registries: registries,
		cfg:        cfg,
		log:        log.With("component", "registry-sync"),
		now:        time.Now,
	}
}

// Run syncs on every tick until ctx ends.
func (s *Syncer) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// SyncAll syncs every known agent. Per-agent failures are logged; the error
// reports only a failure to list agents.
func (s *Syncer) SyncAll(ctx context.Context) error {
	ids, err := s.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if s.cfg.AgentID != "" && !slices.Contains(ids, s.cfg.AgentID) {
		ids = append(ids, s.cfg.AgentID)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.SyncAgent(ctx, id); err != nil {
			s.log.Warn("agent sync failed", "agent_id", id, "error", err)
		}
	}
	return nil
}

// SyncAgent runs one read-merge-write cycle for an agent and returns the
// merged profile as stored locally.
func (s *Syncer) SyncAgent(ctx context.Context, agentID string) (*domain.AgentProfile, error) {
	var lastErr error
	for range saveAttempts {
		p, err := s.syncOnce(ctx, agentID)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return p, err
		}
		lastErr = err
		s.log.Debug("profile changed during sync, retrying", "agent_id", agentID)
	}
	return nil, lastErr
}

func (s *Syncer) syncOnce(ctx context.Context, agentID string) (*domain.AgentProfile, error) {
	local, err := s.store.GetProfile(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if local == nil {
		p := domain.NewAgentProfile(agentID, nil)
		local = &p
	}
	if agentID == s.cfg.AgentID {
		local.Capabilities = domain.UnionCapabilities(local.Capabilities, s.cfg.Capabilities)
	}
	if err := s.foldStats(ctx, local); err != nil {
		return nil, err
	}

	views := make(map[string]*domain.RegistryView, len(s.registries))
	merged := *local
	for _, r := range s.registries {
		view, err := r.Fetch(ctx, agentID)
		if err != nil {
			metrics.RegistrySync.WithLabelValues(r.Name(), "unreachable").Inc()
			s.log.Warn("registry unreachable, retrying next cycle",
				"registry", r.Name(), "agent_id", agentID, "error", err)
			continue
		}
		if view == nil {
			view = &domain.RegistryView{Registry: r.Name()}
		} else {
			merged = Merge(merged, view.Profile)
		}
		views[r.Name()] = view
	}

	if merged.LastSyncedAt == nil {
		merged.LastSyncedAt = make(map[string]time.Time)
	}
	for _, r := range s.registries {
		view, ok := views[r.Name()]
		if !ok {
			continue
		}
		out := merged
		out.LastSyncedAt = nil
		if _, err := r.Push(ctx, domain.RegistryView{Registry: r.Name(), Profile: out, Revision: view.Revision}); err != nil {
			metrics.RegistrySync.WithLabelValues(r.Name(), "push_failed").Inc()
			s.log.Warn("registry push failed, retrying next cycle",
				"registry", r.Name(), "agent_id", agentID, "error", err)
			continue
		}
		merged.LastSyncedAt[r.Name()] = s.now()
		metrics.RegistrySync.WithLabelValues(r.Name(), "synced").Inc()
	}

	merged.Revision = local.Revision
	rev, err := s.store.SaveProfile(ctx, merged)
	if err != nil {
		return nil, err
	}
	merged.Revision = rev
	s.log.Debug("profile synced", "agent_id", agentID,
		"cumulative_reward", merged.CumulativeReward.Value.String(),
		"reward_version", merged.CumulativeReward.Version,
		"registries", len(views))
	return &merged, nil
}

// foldStats writes changed local statistics into the profile, bumping the
// version of each field that changed.
func (s *Syncer) foldStats(ctx context.Context, p *domain.AgentProfile) error {
	total, err := s.store.SumSettled(ctx, p.AgentID)
	if err != nil {
		return fmt.Errorf("sum settled rewards: %w", err)
	}
	history, err := s.store.RecentQuality(ctx, p.AgentID, domain.QualityHistoryWindow)
	if err != nil {
		return fmt.Errorf("recent quality: %w", err)
	}

	if total != p.CumulativeReward.Value {
		p.CumulativeReward = domain.VersionedAmount{Value: total, Version: p.CumulativeReward.Version + 1}
	}
	if len(history) > domain.QualityHistoryWindow {
		history = history[len(history)-domain.QualityHistoryWindow:]
	}
	if len(history) > 0 && !slices.Equal(history, p.QualityHistory.Values) {
		p.QualityHistory = domain.VersionedHistory{Values: history, Version: p.QualityHistory.Version + 1}
	}
	return nil
}

// Merge combines two views of a profile. Each versioned field keeps the value
// with the higher version. Equal versions resolve by value (the larger reward,
// the longer then lexicographically greater history), so Merge(a, b) and
// Merge(b, a) agree on every versioned field. Capabilities are unioned.
// LastSyncedAt and Revision come from a.
func Merge(a, b domain.AgentProfile) domain.AgentProfile {
	out := a
	if newerAmount(b.CumulativeReward, a.CumulativeReward) {
		out.CumulativeReward = b.CumulativeReward
	}
	if newerHistory(b.QualityHistory, a.QualityHistory) {
		out.QualityHistory = b.QualityHistory
	}
	out.QualityHistory.Values = slices.Clone(out.QualityHistory.Values)
	out.Capabilities = domain.UnionCapabilities(a.Capabilities, b.Capabilities)
	return out
}

func newerAmount(x, y domain.VersionedAmount) bool {
	if x.Version != y.Version {
		return x.Version > y.Version
	}
	return x.Value > y.Value
}

func newerHistory(x, y domain.VersionedHistory) bool {
	if x.Version != y.Version {
		return x.Version > y.Version
	}
	if len(x.Values) != len(y.Values) {
		return len(x.Values) > len(y.Values)
	}
	return slices.Compare(x.Values, y.Values) > 0
}
