package registrysync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/infra/sqlite"
	"github.com/tutu-network/ziggurat/internal/logger"
)

// ─── In-Memory Registry ─────────────────────────────────────────────────────

type memRegistry struct {
	name string

	mu     sync.Mutex
	down   bool
	views  map[string]domain.RegistryView
	pushes int
}

func newMemRegistry(name string) *memRegistry {
	return &memRegistry{name: name, views: make(map[string]domain.RegistryView)}
}

func (r *memRegistry) Name() string { return r.name }

func (r *memRegistry) Fetch(ctx context.Context, agentID string) (*domain.RegistryView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, fmt.Errorf("%s: %w", r.name, domain.ErrRegistryUnavailable)
	}
	v, ok := r.views[agentID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (r *memRegistry) Push(ctx context.Context, view domain.RegistryView) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, fmt.Errorf("%s: %w", r.name, domain.ErrRegistryUnavailable)
	}
	cur := r.views[view.Profile.AgentID]
	if cur.Revision != view.Revision {
		return 0, fmt.Errorf("%s: %w", r.name, domain.ErrVersionConflict)
	}
	view.Revision++
	view.Registry = r.name
	r.views[view.Profile.AgentID] = view
	r.pushes++
	return view.Revision, nil
}

func (r *memRegistry) seed(p domain.AgentProfile) {
	r.mu.Lock()
	r.views[p.AgentID] = domain.RegistryView{Registry: r.name, Profile: p, Revision: 1}
	r.mu.Unlock()
}

func (r *memRegistry) get(agentID string) domain.AgentProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[agentID].Profile
}

// statsStore wraps the real store with fixed statistics.
type statsStore struct {
	*sqlite.DB
	total   domain.Amount
	quality []float64
}

func (s *statsStore) SumSettled(ctx context.Context, agentID string) (domain.Amount, error) {
	return s.total, nil
}

func (s *statsStore) RecentQuality(ctx context.Context, agentID string, limit int) ([]float64, error) {
	return s.quality, nil
}

func newTestSyncer(t *testing.T, cfg Config, regs ...domain.Registry) (*Syncer, *statsStore) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := &statsStore{DB: db}
	return New(store, regs, cfg, logger.Discard()), store
}

func profile(id string, reward float64, version uint64, caps ...string) domain.AgentProfile {
	p := domain.NewAgentProfile(id, caps)
	p.CumulativeReward = domain.VersionedAmount{Value: domain.Units(reward), Version: version}
	return p
}

// ─── Merge ──────────────────────────────────────────────────────────────────

func TestMerge_HigherVersionWinsPerField(t *testing.T) {
	a := profile("agent-1", 10, 3)
	a.QualityHistory = domain.VersionedHistory{Values: []float64{0.7}, Version: 5}
	b := profile("agent-1", 40, 7)
	b.QualityHistory = domain.VersionedHistory{Values: []float64{0.9}, Version: 2}

	m := Merge(a, b)
	if m.CumulativeReward.Value != domain.Units(40) || m.CumulativeReward.Version != 7 {
		t.Errorf("reward = %+v, want 40@7", m.CumulativeReward)
	}
	if !slices.Equal(m.QualityHistory.Values, []float64{0.7}) || m.QualityHistory.Version != 5 {
		t.Errorf("history = %+v, want [0.7]@5", m.QualityHistory)
	}

	// Order of arguments only matters on ties.
	if got := Merge(b, a); got.CumulativeReward != m.CumulativeReward || got.QualityHistory.Version != 5 {
		t.Errorf("merge not symmetric on distinct versions: %+v", got)
	}
}

func TestMerge_TieIsOrderIndependent(t *testing.T) {
	a := profile("agent-1", 10, 4)
	a.QualityHistory = domain.VersionedHistory{Values: []float64{0.6, 0.8}, Version: 2}
	b := profile("agent-1", 90, 4)
	b.QualityHistory = domain.VersionedHistory{Values: []float64{0.6, 0.9}, Version: 2}

	ab, ba := Merge(a, b), Merge(b, a)
	if ab.CumulativeReward != ba.CumulativeReward {
		t.Errorf("reward Merge(a,b) = %+v, Merge(b,a) = %+v", ab.CumulativeReward, ba.CumulativeReward)
	}
	if ab.CumulativeReward.Value != domain.Units(90) {
		t.Errorf("tie picked %v, want the larger reward", ab.CumulativeReward.Value)
	}
	if !slices.Equal(ab.QualityHistory.Values, ba.QualityHistory.Values) {
		t.Errorf("history Merge(a,b) = %v, Merge(b,a) = %v", ab.QualityHistory.Values, ba.QualityHistory.Values)
	}
	if !slices.Equal(ab.QualityHistory.Values, []float64{0.6, 0.9}) {
		t.Errorf("history = %v, want [0.6 0.9]", ab.QualityHistory.Values)
	}

	longer := profile("agent-1", 0, 0)
	longer.QualityHistory = domain.VersionedHistory{Values: []float64{0.1, 0.1, 0.1}, Version: 2}
	if got := Merge(b, longer).QualityHistory.Values; len(got) != 3 {
		t.Errorf("history tie = %v, want the longer window", got)
	}
}

func TestMerge_UnionsCapabilities(t *testing.T) {
	m := Merge(profile("agent-1", 0, 0, "shap", "lime"), profile("agent-1", 0, 0, "lime", "gradient"))
	want := []string{"gradient", "lime", "shap"}
	if !slices.Equal(m.Capabilities, want) {
		t.Errorf("capabilities = %v, want %v", m.Capabilities, want)
	}
}

// ─── Sync Cycle ─────────────────────────────────────────────────────────────

func TestSyncAgent_MergesAndPushesToBoth(t *testing.T) {
	a, b := newMemRegistry("masumi"), newMemRegistry("sokosumi")
	a.seed(profile("agent-1", 40, 5, "shap"))
	b.seed(profile("agent-1", 20, 2, "attention"))

	s, _ := newTestSyncer(t, Config{}, a, b)
	ctx := context.Background()

	got, err := s.SyncAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("SyncAgent() error: %v", err)
	}
	if got.CumulativeReward.Value != domain.Units(40) || got.CumulativeReward.Version != 5 {
		t.Errorf("merged reward = %+v, want 40@5", got.CumulativeReward)
	}
	if !slices.Equal(got.Capabilities, []string{"attention", "shap"}) {
		t.Errorf("capabilities = %v", got.Capabilities)
	}
	for _, r := range []*memRegistry{a, b} {
		p := r.get("agent-1")
		if p.CumulativeReward.Value != domain.Units(40) || len(p.Capabilities) != 2 {
			t.Errorf("%s holds %+v", r.name, p)
		}
		if _, ok := got.LastSyncedAt[r.name]; !ok {
			t.Errorf("LastSyncedAt[%s] missing", r.name)
		}
	}

	stored, _ := s.store.GetProfile(ctx, "agent-1")
	if stored == nil || stored.CumulativeReward.Value != domain.Units(40) {
		t.Errorf("local profile = %+v", stored)
	}
}

func TestSyncAgent_LocalStatsBumpVersion(t *testing.T) {
	a := newMemRegistry("masumi")
	a.seed(profile("agent-1", 10, 1))

	s, store := newTestSyncer(t, Config{}, a)
	ctx := context.Background()

	if _, err := s.SyncAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	store.total = domain.Units(125)
	store.quality = []float64{0.8, 0.9}

	got, err := s.SyncAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got.CumulativeReward.Value != domain.Units(125) {
		t.Errorf("reward = %v, want 125", got.CumulativeReward.Value)
	}
	if got.CumulativeReward.Version <= 1 {
		t.Errorf("version = %d, want bumped above the registry's 1", got.CumulativeReward.Version)
	}
	if !slices.Equal(got.QualityHistory.Values, []float64{0.8, 0.9}) || got.QualityHistory.Version != 1 {
		t.Errorf("history = %+v", got.QualityHistory)
	}
	if p := a.get("agent-1"); p.CumulativeReward.Value != domain.Units(125) {
		t.Errorf("registry reward = %v, want 125", p.CumulativeReward.Value)
	}
}

func TestSyncAgent_OneRegistryDown(t *testing.T) {
	a, b := newMemRegistry("masumi"), newMemRegistry("sokosumi")
	b.seed(profile("agent-1", 30, 3, "lime"))
	a.down = true

	s, _ := newTestSyncer(t, Config{}, a, b)
	got, err := s.SyncAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("SyncAgent() error: %v", err)
	}
	if got.CumulativeReward.Value != domain.Units(30) {
		t.Errorf("reward = %v, want the reachable registry's 30", got.CumulativeReward.Value)
	}
	if _, ok := got.LastSyncedAt["masumi"]; ok {
		t.Error("unreachable registry must not be marked synced")
	}
	if a.pushes != 0 || b.pushes != 1 {
		t.Errorf("pushes = %d/%d, want 0/1", a.pushes, b.pushes)
	}

	// Next cycle catches the registry up.
	a.down = false
	if _, err := s.SyncAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("SyncAgent() error: %v", err)
	}
	if p := a.get("agent-1"); p.CumulativeReward.Value != domain.Units(30) {
		t.Errorf("recovered registry holds %v, want 30", p.CumulativeReward.Value)
	}
}

func TestSyncAll_IncludesNodeAgent(t *testing.T) {
	a := newMemRegistry("masumi")
	s, _ := newTestSyncer(t, Config{AgentID: "node", Capabilities: []string{"shap"}}, a)

	if err := s.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll() error: %v", err)
	}
	p := a.get("node")
	if p.AgentID != "node" || !slices.Equal(p.Capabilities, []string{"shap"}) {
		t.Errorf("registry profile = %+v", p)
	}
}

func TestSyncAgent_LocalConflictRetries(t *testing.T) {
	s, store := newTestSyncer(t, Config{})
	ctx := context.Background()

	// A concurrent writer saved the profile after this cycle loaded it.
	racer := &racingStore{statsStore: store, once: true}
	s.store = racer

	got, err := s.SyncAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("SyncAgent() error: %v", err)
	}
	if racer.saves < 2 {
		t.Errorf("saves = %d, want a retry after the conflict", racer.saves)
	}
	if got.Revision < 2 {
		t.Errorf("revision = %d, want a write on top of the racer's", got.Revision)
	}
}

// racingStore sneaks in a competing write before the first save.
type racingStore struct {
	*statsStore
	once  bool
	saves int
}

func (r *racingStore) SaveProfile(ctx context.Context, p domain.AgentProfile) (int64, error) {
	r.saves++
	if r.once {
		r.once = false
		if _, err := r.statsStore.SaveProfile(ctx, domain.NewAgentProfile(p.AgentID, []string{"other"})); err != nil {
			return 0, err
		}
	}
	return r.statsStore.SaveProfile(ctx, p)
}
