package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/ziggurat/internal/api"
	"github.com/tutu-network/ziggurat/internal/app/credit"
	"github.com/tutu-network/ziggurat/internal/app/pipeline"
	"github.com/tutu-network/ziggurat/internal/app/registrysync"
	"github.com/tutu-network/ziggurat/internal/app/reward"
	"github.com/tutu-network/ziggurat/internal/app/settlement"
	"github.com/tutu-network/ziggurat/internal/app/verify"
	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/health"
	"github.com/tutu-network/ziggurat/internal/infra/explainer"
	"github.com/tutu-network/ziggurat/internal/infra/metrics"
	"github.com/tutu-network/ziggurat/internal/infra/natsbus"
	"github.com/tutu-network/ziggurat/internal/infra/network"
	"github.com/tutu-network/ziggurat/internal/infra/rates"
	"github.com/tutu-network/ziggurat/internal/infra/retry"
	"github.com/tutu-network/ziggurat/internal/infra/sqlite"
	"github.com/tutu-network/ziggurat/internal/infra/telemetry"
	"github.com/tutu-network/ziggurat/internal/logger"
)

// Daemon is the core Ziggurat runtime. It wires together all services.
type Daemon struct {
	Config     Config
	Log        *slog.Logger
	DB         *sqlite.DB
	Verifier   *verify.Coordinator
	Settlement *settlement.Service
	Reconciler *settlement.Reconciler
	Pipeline   *pipeline.Pipeline
	Intake     *pipeline.Intake
	Credit     *credit.Service
	Health     *health.Checker
	Server     *api.Server

	// Set by Connect.
	Sync  *registrysync.Syncer
	buses map[string]*natsbus.Bus

	version string
	rates   *rates.Cached
	cancel  context.CancelFunc
}

// New loads the config and creates a Daemon.
func New(version string) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg, version)
}

// NewWithConfig creates a Daemon with the given configuration. External
// NATS services are attached separately by Connect.
func NewWithConfig(cfg Config, version string) (*Daemon, error) {
	return newDaemon(cfg, version, logger.New(cfg.Logging))
}

func newDaemon(cfg Config, version string, log *slog.Logger) (*Daemon, error) {
	db, err := sqlite.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{
		Config:  cfg,
		Log:     log,
		DB:      db,
		buses:   make(map[string]*natsbus.Bus),
		version: version,
	}

	// Conversion rates: static table behind a ristretto cache
	table := cfg.Rates.Table
	if len(table) == 0 {
		table = rates.DefaultTable()
	}
	d.rates, err = rates.NewCached(rates.NewStatic(table, time.Time{}), parseDuration(cfg.Rates.CacheTTL, 5*time.Minute), 0)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("rate cache: %w", err)
	}

	// Verification networks
	networks := make([]domain.NetworkClient, 0, len(cfg.Verification.Networks))
	for _, n := range cfg.Verification.Networks {
		if n.Endpoint == "" {
			networks = append(networks, network.NewLoopback(n.ID, "", true, 0))
			continue
		}
		networks = append(networks, network.NewHTTPClient(network.HTTPConfig{
			ID:         n.ID,
			Endpoint:   n.Endpoint,
			RatePerSec: n.RatePerSec,
		}, nil))
	}
	verifyCfg := verify.DefaultConfig()
	verifyCfg.Threshold = cfg.Verification.Threshold
	verifyCfg.Timeout = parseDuration(cfg.Verification.Timeout, verifyCfg.Timeout)
	d.Verifier = verify.New(db, networks, verifyCfg, log)

	// Payment rails
	rails := make([]domain.Rail, 0, len(cfg.Settlement.Rails))
	for _, r := range cfg.Settlement.Rails {
		if r.Endpoint == "" {
			rails = append(rails, network.NewLoopback(r.ID, r.Currency, true, 0))
			continue
		}
		rails = append(rails, network.NewHTTPClient(network.HTTPConfig{
			ID:         r.ID,
			Endpoint:   r.Endpoint,
			RatePerSec: r.RatePerSec,
			Currency:   r.Currency,
		}, nil))
	}
	settleCfg := settlement.DefaultConfig()
	settleCfg.Retry = retry.Policy{
		MaxAttempts: cfg.Settlement.MaxAttempts,
		BaseDelay:   parseDuration(cfg.Settlement.BaseDelay, settleCfg.Retry.BaseDelay),
		MaxDelay:    parseDuration(cfg.Settlement.MaxDelay, settleCfg.Retry.MaxDelay),
		Jitter:      cfg.Settlement.Jitter,
	}
	settleCfg.RateMaxAge = parseDuration(cfg.Settlement.RateMaxAge, settleCfg.RateMaxAge)
	d.Settlement = settlement.New(db, rails, d.rates, settleCfg, log)
	d.Reconciler = settlement.NewReconciler(d.Settlement, parseDuration(cfg.Settlement.ReconcileInterval, time.Minute), 0)

	// Explainer
	method := domain.ExplanationMethod(cfg.Explainer.Method)
	var expl domain.Explainer
	if cfg.Explainer.Endpoint != "" {
		expl = explainer.NewHTTP(cfg.Explainer.Endpoint, method, nil)
	} else {
		log.Warn("no explainer endpoint configured, using local explainer")
		expl = explainer.NewLocal(method)
	}

	// Task pipeline
	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.AgentID = cfg.Node.AgentID
	pipeCfg.MaxConcurrent = cfg.Pipeline.MaxConcurrent
	pipeCfg.BatchSize = cfg.Pipeline.BatchSize
	pipeCfg.TaskTimeout = parseDuration(cfg.Pipeline.TaskTimeout, pipeCfg.TaskTimeout)
	pipeCfg.VerificationGrace = parseDuration(cfg.Pipeline.VerificationGrace, pipeCfg.VerificationGrace)
	pipeCfg.PollInterval = parseDuration(cfg.Pipeline.PollInterval, pipeCfg.PollInterval)
	d.Pipeline = pipeline.New(db, expl, reward.NewCalculator(cfg.Reward), d.Verifier, d.Settlement, pipeCfg, log)
	d.Intake = pipeline.NewIntake(db)

	// Agent registry sync; registries are attached by Connect
	d.Sync = registrysync.New(db, nil, d.syncConfig(), log)

	// Ledger audit and health checks
	d.Credit = credit.NewService(db)
	d.Health = health.NewChecker(db, d.Credit, d.Reconciler, health.Config{
		DataDir:       Home(),
		MaxPendingAge: 3 * settleCfg.RateMaxAge,
	})

	// API server
	srv := api.NewServer(db, d.Credit, version)
	srv.SetHealth(d.Health)
	srv.SetIntake(d.Intake)
	srv.SetPayments(d.Settlement)
	srv.SetVerifier(d.Verifier)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

func (d *Daemon) syncConfig() registrysync.Config {
	return registrysync.Config{
		Interval:     parseDuration(d.Config.Registry.Interval, 5*time.Minute),
		AgentID:      d.Config.Node.AgentID,
		Capabilities: d.Config.Node.Capabilities,
	}
}

// Connect dials the configured NATS servers and attaches the KV agent
// registries to the registry sync. A no-op when no NATS URL is configured.
func (d *Daemon) Connect(ctx context.Context) error {
	if d.Config.Registry.NATSURL == "" {
		return nil
	}
	bus, err := d.Bus(ctx, d.Config.Registry.NATSURL)
	if err != nil {
		return err
	}
	registries := make([]domain.Registry, 0, len(d.Config.Registry.Buckets))
	for _, bucket := range d.Config.Registry.Buckets {
		reg, err := bus.Registry(ctx, bucket)
		if err != nil {
			return err
		}
		registries = append(registries, reg)
	}
	d.Sync = registrysync.New(d.DB, registries, d.syncConfig(), d.Log)
	return nil
}

// Bus returns the NATS connection for url, dialing it once.
func (d *Daemon) Bus(ctx context.Context, url string) (*natsbus.Bus, error) {
	if b, ok := d.buses[url]; ok {
		return b, nil
	}
	b, err := natsbus.Connect(ctx, url, d.Log)
	if err != nil {
		return nil, err
	}
	d.buses[url] = b
	return b, nil
}

// Serve starts every loop and the HTTP server and blocks until shutdown.
// In-flight tasks finish under their own deadline before Serve returns.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: d.Config.Telemetry.OTLPEndpoint,
		Insecure:     d.Config.Telemetry.OTLPInsecure,
		Version:      d.version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			d.Log.Warn("trace flush failed", "error", err)
		}
	}()

	if err := d.Connect(ctx); err != nil {
		return err
	}

	stopIntake := func() {}
	if d.Config.Intake.NATSURL != "" {
		bus, err := d.Bus(ctx, d.Config.Intake.NATSURL)
		if err != nil {
			return err
		}
		if stopIntake, err = bus.ConsumeTasks(ctx, d.Config.Intake.Subject, d.Intake); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.Pipeline.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		d.Reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.Sync.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reportUptime(gctx, time.Now())
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopIntake()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	d.Log.Info("ziggurat serving",
		"addr", addr,
		"agent_id", d.Config.Node.AgentID,
		"networks", d.Verifier.Networks(),
		"metrics", d.Config.Telemetry.Prometheus,
	)

	err = g.Wait()
	d.Log.Info("ziggurat stopped")
	return err
}

func reportUptime(ctx context.Context, started time.Time) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UptimeSeconds.Set(time.Since(started).Seconds())
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	for url, b := range d.buses {
		if err := b.Close(); err != nil {
			d.Log.Warn("nats close failed", "url", url, "error", err)
		}
	}
	if d.rates != nil {
		d.rates.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
