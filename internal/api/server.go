// Package api provides the HTTP server for Ziggurat: health, metrics,
// read-only views of task, payment, verification and agent records, and the
// manual operator actions (payment reset, verification re-trigger).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/ziggurat/internal/app/credit"
	"github.com/tutu-network/ziggurat/internal/domain"
	"github.com/tutu-network/ziggurat/internal/health"
)

// Store is the read side of the engine's state. Implemented by *sqlite.DB.
type Store interface {
	Ping() error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetRecord(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
	QueueDepth(ctx context.Context, state domain.QueueState) (int, error)
	GetPayment(ctx context.Context, key string) (*domain.PaymentRecord, error)
	ListPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.PaymentRecord, error)
	PaymentCounts(ctx context.Context) (map[domain.PaymentStatus]int, error)
	GetVerification(ctx context.Context, fingerprint string) (*domain.VerificationRecord, error)
	GetProfile(ctx context.Context, agentID string) (*domain.AgentProfile, error)
}

// Ledger reads the reward ledger. Implemented by *credit.Service.
type Ledger interface {
	AgentStatement(ctx context.Context, agentID string, limit int) (credit.Statement, error)
	Audit(ctx context.Context) (credit.Report, error)
}

// HealthReporter exposes the periodic health checks. Implemented by
// *health.Checker.
type HealthReporter interface {
	IsHealthy() bool
	Statuses() []health.Status
}

// Submitter accepts new tasks. Implemented by *pipeline.Intake.
type Submitter interface {
	Submit(ctx context.Context, task domain.Task) (domain.Task, bool, error)
}

// PaymentResetter moves FAILED payments back to PENDING. Implemented by
// *settlement.Service.
type PaymentResetter interface {
	Reset(ctx context.Context, key string) error
}

// Retriggerer reopens inconclusive verifications. Implemented by
// *verify.Coordinator.
type Retriggerer interface {
	Retrigger(ctx context.Context, fingerprint string) (*domain.VerificationRecord, error)
}

// Server is the Ziggurat HTTP API server.
type Server struct {
	store          Store
	ledger         Ledger
	health         HealthReporter
	intake         Submitter
	payments       PaymentResetter
	verifier       Retriggerer
	version        string
	metricsEnabled bool
}

// NewServer creates a new API server over the store and ledger.
func NewServer(store Store, ledger Ledger, version string) *Server {
	return &Server{store: store, ledger: ledger, version: version}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetIntake enables POST /api/tasks.
func (s *Server) SetIntake(i Submitter) { s.intake = i }

// SetPayments enables POST /api/payments/{key}/reset.
func (s *Server) SetPayments(p PaymentResetter) { s.payments = p }

// SetHealth adds the periodic check results to /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetVerifier enables POST /api/verifications/{fingerprint}/retrigger.
func (s *Server) SetVerifier(v Retriggerer) { s.verifier = v }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks/{id}", s.handleGetTask)

		r.Get("/payments", s.handleListPayments)
		r.Get("/payments/{key}", s.handleGetPayment)
		r.Post("/payments/{key}/reset", s.handleResetPayment)

		r.Get("/verifications/{fingerprint}", s.handleGetVerification)
		r.Post("/verifications/{fingerprint}/retrigger", s.handleRetrigger)

		r.Get("/agents/{id}", s.handleGetAgent)
		r.Get("/ledger/audit", s.handleLedgerAudit)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
