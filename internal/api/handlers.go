package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Health & Status ────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": s.health.Statuses()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := s.store.CountByStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payments, err := s.store.PaymentCounts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	queued, err := s.store.QueueDepth(ctx, domain.QueueDiscovered)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":    tasks,
		"payments": payments,
		"queued":   queued,
	})
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		writeError(w, http.StatusNotImplemented, "task intake disabled")
		return
	}
	var task domain.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, added, err := s.intake.Submit(r.Context(), task)
	switch {
	case errors.Is(err, domain.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case !added:
		writeJSON(w, http.StatusOK, map[string]any{"id": stored.ID, "queued": false})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"id": stored.ID, "queued": true})
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	// Not terminal yet: report the queued task.
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, domain.ErrTaskNotFound.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task, "status": "PENDING"})
}

// ─── Payments ───────────────────────────────────────────────────────────────

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	status := domain.PaymentStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", domain.PaymentPending, domain.PaymentSettled, domain.PaymentFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown payment status "+string(status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	payments, err := s.store.ListPayments(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if payments == nil {
		payments = []domain.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPayment(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, domain.ErrPaymentNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleResetPayment(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusNotImplemented, "settlement disabled")
		return
	}
	key := chi.URLParam(r, "key")
	err := s.payments.Reset(r.Context(), key)
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"idempotency_key": key, "status": string(domain.PaymentPending)})
	}
}

// ─── Verification ───────────────────────────────────────────────────────────

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetVerification(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, domain.ErrVerificationNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetrigger(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusNotImplemented, "verification disabled")
		return
	}
	rec, err := s.verifier.Retrigger(r.Context(), chi.URLParam(r, "fingerprint"))
	switch {
	case errors.Is(err, domain.ErrVerificationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConsensusFinal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// ─── Agents ─────────────────────────────────────────────────────────────────

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	profile, err := s.store.GetProfile(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, domain.ErrAgentNotFound.Error())
		return
	}
	st, err := s.ledger.AgentStatement(ctx, id, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":  profile,
		"balances": st.Balances,
		"ledger":   st.Entries,
	})
}

func (s *Server) handleLedgerAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
