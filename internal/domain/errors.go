package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Scoring errors
	ErrInvalidExplanation = errors.New("invalid explanation")

	// Reward errors
	ErrBelowQualityThreshold = errors.New("overall quality below reward floor")
	ErrUnknownComplexity     = errors.New("unknown complexity tier")

	// Verification errors
	ErrVerificationInconclusive = errors.New("verification consensus not reached")
	ErrConsensusFinal           = errors.New("verification consensus already achieved; record is final")
	ErrVerificationNotFound     = errors.New("verification record not found")
	ErrNoNetworks               = errors.New("no verification networks configured")

	// Settlement errors
	ErrSettlementFailed   = errors.New("settlement failed: flagged for manual reconciliation")
	ErrSettlementDeferred = errors.New("settlement deferred: conversion rate is stale")
	ErrSettlementInFlight = errors.New("settlement already in flight for this idempotency key")
	ErrPaymentNotFound    = errors.New("payment record not found")
	ErrInvalidTransition  = errors.New("invalid payment status transition")
	ErrNoRail             = errors.New("no payment rail available for currency")
	ErrRateStale          = errors.New("conversion rate older than freshness bound")
	ErrRateUnknown        = errors.New("no conversion rate for currency pair")

	// Network errors
	ErrNetworkUnavailable   = errors.New("network unavailable")
	ErrExplainerUnavailable = errors.New("explainer unavailable")

	// Task errors
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidTask  = errors.New("invalid task")

	// Registry errors
	ErrRegistryUnavailable = errors.New("agent registry unreachable")
	ErrVersionConflict     = errors.New("concurrent update: version check failed")
	ErrAgentNotFound       = errors.New("agent profile not found")
)

// NetworkError is returned by NetworkClient implementations. StatusCode follows
// HTTP conventions so that rails speaking other protocols can still signal
// whether a failure is worth retrying.
type NetworkError struct {
	Network    string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network %s: status %d: %v", e.Network, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network %s: %v", e.Network, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Transient reports whether retrying the request may succeed.
// Timeouts, 429 and 5xx are transient; other 4xx are not.
func (e *NetworkError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth another attempt. Errors that are
// not NetworkErrors are treated as transient only when they wrap
// ErrNetworkUnavailable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Transient()
	}
	return errors.Is(err, ErrNetworkUnavailable)
}
