// Package rates provides conversion-rate sources for cross-currency settlement.
package rates

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// DefaultTable holds the cross rates the marketplace published at launch.
// Each entry reads "1 FROM = value TO".
func DefaultTable() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"MASUMI": {"USD": 0.10, "ICP": 0.02, "TON": 0.05, "ADA": 0.25},
		"ICP":    {"USD": 5.0, "MASUMI": 50.0, "TON": 2.5, "ADA": 12.5},
		"TON":    {"USD": 2.0, "MASUMI": 20.0, "ICP": 0.4, "ADA": 5.0},
		"ADA":    {"USD": 0.40, "MASUMI": 4.0, "ICP": 0.08, "TON": 0.2},
	}
}

// Static serves rates from an in-memory table. Pairs missing from the table
// are answered from the inverse entry when one exists.
type Static struct {
	mu    sync.RWMutex
	table map[string]map[string]float64
	asOf  time.Time
	now   func() time.Time
}

// NewStatic creates a static source. A zero asOf stamps every lookup with the
// current time, which treats the table as live.
func NewStatic(table map[string]map[string]float64, asOf time.Time) *Static {
	s := &Static{asOf: asOf, now: time.Now}
	s.Replace(table, asOf)
	return s
}

// Replace swaps the whole table atomically.
func (s *Static) Replace(table map[string]map[string]float64, asOf time.Time) {
	norm := make(map[string]map[string]float64, len(table))
	for from, row := range table {
		f := strings.ToUpper(from)
		if norm[f] == nil {
			norm[f] = make(map[string]float64, len(row))
		}
		for to, v := range row {
			norm[f][strings.ToUpper(to)] = v
		}
	}
	s.mu.Lock()
	s.table = norm
	s.asOf = asOf
	s.mu.Unlock()
}

// Rate implements domain.RateSource.
func (s *Static) Rate(_ context.Context, from, to string) (domain.Rate, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	asOf := s.asOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	r := domain.Rate{From: from, To: to, AsOf: asOf}

	if from == to {
		r.Value = 1
		return r, nil
	}
	if v, ok := s.table[from][to]; ok && v > 0 {
		r.Value = v
		return r, nil
	}
	if v, ok := s.table[to][from]; ok && v > 0 {
		r.Value = 1 / v
		return r, nil
	}
	return domain.Rate{}, fmt.Errorf("%s→%s: %w", from, to, domain.ErrRateUnknown)
}
