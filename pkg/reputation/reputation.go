// Package reputation supplies the solver win-rate component of bid scores.
package reputation

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
)

// Source returns a solver's reputation in [0, 100]
type Source interface {
	Reputation(ctx context.Context, solver common.Address) (decimal.Decimal, error)
}

// OutcomeRecorder is told who won and who lost each decided intent
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, solver common.Address, won bool)
}

// Stats is the raw record of a solver
type Stats struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
}

// Tracker keeps win rates in memory. Unseen solvers score the default.
type Tracker struct {
	mu     sync.RWMutex
	solver map[common.Address]*Stats
}

var (
	_ Source          = (*Tracker)(nil)
	_ OutcomeRecorder = (*Tracker)(nil)
)

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{solver: make(map[common.Address]*Stats)}
}

// Reputation returns 100 * wins / decided bids
func (t *Tracker) Reputation(_ context.Context, solver common.Address) (decimal.Decimal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.solver[solver]
	if !ok || s.Wins+s.Losses == 0 {
		return scoring.DefaultReputation, nil
	}
	rate := decimal.NewFromInt(int64(100 * s.Wins)).Div(decimal.NewFromInt(int64(s.Wins + s.Losses)))
	return rate.Round(scoring.ScorePlaces), nil
}

// RecordOutcome counts a win or a loss
func (t *Tracker) RecordOutcome(_ context.Context, solver common.Address, won bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.solver[solver]
	if !ok {
		s = &Stats{}
		t.solver[solver] = s
	}
	if won {
		s.Wins++
	} else {
		s.Losses++
	}
}

// Stats returns the record of solver
func (t *Tracker) Stats(solver common.Address) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.solver[solver]; ok {
		return *s
	}
	return Stats{}
}

// Lookup resolves reputations for a set of solvers, falling back to the
// default for any solver the source fails on.
func Lookup(ctx context.Context, src Source, solvers []common.Address) map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal, len(solvers))
	for _, solver := range solvers {
		if _, done := out[solver]; done {
			continue
		}
		rep, err := src.Reputation(ctx, solver)
		if err != nil {
			rep = scoring.DefaultReputation
		}
		out[solver] = rep
	}
	return out
}
