package coordinator

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// armWindow schedules winner selection for when the window closes
func (s *Service) armWindow(intent *models.Intent) {
	hash := intent.Hash
	d := intent.WindowClosesAt.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if old, ok := s.timers[hash]; ok {
		old.Stop()
	}
	s.timers[hash] = s.clock.AfterFunc(d, func() {
		s.timersMu.Lock()
		delete(s.timers, hash)
		s.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
		defer cancel()
		s.closeWindow(ctx, hash)
	})
}

func (s *Service) disarmWindow(hash common.Hash) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[hash]; ok {
		t.Stop()
		delete(s.timers, hash)
	}
}

func (s *Service) hasTimer(hash common.Hash) bool {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	_, ok := s.timers[hash]
	return ok
}

// ArmedWindows returns the number of windows waiting for their close timer
func (s *Service) ArmedWindows() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}

// closeWindow decides the intent once its window is over
func (s *Service) closeWindow(ctx context.Context, hash common.Hash) {
	winner, err := s.SelectWinner(ctx, hash)
	switch {
	case err == nil:
		s.logger.Debug("Window of intent %s closed, winner %s", hash.Hex(), winner.ID)
	case apperr.CodeOf(err) == apperr.CodeNoBids:
		s.logger.Debug("Window of intent %s closed without bids", hash.Hex())
	case apperr.CodeOf(err) == apperr.CodeAlreadyDecided:
	default:
		s.logger.Error("Failed to close window of intent %s: %v", hash.Hex(), err)
	}
}

// Recover re-arms window timers after a restart. Intents stuck in New are
// announced now, windows that closed while the process was down are decided
// at once and intents past their deadline expire. Decided intents whose
// outcome was never fully applied are finished. It returns the number of
// windows re-armed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if _, err := s.FinishDecisions(ctx); err != nil {
		return 0, err
	}

	open, err := s.store.ListIntentsByStatus(ctx, models.OpenIntentStatuses...)
	if err != nil {
		return 0, err
	}

	armed := 0
	for _, intent := range open {
		// counted like any open intent, so deciding it below evens out
		if intent.Status.AcceptsBids() {
			metrics.OpenIntents.Inc()
		}

		now := s.clock.Now()
		switch {
		case !now.Before(intent.Deadline):
			if _, err := s.expireIfOverdue(ctx, intent.Hash); err != nil {
				s.logger.ErrorWithChain(intent.ChainID, "Recovery failed to expire intent %s: %v", intent.Hash.Hex(), err)
			}
		case intent.Status == models.IntentStatusNew:
			if _, err := s.Transition(ctx, intent.Hash, models.IntentStatusBroadcasting); err != nil {
				s.logger.ErrorWithChain(intent.ChainID, "Recovery failed to open intent %s: %v", intent.Hash.Hex(), err)
				continue
			}
			armed++
		case !now.Before(intent.WindowClosesAt):
			s.closeWindow(ctx, intent.Hash)
		default:
			s.armWindow(intent)
			armed++
		}
	}
	s.logger.Info("Recovered %d open intents, %d windows armed", len(open), armed)
	return armed, nil
}

// FinishDecisions applies the outcome of every decided intent that a
// previous process left unfinalized. It returns how many it finished.
func (s *Service) FinishDecisions(ctx context.Context) (int, error) {
	decided, err := s.store.ListIntentsByStatus(ctx, models.TerminalIntentStatuses...)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, intent := range decided {
		if intent.Finalized {
			continue
		}
		ok, err := s.finishOutcome(ctx, intent.Hash)
		if err != nil {
			s.logger.ErrorWithChain(intent.ChainID, "Failed to finish intent %s: %v", intent.Hash.Hex(), err)
			continue
		}
		if ok {
			done++
		}
	}
	if done > 0 {
		s.logger.Notice("Finished %d interrupted decisions", done)
	}
	return done, nil
}

// Run sweeps overdue intents every interval until ctx is done
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("Starting expiry sweep every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweep shutting down")
			s.Close()
			return
		case <-ticker.C:
			if _, err := s.ExpireOverdue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Expiry sweep failed: %v", err)
			}
		}
	}
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
