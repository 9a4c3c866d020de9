package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// completeLocked applies the outcome of a terminal intent and marks it
// Finalized. Bids are marked before anything is announced, so a run that
// fails while marking bids has announced nothing and the next run picks up
// where it stopped. A filled intent returns its winner.
//
// Until it succeeds the intent is remembered and retried by the sweep.
func (s *Service) completeLocked(ctx context.Context, intent *models.Intent) (winner *models.Bid, err error) {
	hash := intent.Hash
	defer func() {
		if err != nil {
			s.markUnfinished(hash)
			s.logger.ErrorWithChain(intent.ChainID, "Outcome of intent %s not applied yet: %v", hash.Hex(), err)
		}
	}()

	switch intent.Status {
	case models.IntentStatusFilled:
		winner, err = s.store.GetBid(ctx, intent.WinningBidID)
		if err != nil {
			return nil, err
		}
		if err := s.settleBids(ctx, hash, models.BidStatusLost, winner.ID); err != nil {
			return nil, err
		}
		winner.Status = models.BidStatusWon
		participants, err := s.settledBids(ctx, hash)
		if err != nil {
			return nil, err
		}
		s.sink.Emit(events.NewWinnerSelected(winner))
		s.recordOutcomes(ctx, participants, winner)
		s.handOff(intent, winner)
	case models.IntentStatusExpired:
		if err := s.settleBids(ctx, hash, models.BidStatusExpired, ""); err != nil {
			return nil, err
		}
		s.sink.Emit(&events.IntentExpired{IntentHash: hash, Reason: intent.CloseReason})
		s.logger.InfoWithChain(intent.ChainID, "Intent %s expired (%s)", hash.Hex(), intent.CloseReason)
	case models.IntentStatusCancelled:
		if err := s.settleBids(ctx, hash, models.BidStatusExpired, ""); err != nil {
			return nil, err
		}
		s.sink.Emit(&events.IntentCancelled{IntentHash: hash, Reason: intent.CloseReason})
		s.logger.InfoWithChain(intent.ChainID, "Intent %s cancelled (%s)", hash.Hex(), intent.CloseReason)
	case models.IntentStatusFailed:
		if err := s.settleBids(ctx, hash, models.BidStatusExpired, ""); err != nil {
			return nil, err
		}
		s.logger.NoticeWithChain(intent.ChainID, "Intent %s marked %s", hash.Hex(), intent.Status)
	default:
		return nil, apperr.New(apperr.KindInternal, apperr.CodeInternal, "intent %s is still %s", hash.Hex(), intent.Status)
	}

	if _, err := s.update(ctx, "mark_finalized", hash, func(i *models.Intent) error {
		i.Finalized = true
		return nil
	}); err != nil {
		return nil, err
	}
	s.forgetUnfinished(hash)
	return winner, nil
}

// settleBids moves every Accepted bid of the intent to status. With a winner
// the other bids are marked Lost first and the winner Won last, so a winner
// marked Won means every bid is settled.
func (s *Service) settleBids(ctx context.Context, hash common.Hash, status models.BidStatus, winner string) error {
	bids, err := s.store.ListBidsByIntent(ctx, hash)
	if err != nil {
		return err
	}
	for _, b := range bids {
		if b.ID == winner || b.Status != models.BidStatusAccepted {
			continue
		}
		if err := s.store.UpdateBidStatus(ctx, b.ID, status); err != nil {
			return err
		}
	}
	if winner == "" {
		return nil
	}
	return s.store.UpdateBidStatus(ctx, winner, models.BidStatusWon)
}

// settledBids returns the bids that took part in the decision of a filled
// intent
func (s *Service) settledBids(ctx context.Context, hash common.Hash) ([]*models.Bid, error) {
	bids, err := s.store.ListBidsByIntent(ctx, hash)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == models.BidStatusWon || b.Status == models.BidStatusLost {
			out = append(out, b)
		}
	}
	return out, nil
}

// recordOutcomes tells the reputation source who won. A solver with several
// bids on the intent is counted once.
func (s *Service) recordOutcomes(ctx context.Context, participants []*models.Bid, winner *models.Bid) {
	if s.outcomes == nil {
		return
	}
	seen := make(map[common.Address]bool, len(participants))
	s.outcomes.RecordOutcome(ctx, winner.Solver, true)
	seen[winner.Solver] = true
	for _, b := range participants {
		if seen[b.Solver] {
			continue
		}
		seen[b.Solver] = true
		s.outcomes.RecordOutcome(ctx, b.Solver, false)
	}
}

func (s *Service) handOff(intent *models.Intent, winner *models.Bid) {
	if s.settler == nil {
		return
	}
	if err := s.settler.Submit(intent, winner); err != nil {
		s.logger.ErrorWithChain(intent.ChainID, "Failed to queue intent %s for settlement: %v", intent.Hash.Hex(), err)
	}
}

func (s *Service) markUnfinished(hash common.Hash) {
	s.unfinishedMu.Lock()
	defer s.unfinishedMu.Unlock()
	s.unfinished[hash] = struct{}{}
}

func (s *Service) forgetUnfinished(hash common.Hash) {
	s.unfinishedMu.Lock()
	defer s.unfinishedMu.Unlock()
	delete(s.unfinished, hash)
}

// Unfinished returns the number of decided intents whose outcome still has
// to be applied
func (s *Service) Unfinished() int {
	s.unfinishedMu.Lock()
	defer s.unfinishedMu.Unlock()
	return len(s.unfinished)
}

// finishOutcomes retries every intent whose outcome failed to apply. It
// returns how many got finalized.
func (s *Service) finishOutcomes(ctx context.Context) int {
	s.unfinishedMu.Lock()
	hashes := make([]common.Hash, 0, len(s.unfinished))
	for hash := range s.unfinished {
		hashes = append(hashes, hash)
	}
	s.unfinishedMu.Unlock()

	done := 0
	for _, hash := range hashes {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.finishOutcome(ctx, hash)
		if err != nil {
			continue
		}
		if ok {
			done++
		}
	}
	return done
}

// finishOutcome finalizes one terminal intent, reporting whether there was
// anything left to do
func (s *Service) finishOutcome(ctx context.Context, hash common.Hash) (bool, error) {
	unlock, err := s.lock(ctx, hash)
	if err != nil {
		return false, err
	}
	defer unlock()

	intent, err := s.store.GetIntent(ctx, hash)
	if err != nil {
		return false, err
	}
	if intent.Finalized || !intent.Status.IsTerminal() {
		s.forgetUnfinished(hash)
		return false, nil
	}
	if _, err := s.completeLocked(ctx, intent); err != nil {
		return false, err
	}
	return true, nil
}
