package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
)

// SelectWinner decides the intent. It is safe to call any number of times:
// a filled intent returns its recorded winner, an expired one NoBids and a
// cancelled or failed one AlreadyDecided. A decision whose outcome was only
// partly applied is finished first.
//
// Otherwise the accepted bid with the greatest effective output wins, ties
// going to the earliest arrival and then the lowest id. The winner is marked
// Won, every other accepted bid Lost, and the intent Filled. Without any
// accepted bid the intent expires and NoBids is returned.
func (s *Service) SelectWinner(ctx context.Context, hash common.Hash) (*models.Bid, error) {
	start := time.Now()
	defer func() {
		metrics.SelectionDuration.Observe(time.Since(start).Seconds())
	}()

	unlock, err := s.lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	intent, err := s.store.GetIntent(ctx, hash)
	if err != nil {
		return nil, err
	}

	if intent.Status.IsTerminal() {
		return s.decidedLocked(ctx, intent)
	}

	bids, err := s.store.ListBidsByIntent(ctx, hash)
	if err != nil {
		return nil, err
	}
	accepted := make([]*models.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == models.BidStatusAccepted {
			accepted = append(accepted, b)
		}
	}

	winner := scoring.Best(accepted)
	if winner == nil {
		if _, err := s.finalizeLocked(ctx, hash, models.IntentStatusExpired, events.ReasonNoBids); err != nil {
			return nil, err
		}
		metrics.SelectionOutcomes.WithLabelValues("no_bids").Inc()
		return nil, noBids(hash)
	}

	var from models.IntentStatus
	filled, err := s.update(ctx, "select_winner", hash, func(i *models.Intent) error {
		from = i.Status
		if !i.Status.CanTransitionTo(models.IntentStatusFilled) {
			return invalidTransition(i, models.IntentStatusFilled)
		}
		i.Status = models.IntentStatusFilled
		i.WinningBidID = winner.ID
		i.BestBidID = winner.ID
		i.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(filled, from)
	s.disarmWindow(hash)

	winner, err = s.completeLocked(ctx, filled)
	if err != nil {
		return nil, err
	}

	metrics.SelectionOutcomes.WithLabelValues("filled").Inc()
	s.logger.InfoWithChain(filled.ChainID, "Intent %s filled by bid %s from %s (effective output %s, %d bids)",
		hash.Hex(), winner.ID, winner.Solver.Hex(), winner.EffectiveOutput, len(accepted))
	return winner, nil
}

// decidedLocked answers SelectWinner for an intent that is already decided,
// first applying its outcome if an earlier run did not get to finish
func (s *Service) decidedLocked(ctx context.Context, intent *models.Intent) (*models.Bid, error) {
	var winner *models.Bid
	if !intent.Finalized {
		s.logger.NoticeWithChain(intent.ChainID, "Finishing interrupted decision of intent %s", intent.Hash.Hex())
		w, err := s.completeLocked(ctx, intent)
		if err != nil {
			return nil, err
		}
		winner = w
	}

	switch intent.Status {
	case models.IntentStatusFilled:
		metrics.SelectionOutcomes.WithLabelValues("replayed").Inc()
		if winner != nil {
			return winner, nil
		}
		return s.store.GetBid(ctx, intent.WinningBidID)
	case models.IntentStatusExpired:
		metrics.SelectionOutcomes.WithLabelValues("no_bids").Inc()
		return nil, noBids(intent.Hash)
	default:
		metrics.SelectionOutcomes.WithLabelValues("already_decided").Inc()
		return nil, apperr.New(apperr.KindState, apperr.CodeAlreadyDecided, "intent %s is %s", intent.Hash.Hex(), intent.Status)
	}
}

func noBids(hash common.Hash) error {
	return apperr.New(apperr.KindState, apperr.CodeNoBids, "intent %s received no bids", hash.Hex())
}
