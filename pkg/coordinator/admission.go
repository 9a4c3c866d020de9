package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/reputation"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
)

// SubmitBid admits a solver bid. A rejected bid stores nothing and returns
// a result carrying the reason together with the typed error. An admitted
// bid is ranked against every other accepted bid of the intent and becomes
// the best bid if it beats the current one.
func (s *Service) SubmitBid(ctx context.Context, sub *models.BidSubmission) (*models.BidResult, error) {
	start := time.Now()
	bid, err := s.admitBid(ctx, sub)
	metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	metrics.BidsSubmitted.WithLabelValues(apperr.Label(err)).Inc()
	if err != nil {
		s.logger.Debug("Rejected bid for intent %s: %v", sub.IntentHash, err)
		return &models.BidResult{Accepted: false, Error: apperr.Public(err)}, err
	}

	score := bid.Score
	return &models.BidResult{
		Accepted:        true,
		BidID:           bid.ID,
		Rank:            bid.Rank,
		Score:           &score,
		EffectiveOutput: bid.EffectiveOutput.String(),
	}, nil
}

func (s *Service) admitBid(ctx context.Context, sub *models.BidSubmission) (*models.Bid, error) {
	bid, err := sub.Parse()
	if err != nil {
		return nil, err
	}

	intent, err := s.store.GetIntent(ctx, bid.IntentHash)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpen(intent, s.clock.Now()); err != nil {
		return nil, err
	}

	solver, err := s.verifier.VerifyBidSignature(bid, bid.Signature)
	if err != nil {
		return nil, err
	}
	if maxFee := s.scorer.MaxFeeBps(); bid.FeeBps > maxFee {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeFeeTooHigh,
			"fee %d bps exceeds the maximum of %d bps", bid.FeeBps, maxFee)
	}
	bid.Solver = solver

	unlock, err := s.lock(ctx, bid.IntentHash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The intent may have been decided while we waited for the lock
	intent, err = s.store.GetIntent(ctx, bid.IntentHash)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.checkOpen(intent, now); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Internal(err, "generating bid id")
	}
	bid.ID = id.String()
	bid.ArrivedAt = now
	bid.Status = models.BidStatusAccepted
	if err := s.store.CreateBid(ctx, bid); err != nil {
		return nil, err
	}

	admitted, best, err := s.rerank(ctx, intent)
	if err != nil {
		s.invalidate(ctx, bid, err)
		return nil, err
	}

	var from models.IntentStatus
	improved := false
	updated, err := s.update(ctx, "admit_bid", intent.Hash, func(i *models.Intent) error {
		from = i.Status
		if err := s.checkOpen(i, now); err != nil {
			return err
		}
		i.BidCount++
		improved = best.ID == bid.ID
		i.BestBidID = best.ID
		if i.Status == models.IntentStatusBroadcasting {
			i.Status = models.IntentStatusBidding
		}
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.invalidate(ctx, bid, err)
		return nil, err
	}
	if from != updated.Status {
		s.recordTransition(updated, from)
	}

	mine := admitted[bid.ID]
	s.sink.Emit(events.NewBidReceived(mine))
	if improved {
		s.sink.Emit(events.NewBestBidUpdated(mine))
	}
	s.logger.DebugWithChain(intent.ChainID, "Admitted bid %s for intent %s from %s (rank %d, score %s)",
		mine.ID, intent.Hash.Hex(), solver.Hex(), mine.Rank, mine.Score)
	return mine, nil
}

// checkOpen fails unless bids for intent can be scored at now
func (s *Service) checkOpen(intent *models.Intent, now time.Time) error {
	if !intent.Status.AcceptsBids() {
		return apperr.New(apperr.KindState, apperr.CodeIntentNotOpen,
			"intent %s is %s", intent.Hash.Hex(), intent.Status)
	}
	if !now.Before(intent.Deadline) {
		return apperr.New(apperr.KindExpired, apperr.CodePastDeadline,
			"intent %s is past its deadline", intent.Hash.Hex())
	}
	if !intent.Window().Contains(now) {
		return apperr.New(apperr.KindExpired, apperr.CodeWindowClosed,
			"bidding window of intent %s closed at %s", intent.Hash.Hex(), intent.WindowClosesAt.Format(time.RFC3339Nano))
	}
	return nil
}

// rerank recomputes rank and score of every accepted bid of the intent and
// stores them. It returns the ranked bids by id and the best of them.
func (s *Service) rerank(ctx context.Context, intent *models.Intent) (map[string]*models.Bid, *models.Bid, error) {
	all, err := s.store.ListBidsByIntent(ctx, intent.Hash)
	if err != nil {
		return nil, nil, err
	}
	accepted := make([]*models.Bid, 0, len(all))
	solvers := make([]common.Address, 0, len(all))
	for _, b := range all {
		if b.Status == models.BidStatusAccepted {
			accepted = append(accepted, b)
			solvers = append(solvers, b.Solver)
		}
	}

	reps := reputation.Lookup(ctx, s.reputation, solvers)
	s.scorer.RankAll(intent, accepted, reps)
	if err := s.store.UpdateBidRanking(ctx, accepted); err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*models.Bid, len(accepted))
	for _, b := range accepted {
		byID[b.ID] = b
	}
	return byID, scoring.Best(accepted), nil
}

// invalidate marks a stored bid Invalid when the intent could not take it.
// The error that caused it is what the caller sees.
func (s *Service) invalidate(ctx context.Context, bid *models.Bid, cause error) {
	if err := s.store.UpdateBidStatus(ctx, bid.ID, models.BidStatusInvalid); err != nil {
		s.logger.Error("Failed to invalidate bid %s after %v: %v", bid.ID, cause, err)
	}
}
