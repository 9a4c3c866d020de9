package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// Reasons attached to IntentExpired and IntentCancelled events besides the
// ones defined with the events
const (
	ReasonManual    = "manual"
	ReasonWithdrawn = "withdrawn"
)

// CreateIntent validates a signed submission, stores it and opens its bidding
// window. Solvers learn about it through IntentCreated.
func (s *Service) CreateIntent(ctx context.Context, sub *models.IntentSubmission) (*models.Intent, models.BiddingWindow, error) {
	intent, err := s.admitIntent(ctx, sub)
	if err != nil {
		metrics.IntentsRejected.WithLabelValues(apperr.Label(err)).Inc()
		return nil, models.BiddingWindow{}, err
	}
	metrics.IntentsCreated.WithLabelValues(chainLabel(intent.ChainID)).Inc()
	s.logger.InfoWithChain(intent.ChainID, "Created intent %s (signer %s, amount in %s)",
		intent.Hash.Hex(), intent.Signer.Hex(), intent.AmountIn)

	unlock, err := s.lock(ctx, intent.Hash)
	if err != nil {
		return nil, models.BiddingWindow{}, err
	}
	defer unlock()

	opened, err := s.openWindowLocked(ctx, intent.Hash)
	if err != nil {
		return nil, models.BiddingWindow{}, err
	}
	return opened, opened.Window(), nil
}

func (s *Service) admitIntent(ctx context.Context, sub *models.IntentSubmission) (*models.Intent, error) {
	intent, err := sub.Parse()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !intent.Deadline.After(now) {
		return nil, apperr.New(apperr.KindExpired, apperr.CodePastDeadline,
			"deadline %s is not in the future", intent.Deadline.Format("2006-01-02T15:04:05Z07:00"))
	}
	if !s.chainAllowed(intent.ChainID) {
		return nil, apperr.Validation("chain_id %d is not supported", intent.ChainID)
	}
	if intent.MaxSlippageBps > s.cfg.MaxSlippageBps {
		return nil, apperr.Validation("max_slippage_bps %d exceeds the maximum of %d", intent.MaxSlippageBps, s.cfg.MaxSlippageBps)
	}

	signer, err := s.verifier.VerifyIntentSignature(intent, intent.Signature)
	if err != nil {
		return nil, err
	}
	if signer != intent.Signer {
		return nil, apperr.New(apperr.KindAuth, apperr.CodeInvalidSignature,
			"signature recovers %s, not the declared signer %s", signer.Hex(), intent.Signer.Hex())
	}

	intent.Status = models.IntentStatusNew
	intent.CreatedAt = now
	intent.UpdatedAt = now
	intent.ExpiresAt = intent.Deadline
	intent.Version = 1
	if err := s.store.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// openWindowLocked moves a New intent to Broadcasting, records its window,
// arms the close timer and announces it
func (s *Service) openWindowLocked(ctx context.Context, hash common.Hash) (*models.Intent, error) {
	var from models.IntentStatus
	intent, err := s.update(ctx, "open_window", hash, func(i *models.Intent) error {
		from = i.Status
		if !i.Status.CanTransitionTo(models.IntentStatusBroadcasting) {
			return invalidTransition(i, models.IntentStatusBroadcasting)
		}
		now := s.clock.Now()
		w := models.NewBiddingWindow(i.Hash, now, s.cfg.BiddingWindow, i.Deadline)
		i.Status = models.IntentStatusBroadcasting
		i.WindowOpensAt = w.OpensAt
		i.WindowClosesAt = w.ClosesAt
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(intent, from)
	s.armWindow(intent)
	s.sink.Emit(events.NewIntentCreated(intent))
	return intent, nil
}

// Transition moves the intent along one edge of the state machine. Filled is
// only reachable through SelectWinner, which records the winner with it.
func (s *Service) Transition(ctx context.Context, hash common.Hash, target models.IntentStatus) (*models.Intent, error) {
	if !target.Valid() {
		return nil, apperr.Validation("unknown status %q", target)
	}

	unlock, err := s.lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch target {
	case models.IntentStatusBroadcasting:
		return s.openWindowLocked(ctx, hash)
	case models.IntentStatusFilled:
		intent, err := s.store.GetIntent(ctx, hash)
		if err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.KindState, apperr.CodeInvalidTransition,
			"intent %s can only be filled by selecting a winner", intent.Hash.Hex())
	case models.IntentStatusExpired:
		return s.finalizeLocked(ctx, hash, target, ReasonManual)
	case models.IntentStatusCancelled:
		return s.finalizeLocked(ctx, hash, target, ReasonManual)
	case models.IntentStatusFailed:
		return s.finalizeLocked(ctx, hash, target, "")
	}

	var from models.IntentStatus
	intent, err := s.update(ctx, "transition", hash, func(i *models.Intent) error {
		from = i.Status
		if !i.Status.CanTransitionTo(target) {
			return invalidTransition(i, target)
		}
		i.Status = target
		i.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(intent, from)
	return intent, nil
}

// Cancel withdraws an intent that is still collecting bids
func (s *Service) Cancel(ctx context.Context, hash common.Hash, reason string) (*models.Intent, error) {
	if reason == "" {
		reason = ReasonWithdrawn
	}
	unlock, err := s.lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.finalizeLocked(ctx, hash, models.IntentStatusCancelled, reason)
}

// finalizeLocked ends an intent without a winner: Expired, Cancelled or
// Failed. Accepted bids expire with it and the window timer is disarmed.
// Once the status is written the call succeeds; bids that could not be
// expired yet are left to the sweep.
func (s *Service) finalizeLocked(ctx context.Context, hash common.Hash, target models.IntentStatus, reason string) (*models.Intent, error) {
	var from models.IntentStatus
	intent, err := s.update(ctx, "finalize", hash, func(i *models.Intent) error {
		from = i.Status
		if !i.Status.CanTransitionTo(target) {
			return invalidTransition(i, target)
		}
		i.Status = target
		i.CloseReason = reason
		i.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(intent, from)
	s.disarmWindow(hash)

	if _, err := s.completeLocked(ctx, intent); err != nil {
		return intent, nil
	}
	return s.store.GetIntent(ctx, hash)
}

// ExpireOverdue moves every open intent past its deadline to Expired and
// decides any intent whose window closed without a decision, which happens
// when the process restarted while the window was open. Decided intents
// whose outcome failed to apply are retried first. It returns the number of
// intents expired by deadline.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	if n := s.finishOutcomes(ctx); n > 0 {
		s.logger.Notice("Finished %d interrupted decisions", n)
	}

	open, err := s.store.ListIntentsByStatus(ctx, models.OpenIntentStatuses...)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, intent := range open {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		now := s.clock.Now()
		switch {
		case !now.Before(intent.Deadline):
			ok, err := s.expireIfOverdue(ctx, intent.Hash)
			if err != nil {
				s.logger.ErrorWithChain(intent.ChainID, "Failed to expire intent %s: %v", intent.Hash.Hex(), err)
				continue
			}
			if ok {
				expired++
			}
		case intent.Status.AcceptsBids() && !now.Before(intent.WindowClosesAt) && !s.hasTimer(intent.Hash):
			s.closeWindow(ctx, intent.Hash)
		}
	}
	if expired > 0 {
		metrics.ExpiredBySweep.Add(float64(expired))
		s.logger.Info("Expired %d overdue intents", expired)
	}
	return expired, nil
}

func (s *Service) expireIfOverdue(ctx context.Context, hash common.Hash) (bool, error) {
	unlock, err := s.lock(ctx, hash)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := s.store.GetIntent(ctx, hash)
	if err != nil {
		return false, err
	}
	if current.Status.IsTerminal() || s.clock.Now().Before(current.Deadline) {
		return false, nil
	}
	if _, err := s.finalizeLocked(ctx, hash, models.IntentStatusExpired, events.ReasonDeadline); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) chainAllowed(chainID uint64) bool {
	if len(s.cfg.AllowedChains) == 0 {
		return true
	}
	for _, id := range s.cfg.AllowedChains {
		if id == chainID {
			return true
		}
	}
	return false
}

func invalidTransition(i *models.Intent, target models.IntentStatus) error {
	return apperr.New(apperr.KindState, apperr.CodeInvalidTransition,
		"intent %s cannot move from %s to %s", i.Hash.Hex(), i.Status, target)
}
