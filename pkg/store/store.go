// Package store persists intents and bids.
//
// Intents are only ever modified through CASUpdateIntent, which applies a
// mutator to the current record if its version still matches. Bids are
// append-only apart from their status and ranking fields.
package store

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// Mutator edits a copy of an intent inside a compare-and-set. Returning an
// error aborts the update and the error is passed through unchanged.
type Mutator func(intent *models.Intent) error

// Store is the persistence interface consumed by the coordinator
type Store interface {
	// GetIntent returns apperr.ErrNotFound for unknown hashes
	GetIntent(ctx context.Context, hash common.Hash) (*models.Intent, error)
	// CreateIntent returns apperr.ErrDuplicate if the hash or the
	// (signer, nonce) pair was already stored
	CreateIntent(ctx context.Context, intent *models.Intent) error
	// CASUpdateIntent applies m if the stored version equals expectedVersion,
	// bumps the version and returns the new record. A version mismatch is an
	// apperr.KindConflict error.
	CASUpdateIntent(ctx context.Context, hash common.Hash, expectedVersion uint64, m Mutator) (*models.Intent, error)
	ListIntentsByStatus(ctx context.Context, statuses ...models.IntentStatus) ([]*models.Intent, error)

	CreateBid(ctx context.Context, bid *models.Bid) error
	GetBid(ctx context.Context, id string) (*models.Bid, error)
	// UpdateBidStatus enforces the bid status edges. Setting the current
	// status again is a no-op.
	UpdateBidStatus(ctx context.Context, id string, status models.BidStatus) error
	// UpdateBidRanking stores rank, score and effective output of each bid
	UpdateBidRanking(ctx context.Context, bids []*models.Bid) error
	// ListBidsByIntent returns bids ordered by arrival, then id
	ListBidsByIntent(ctx context.Context, hash common.Hash) ([]*models.Bid, error)

	Ping(ctx context.Context) error
	Close() error
}

func nonceKey(intent *models.Intent) string {
	return intent.Signer.Hex() + "/" + intent.Nonce.String()
}

func checkBidTransition(bid *models.Bid, status models.BidStatus) (bool, error) {
	if bid.Status == status {
		return false, nil
	}
	if !bid.Status.CanTransitionTo(status) {
		return false, apperr.New(apperr.KindState, apperr.CodeInvalidTransition,
			"bid %s cannot move from %s to %s", bid.ID, bid.Status, status)
	}
	return true, nil
}

func conflict(hash common.Hash, expected, actual uint64) error {
	return apperr.Conflict("intent %s is at version %d, expected %d", hash.Hex(), actual, expected)
}

func sortBids(bids []*models.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if !bids[i].ArrivedAt.Equal(bids[j].ArrivedAt) {
			return bids[i].ArrivedAt.Before(bids[j].ArrivedAt)
		}
		return bids[i].ID < bids[j].ID
	})
}

func statusSet(statuses []models.IntentStatus) map[models.IntentStatus]bool {
	set := make(map[models.IntentStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
