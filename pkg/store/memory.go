package store

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// MemoryStore keeps everything in process. Records are cloned on the way in
// and out so callers never share pointers with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	intents    map[common.Hash]*models.Intent
	nonces     map[string]common.Hash
	bids       map[string]*models.Bid
	intentBids map[common.Hash][]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:    make(map[common.Hash]*models.Intent),
		nonces:     make(map[string]common.Hash),
		bids:       make(map[string]*models.Bid),
		intentBids: make(map[common.Hash][]string),
	}
}

func (s *MemoryStore) GetIntent(_ context.Context, hash common.Hash) (*models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[hash]
	if !ok {
		return nil, apperr.NotFound("intent %s", hash.Hex())
	}
	return intent.Clone(), nil
}

func (s *MemoryStore) CreateIntent(_ context.Context, intent *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.Hash]; ok {
		return apperr.New(apperr.KindState, apperr.CodeDuplicate, "intent %s already exists", intent.Hash.Hex())
	}
	key := nonceKey(intent)
	if _, ok := s.nonces[key]; ok {
		return apperr.New(apperr.KindState, apperr.CodeDuplicate, "nonce %s already used by %s", intent.Nonce, intent.Signer.Hex())
	}
	s.intents[intent.Hash] = intent.Clone()
	s.nonces[key] = intent.Hash
	return nil
}

func (s *MemoryStore) CASUpdateIntent(_ context.Context, hash common.Hash, expectedVersion uint64, m Mutator) (*models.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.intents[hash]
	if !ok {
		return nil, apperr.NotFound("intent %s", hash.Hex())
	}
	if current.Version != expectedVersion {
		return nil, conflict(hash, expectedVersion, current.Version)
	}
	next := current.Clone()
	if err := m(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	s.intents[hash] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListIntentsByStatus(_ context.Context, statuses ...models.IntentStatus) ([]*models.Intent, error) {
	set := statusSet(statuses)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Intent
	for _, intent := range s.intents {
		if set[intent.Status] {
			out = append(out, intent.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateBid(_ context.Context, bid *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[bid.IntentHash]; !ok {
		return apperr.NotFound("intent %s", bid.IntentHash.Hex())
	}
	if _, ok := s.bids[bid.ID]; ok {
		return apperr.New(apperr.KindState, apperr.CodeDuplicate, "bid %s already exists", bid.ID)
	}
	s.bids[bid.ID] = bid.Clone()
	s.intentBids[bid.IntentHash] = append(s.intentBids[bid.IntentHash], bid.ID)
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bid, ok := s.bids[id]
	if !ok {
		return nil, apperr.NotFound("bid %s", id)
	}
	return bid.Clone(), nil
}

func (s *MemoryStore) UpdateBidStatus(_ context.Context, id string, status models.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bid, ok := s.bids[id]
	if !ok {
		return apperr.NotFound("bid %s", id)
	}
	changed, err := checkBidTransition(bid, status)
	if err != nil || !changed {
		return err
	}
	bid.Status = status
	return nil
}

func (s *MemoryStore) UpdateBidRanking(_ context.Context, bids []*models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bids {
		if _, ok := s.bids[b.ID]; !ok {
			return apperr.NotFound("bid %s", b.ID)
		}
	}
	for _, b := range bids {
		stored := s.bids[b.ID]
		stored.Rank = b.Rank
		stored.Score = b.Score
		if b.EffectiveOutput != nil {
			stored.EffectiveOutput = new(big.Int).Set(b.EffectiveOutput)
		}
	}
	return nil
}

func (s *MemoryStore) ListBidsByIntent(_ context.Context, hash common.Hash) ([]*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.intentBids[hash]
	out := make([]*models.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.bids[id].Clone())
	}
	sortBids(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
