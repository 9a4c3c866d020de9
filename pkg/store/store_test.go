package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newIntent(seed byte, nonce int64) *models.Intent {
	return &models.Intent{
		Hash:           common.Hash{seed},
		TokenIn:        common.Address{0x01},
		TokenOut:       common.Address{0x02},
		AmountIn:       big.NewInt(1_000_000),
		MaxSlippageBps: 50,
		Deadline:       base.Add(time.Hour),
		ChainID:        8453,
		Receiver:       common.Address{0x03},
		Nonce:          big.NewInt(nonce),
		Signer:         common.Address{0x04},
		Status:         models.IntentStatusBroadcasting,
		CreatedAt:      base,
		UpdatedAt:      base,
		ExpiresAt:      base.Add(time.Hour),
		WindowOpensAt:  base,
		WindowClosesAt: base.Add(3 * time.Second),
	}
}

func newBid(id string, hash common.Hash, arrival time.Duration) *models.Bid {
	return &models.Bid{
		ID:         id,
		IntentHash: hash,
		Solver:     common.Address{0x05},
		QuoteOut:   big.NewInt(1_050_000),
		FeeBps:     10,
		TTL:        time.Second,
		ArrivedAt:  base.Add(arrival),
		Status:     models.BidStatusAccepted,
	}
}

// runContract exercises the behaviour every backend must share
func runContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAndGetIntent", func(t *testing.T) {
		s := open(t)
		intent := newIntent(0x10, 1)
		require.NoError(t, s.CreateIntent(ctx, intent))

		got, err := s.GetIntent(ctx, intent.Hash)
		require.NoError(t, err)
		assert.Equal(t, intent.Hash, got.Hash)
		assert.Equal(t, 0, intent.AmountIn.Cmp(got.AmountIn))
		assert.Equal(t, models.IntentStatusBroadcasting, got.Status)
		assert.True(t, intent.Deadline.Equal(got.Deadline))

		_, err = s.GetIntent(ctx, common.Hash{0xee})
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("DuplicateHashAndNonce", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateIntent(ctx, newIntent(0x20, 1)))

		err := s.CreateIntent(ctx, newIntent(0x20, 2))
		assert.True(t, errors.Is(err, apperr.ErrDuplicate), "same hash")

		err = s.CreateIntent(ctx, newIntent(0x21, 1))
		assert.True(t, errors.Is(err, apperr.ErrDuplicate), "same signer and nonce")

		require.NoError(t, s.CreateIntent(ctx, newIntent(0x22, 2)))
	})

	t.Run("CASUpdateIntent", func(t *testing.T) {
		s := open(t)
		intent := newIntent(0x30, 1)
		require.NoError(t, s.CreateIntent(ctx, intent))

		updated, err := s.CASUpdateIntent(ctx, intent.Hash, 0, func(i *models.Intent) error {
			i.Status = models.IntentStatusBidding
			i.BidCount = 1
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), updated.Version)
		assert.Equal(t, models.IntentStatusBidding, updated.Status)

		_, err = s.CASUpdateIntent(ctx, intent.Hash, 0, func(i *models.Intent) error {
			i.Status = models.IntentStatusExpired
			return nil
		})
		assert.True(t, apperr.IsConflict(err), "stale version")

		boom := apperr.Validation("mutator refused")
		_, err = s.CASUpdateIntent(ctx, intent.Hash, 1, func(i *models.Intent) error {
			i.Status = models.IntentStatusFilled
			return boom
		})
		assert.Same(t, boom, err)

		got, err := s.GetIntent(ctx, intent.Hash)
		require.NoError(t, err)
		assert.Equal(t, models.IntentStatusBidding, got.Status, "failed mutations leave no trace")
		assert.Equal(t, uint64(1), got.Version)

		_, err = s.CASUpdateIntent(ctx, common.Hash{0xef}, 0, func(*models.Intent) error { return nil })
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("ConcurrentCASHasOneWinnerPerVersion", func(t *testing.T) {
		s := open(t)
		intent := newIntent(0x40, 1)
		require.NoError(t, s.CreateIntent(ctx, intent))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CASUpdateIntent(ctx, intent.Hash, 0, func(i *models.Intent) error {
					i.BidCount++
					return nil
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		got, err := s.GetIntent(ctx, intent.Hash)
		require.NoError(t, err)
		assert.Equal(t, 1, got.BidCount)
	})

	t.Run("ListIntentsByStatus", func(t *testing.T) {
		s := open(t)
		open1 := newIntent(0x50, 1)
		done := newIntent(0x51, 2)
		done.Status = models.IntentStatusFilled
		require.NoError(t, s.CreateIntent(ctx, open1))
		require.NoError(t, s.CreateIntent(ctx, done))

		got, err := s.ListIntentsByStatus(ctx, models.OpenIntentStatuses...)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, open1.Hash, got[0].Hash)
	})

	t.Run("Bids", func(t *testing.T) {
		s := open(t)
		intent := newIntent(0x60, 1)
		require.NoError(t, s.CreateIntent(ctx, intent))

		late := newBid("0190-b", intent.Hash, 20*time.Millisecond)
		early := newBid("0190-a", intent.Hash, 10*time.Millisecond)
		require.NoError(t, s.CreateBid(ctx, late))
		require.NoError(t, s.CreateBid(ctx, early))

		err := s.CreateBid(ctx, newBid("0190-a", intent.Hash, 0))
		assert.True(t, errors.Is(err, apperr.ErrDuplicate))

		err = s.CreateBid(ctx, newBid("0190-z", common.Hash{0xaa}, 0))
		assert.True(t, apperr.IsNotFound(err))

		bids, err := s.ListBidsByIntent(ctx, intent.Hash)
		require.NoError(t, err)
		require.Len(t, bids, 2)
		assert.Equal(t, "0190-a", bids[0].ID, "ordered by arrival")

		empty, err := s.ListBidsByIntent(ctx, common.Hash{0xab})
		require.NoError(t, err)
		assert.Empty(t, empty)

		early.Rank = 2
		early.Score = decimal.RequireFromString("58.25")
		early.EffectiveOutput = big.NewInt(1_048_950)
		require.NoError(t, s.UpdateBidRanking(ctx, []*models.Bid{early}))

		got, err := s.GetBid(ctx, early.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Rank)
		assert.True(t, got.Score.Equal(decimal.RequireFromString("58.25")))
		assert.Equal(t, 0, got.EffectiveOutput.Cmp(big.NewInt(1_048_950)))
		assert.Equal(t, models.BidStatusAccepted, got.Status, "ranking leaves status alone")
	})

	t.Run("BidStatusEdges", func(t *testing.T) {
		s := open(t)
		intent := newIntent(0x70, 1)
		require.NoError(t, s.CreateIntent(ctx, intent))
		bid := newBid("0190-w", intent.Hash, 0)
		require.NoError(t, s.CreateBid(ctx, bid))

		require.NoError(t, s.UpdateBidStatus(ctx, bid.ID, models.BidStatusWon))
		require.NoError(t, s.UpdateBidStatus(ctx, bid.ID, models.BidStatusWon), "same status is a no-op")

		err := s.UpdateBidStatus(ctx, bid.ID, models.BidStatusLost)
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

		err = s.UpdateBidStatus(ctx, "missing", models.BidStatusLost)
		assert.True(t, apperr.IsNotFound(err))

		got, err := s.GetBid(ctx, bid.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BidStatusWon, got.Status)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	intent := newIntent(0x80, 1)
	require.NoError(t, s.CreateIntent(ctx, intent))

	intent.Status = models.IntentStatusFailed
	got, err := s.GetIntent(ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusBroadcasting, got.Status)

	got.AmountIn.SetInt64(1)
	again, err := s.GetIntent(ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, 0, again.AmountIn.Cmp(big.NewInt(1_000_000)))
}

func TestBoltStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, err := NewBoltStore(filepath.Join(t.TempDir(), "auction.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auction.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	intent := newIntent(0x90, 1)
	require.NoError(t, s.CreateIntent(ctx, intent))
	require.NoError(t, s.CreateBid(ctx, newBid("0190-r", intent.Hash, 0)))
	require.NoError(t, s.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetIntent(ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, intent.Hash, got.Hash)

	bids, err := reopened.ListBidsByIntent(ctx, intent.Hash)
	require.NoError(t, err)
	assert.Len(t, bids, 1)

	err = reopened.CreateIntent(ctx, newIntent(0x91, 1))
	assert.True(t, errors.Is(err, apperr.ErrDuplicate), "nonce index persisted")
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	runContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, url)
		require.NoError(t, err)
		_, err = s.Pool.Exec(ctx, "TRUNCATE TABLE bids, intents")
		require.NoError(t, err, fmt.Sprintf("truncate for %s", t.Name()))
		t.Cleanup(func() { s.Close() })
		return s
	})
}
