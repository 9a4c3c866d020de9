package coordinator

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/reputation"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/signature"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/store"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/testutil"
)

var (
	start          = time.Unix(1_750_000_000, 0).UTC()
	placeholderSig = "0x" + strings.Repeat("00", models.SignatureLength)

	tokenIn  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenOut = common.HexToAddress("0x2222222222222222222222222222222222222222")
	receiver = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type recordingSettler struct {
	mu   sync.Mutex
	bids []string
}

func (s *recordingSettler) Submit(intent *models.Intent, bid *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids = append(s.bids, bid.ID)
	return nil
}

func (s *recordingSettler) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bids...)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clk      *testutil.ManualClock
	store    *store.MemoryStore
	backend  store.Store
	recorder *events.Recorder
	tracker  *reputation.Tracker
	settler  *recordingSettler
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, Config{BiddingWindow: 3 * time.Second})
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	f := &fixture{
		t:        t,
		ctx:      testutil.SetupTestWithTimeout(t),
		clk:      testutil.NewManualClock(start),
		store:    store.NewMemoryStore(),
		recorder: &events.Recorder{},
		tracker:  reputation.NewTracker(),
		settler:  &recordingSettler{},
	}
	f.backend = f.store
	f.svc = f.service(cfg)
	t.Cleanup(f.svc.Close)
	return f
}

// faultyStore fails the next left bid updates to status
type faultyStore struct {
	*store.MemoryStore
	status models.BidStatus
	left   atomic.Int32
}

func (s *faultyStore) UpdateBidStatus(ctx context.Context, id string, status models.BidStatus) error {
	if status == s.status && s.left.Add(-1) >= 0 {
		return apperr.Internal(errors.New("disk full"), "failed to update bid %s", id)
	}
	return s.MemoryStore.UpdateBidStatus(ctx, id, status)
}

// newFaultyFixture is a fixture whose engine writes through a faultyStore
func newFaultyFixture(t *testing.T, status models.BidStatus) (*fixture, *faultyStore) {
	f := newFixture(t)
	st := &faultyStore{MemoryStore: f.store, status: status}
	f.backend = st
	f.svc.Close()
	f.svc = f.service(Config{BiddingWindow: 3 * time.Second})
	t.Cleanup(f.svc.Close)
	return f, st
}

// service builds another engine on the same store and clock, as a restarted
// process would
func (f *fixture) service(cfg Config) *Service {
	return NewService(cfg, Deps{
		Store:      f.backend,
		Reputation: f.tracker,
		Sink:       f.recorder,
		Settler:    f.settler,
		Clock:      f.clk,
	})
}

func (f *fixture) intentSubmission(key testutil.Key, nonce int64) *models.IntentSubmission {
	return &models.IntentSubmission{
		TokenIn:        tokenIn.Hex(),
		TokenOut:       tokenOut.Hex(),
		AmountIn:       "1000000",
		MaxSlippageBps: 50,
		Deadline:       f.clk.Now().Add(time.Minute).Unix(),
		ChainID:        8453,
		Receiver:       receiver.Hex(),
		Nonce:          strconv.FormatInt(nonce, 10),
		Signer:         key.Address.Hex(),
		Signature:      placeholderSig,
	}
}

func signIntent(t *testing.T, sub *models.IntentSubmission, key testutil.Key) *models.IntentSubmission {
	t.Helper()
	sub.Signature = placeholderSig
	intent, err := sub.Parse()
	require.NoError(t, err)
	sig, err := signature.SignIntent(intent, key.Private)
	require.NoError(t, err)
	sub.Signature = hexutil.Encode(sig)
	return sub
}

func signBid(t *testing.T, key testutil.Key, hash common.Hash, quote string, feeBps uint32) *models.BidSubmission {
	t.Helper()
	sub := &models.BidSubmission{
		IntentHash:    hash.Hex(),
		QuoteOut:      quote,
		FeeBps:        feeBps,
		ExecutionHint: "0xbeef",
		TTLMillis:     5000,
		Signature:     placeholderSig,
	}
	bid, err := sub.Parse()
	require.NoError(t, err)
	sig, err := signature.SignBid(bid, key.Private)
	require.NoError(t, err)
	sub.Signature = hexutil.Encode(sig)
	return sub
}

// openIntent creates a signed intent and returns it with its window open
func (f *fixture) openIntent(nonce int64) *models.Intent {
	f.t.Helper()
	key := testutil.GenerateKey(f.t)
	intent, _, err := f.svc.CreateIntent(f.ctx, signIntent(f.t, f.intentSubmission(key, nonce), key))
	require.NoError(f.t, err)
	return intent
}

func (f *fixture) bids(hash common.Hash) map[string]*models.Bid {
	f.t.Helper()
	bids, err := f.svc.ListBids(f.ctx, hash)
	require.NoError(f.t, err)
	out := make(map[string]*models.Bid, len(bids))
	for _, b := range bids {
		out[b.ID] = b
	}
	return out
}

func (f *fixture) statuses(hash common.Hash) map[string]models.BidStatus {
	f.t.Helper()
	out := make(map[string]models.BidStatus)
	for id, b := range f.bids(hash) {
		out[id] = b.Status
	}
	return out
}

func (f *fixture) count(typ events.Type) int {
	n := 0
	for _, e := range f.recorder.Events() {
		if e.Type() == typ {
			n++
		}
	}
	return n
}

func (f *fixture) intent(hash common.Hash) *models.Intent {
	f.t.Helper()
	intent, err := f.svc.Get(f.ctx, hash)
	require.NoError(f.t, err)
	return intent
}

func TestCreateIntent(t *testing.T) {
	f := newFixture(t)
	key := testutil.GenerateKey(t)

	intent, window, err := f.svc.CreateIntent(f.ctx, signIntent(t, f.intentSubmission(key, 1), key))
	require.NoError(t, err)

	assert.Equal(t, models.IntentStatusBroadcasting, intent.Status)
	assert.Equal(t, key.Address, intent.Signer)
	assert.Equal(t, start, window.OpensAt)
	assert.Equal(t, start.Add(3*time.Second), window.ClosesAt)
	assert.Equal(t, intent.Hash, window.IntentHash)
	assert.Equal(t, intent.Deadline, intent.ExpiresAt)
	assert.Equal(t, 1, f.svc.ArmedWindows())
	assert.Equal(t, []events.Type{events.TypeIntentCreated}, f.recorder.Types())

	created := f.recorder.Events()[0].(*events.IntentCreated)
	assert.Equal(t, intent.Hash, created.Hash)
	assert.Equal(t, "1000000", created.Summary.AmountIn)
	assert.Equal(t, window.ClosesAt.UnixMilli(), created.WindowCloseAt)
}

func TestCreateIntentRejections(t *testing.T) {
	t.Run("duplicate hash", func(t *testing.T) {
		f := newFixture(t)
		key := testutil.GenerateKey(t)
		sub := signIntent(t, f.intentSubmission(key, 1), key)

		_, _, err := f.svc.CreateIntent(f.ctx, sub)
		require.NoError(t, err)
		_, _, err = f.svc.CreateIntent(f.ctx, sub)
		assert.ErrorIs(t, err, apperr.ErrDuplicate)
		assert.Len(t, f.recorder.Events(), 1)
	})

	t.Run("reused nonce", func(t *testing.T) {
		f := newFixture(t)
		key := testutil.GenerateKey(t)
		_, _, err := f.svc.CreateIntent(f.ctx, signIntent(t, f.intentSubmission(key, 7), key))
		require.NoError(t, err)

		other := f.intentSubmission(key, 7)
		other.AmountIn = "2000000"
		_, _, err = f.svc.CreateIntent(f.ctx, signIntent(t, other, key))
		assert.ErrorIs(t, err, apperr.ErrDuplicate)
	})

	t.Run("past deadline", func(t *testing.T) {
		f := newFixture(t)
		key := testutil.GenerateKey(t)
		sub := f.intentSubmission(key, 1)
		sub.Deadline = start.Unix()
		_, _, err := f.svc.CreateIntent(f.ctx, signIntent(t, sub, key))
		assert.ErrorIs(t, err, apperr.ErrPastDeadline)
		assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))
	})

	t.Run("signed by someone else", func(t *testing.T) {
		f := newFixture(t)
		declared := testutil.GenerateKey(t)
		impostor := testutil.GenerateKey(t)
		_, _, err := f.svc.CreateIntent(f.ctx, signIntent(t, f.intentSubmission(declared, 1), impostor))
		assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	})

	t.Run("slippage above configured maximum", func(t *testing.T) {
		f := newFixtureWith(t, Config{BiddingWindow: 3 * time.Second, MaxSlippageBps: 500})
		key := testutil.GenerateKey(t)
		sub := f.intentSubmission(key, 1)
		sub.MaxSlippageBps = 600
		_, _, err := f.svc.CreateIntent(f.ctx, signIntent(t, sub, key))
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("chain not allowed", func(t *testing.T) {
		f := newFixtureWith(t, Config{AllowedChains: []uint64{1, 137}})
		key := testutil.GenerateKey(t)
		_, _, err := f.svc.CreateIntent(f.ctx, signIntent(t, f.intentSubmission(key, 1), key))
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("malformed", func(t *testing.T) {
		f := newFixture(t)
		key := testutil.GenerateKey(t)
		sub := f.intentSubmission(key, 1)
		sub.TokenOut = sub.TokenIn
		_, _, err := f.svc.CreateIntent(f.ctx, sub)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.Empty(t, f.recorder.Events())
	})
}

func TestAuctionPicksGreatestEffectiveOutput(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	solverA := testutil.GenerateKey(t)
	solverB := testutil.GenerateKey(t)

	resA, err := f.svc.SubmitBid(f.ctx, signBid(t, solverA, intent.Hash, "1050000", 10))
	require.NoError(t, err)
	assert.True(t, resA.Accepted)
	assert.Equal(t, 1, resA.Rank)
	assert.Equal(t, "1048950", resA.EffectiveOutput)

	f.clk.Advance(10 * time.Millisecond)
	resB, err := f.svc.SubmitBid(f.ctx, signBid(t, solverB, intent.Hash, "1060000", 50))
	require.NoError(t, err)
	assert.Equal(t, 1, resB.Rank)
	assert.Equal(t, "1054700", resB.EffectiveOutput)

	bids := f.bids(intent.Hash)
	assert.Equal(t, 2, bids[resA.BidID].Rank)
	assert.Equal(t, 1, bids[resB.BidID].Rank)
	assert.Equal(t, solverA.Address, bids[resA.BidID].Solver)

	current := f.intent(intent.Hash)
	assert.Equal(t, models.IntentStatusBidding, current.Status)
	assert.Equal(t, resB.BidID, current.BestBidID)
	assert.Equal(t, 2, current.BidCount)

	// the window timer decides the intent
	f.clk.Advance(3 * time.Second)

	current = f.intent(intent.Hash)
	assert.Equal(t, models.IntentStatusFilled, current.Status)
	assert.Equal(t, resB.BidID, current.WinningBidID)

	bids = f.bids(intent.Hash)
	assert.Equal(t, models.BidStatusWon, bids[resB.BidID].Status)
	assert.Equal(t, models.BidStatusLost, bids[resA.BidID].Status)

	assert.Equal(t, []events.Type{
		events.TypeIntentCreated,
		events.TypeBidReceived,
		events.TypeBestBidUpdated,
		events.TypeBidReceived,
		events.TypeBestBidUpdated,
		events.TypeWinnerSelected,
	}, f.recorder.Types())
	all := f.recorder.Events()
	selected := all[len(all)-1].(*events.WinnerSelected)
	assert.Equal(t, resB.BidID, selected.WinningBid.ID)
	assert.Equal(t, "1054700", selected.WinningBid.EffectiveOutput)

	assert.Equal(t, []string{resB.BidID}, f.settler.submitted())
	assert.EqualValues(t, 1, f.tracker.Stats(solverB.Address).Wins)
	assert.EqualValues(t, 1, f.tracker.Stats(solverA.Address).Losses)
	assert.Zero(t, f.svc.ArmedWindows())
}

func TestSubmitBidRejections(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	solver := testutil.GenerateKey(t)

	t.Run("fee above maximum stores nothing", func(t *testing.T) {
		res, err := f.svc.SubmitBid(f.ctx, signBid(t, solver, intent.Hash, "1050000", 150))
		assert.ErrorIs(t, err, apperr.ErrFeeTooHigh)
		require.NotNil(t, res)
		assert.False(t, res.Accepted)
		assert.NotEmpty(t, res.Error)
		assert.Empty(t, f.bids(intent.Hash))
		assert.Equal(t, 0, f.intent(intent.Hash).BidCount)
	})

	t.Run("unknown intent", func(t *testing.T) {
		_, err := f.svc.SubmitBid(f.ctx, signBid(t, solver, common.Hash{0x42}, "1050000", 10))
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("malformed", func(t *testing.T) {
		sub := signBid(t, solver, intent.Hash, "1050000", 10)
		sub.TTLMillis = 0
		_, err := f.svc.SubmitBid(f.ctx, sub)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})
}

func TestBidAtWindowBoundary(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	solver := testutil.GenerateKey(t)
	// keep the intent open past its window
	f.svc.Close()

	f.clk.Advance(3*time.Second - time.Nanosecond)
	res, err := f.svc.SubmitBid(f.ctx, signBid(t, solver, intent.Hash, "1050000", 10))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	f.clk.Advance(time.Nanosecond)
	_, err = f.svc.SubmitBid(f.ctx, signBid(t, solver, intent.Hash, "1060000", 10))
	assert.ErrorIs(t, err, apperr.ErrWindowClosed)
	assert.Len(t, f.bids(intent.Hash), 1)
}

func TestBidAfterDecisionIsRejected(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	solver := testutil.GenerateKey(t)

	_, err := f.svc.SubmitBid(f.ctx, signBid(t, solver, intent.Hash, "1050000", 10))
	require.NoError(t, err)
	_, err = f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)

	_, err = f.svc.SubmitBid(f.ctx, signBid(t, solver, intent.Hash, "1090000", 10))
	assert.ErrorIs(t, err, apperr.ErrIntentNotOpen)
}

func TestWindowClosesWithoutBids(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)

	f.clk.Advance(3 * time.Second)

	assert.Equal(t, models.IntentStatusExpired, f.intent(intent.Hash).Status)
	require.Equal(t, []events.Type{events.TypeIntentCreated, events.TypeIntentExpired}, f.recorder.Types())
	expired := f.recorder.Events()[1].(*events.IntentExpired)
	assert.Equal(t, events.ReasonNoBids, expired.Reason)

	_, err := f.svc.SelectWinner(f.ctx, intent.Hash)
	assert.ErrorIs(t, err, apperr.ErrNoBids)
	assert.Empty(t, f.settler.submitted())
}

func TestSelectWinnerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	solver := testutil.GenerateKey(t)

	res, err := f.svc.SubmitBid(f.ctx, signBid(t, solver, intent.Hash, "1050000", 10))
	require.NoError(t, err)
	for _, quote := range []string{"1020000", "1000000"} {
		f.clk.Advance(100 * time.Millisecond)
		_, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, quote, 10))
		require.NoError(t, err)
	}

	first, err := f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)
	decided := f.statuses(intent.Hash)
	decidedIntent := f.intent(intent.Hash)

	second, err := f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, res.BidID, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.BidStatusWon, second.Status)
	assert.Equal(t, decided, f.statuses(intent.Hash))
	assert.Equal(t, decidedIntent, f.intent(intent.Hash))

	// the timer firing later changes nothing
	f.clk.Advance(time.Minute)
	assert.Equal(t, decided, f.statuses(intent.Hash))

	won, lost := 0, 0
	for _, st := range decided {
		switch st {
		case models.BidStatusWon:
			won++
		case models.BidStatusLost:
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 2, lost)
	assert.Equal(t, 1, f.count(events.TypeWinnerSelected))
	assert.Len(t, f.settler.submitted(), 1)
	assert.EqualValues(t, 1, f.tracker.Stats(solver.Address).Wins)
}

func TestSelectWinnerRepairsInterruptedSelection(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	res, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1050000", 10))
	require.NoError(t, err)
	loser, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1000000", 10))
	require.NoError(t, err)

	// the intent got filled but nothing after it happened
	current := f.intent(intent.Hash)
	_, err = f.store.CASUpdateIntent(f.ctx, intent.Hash, current.Version, func(i *models.Intent) error {
		i.Status = models.IntentStatusFilled
		i.WinningBidID = res.BidID
		return nil
	})
	require.NoError(t, err)

	winner, err := f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, res.BidID, winner.ID)

	bids := f.bids(intent.Hash)
	assert.Equal(t, models.BidStatusWon, bids[res.BidID].Status)
	assert.Equal(t, models.BidStatusLost, bids[loser.BidID].Status)
	assert.True(t, f.intent(intent.Hash).Finalized)
	assert.Equal(t, []string{res.BidID}, f.settler.submitted())
	assert.Equal(t, 1, f.count(events.TypeWinnerSelected))
}

func TestSelectWinnerFinishesAfterBidUpdateFailure(t *testing.T) {
	f, st := newFaultyFixture(t, models.BidStatusLost)
	intent := f.openIntent(1)
	best, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1060000", 10))
	require.NoError(t, err)
	f.clk.Advance(100 * time.Millisecond)
	other, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1000000", 10))
	require.NoError(t, err)

	st.left.Store(1)
	_, err = f.svc.SelectWinner(f.ctx, intent.Hash)
	require.Error(t, err)

	// filled, but nothing is marked or announced
	decided := f.intent(intent.Hash)
	assert.Equal(t, models.IntentStatusFilled, decided.Status)
	assert.False(t, decided.Finalized)
	assert.Equal(t, map[string]models.BidStatus{
		best.BidID:  models.BidStatusAccepted,
		other.BidID: models.BidStatusAccepted,
	}, f.statuses(intent.Hash))
	assert.Empty(t, f.settler.submitted())
	assert.Zero(t, f.count(events.TypeWinnerSelected))
	assert.Equal(t, 1, f.svc.Unfinished())

	winner, err := f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, best.BidID, winner.ID)
	assert.Equal(t, models.BidStatusWon, winner.Status)
	assert.Equal(t, map[string]models.BidStatus{
		best.BidID:  models.BidStatusWon,
		other.BidID: models.BidStatusLost,
	}, f.statuses(intent.Hash))
	assert.Equal(t, []string{best.BidID}, f.settler.submitted())
	assert.Equal(t, 1, f.count(events.TypeWinnerSelected))
	assert.True(t, f.intent(intent.Hash).Finalized)
	assert.Zero(t, f.svc.Unfinished())

	_, err = f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)
	assert.Len(t, f.settler.submitted(), 1)
	assert.Equal(t, 1, f.count(events.TypeWinnerSelected))
}

func TestSweepFinishesInterruptedSelection(t *testing.T) {
	f, st := newFaultyFixture(t, models.BidStatusLost)
	intent := f.openIntent(1)
	best, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1060000", 10))
	require.NoError(t, err)
	f.clk.Advance(100 * time.Millisecond)
	other, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1000000", 10))
	require.NoError(t, err)

	// the window timer hits the failure
	st.left.Store(1)
	f.clk.Advance(3 * time.Second)
	assert.Equal(t, models.IntentStatusFilled, f.intent(intent.Hash).Status)
	assert.Empty(t, f.settler.submitted())

	n, err := f.svc.ExpireOverdue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.True(t, f.intent(intent.Hash).Finalized)
	assert.Equal(t, map[string]models.BidStatus{
		best.BidID:  models.BidStatusWon,
		other.BidID: models.BidStatusLost,
	}, f.statuses(intent.Hash))
	assert.Equal(t, []string{best.BidID}, f.settler.submitted())
	assert.Equal(t, 1, f.count(events.TypeWinnerSelected))
	assert.Zero(t, f.svc.Unfinished())
}

func TestConcurrentBidsKeepOneBest(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)

	const solvers = 12
	subs := make([]*models.BidSubmission, solvers)
	for i := range subs {
		quote := strconv.Itoa(1_000_000 + i*1_000)
		subs[i] = signBid(t, testutil.GenerateKey(t), intent.Hash, quote, 10)
	}

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *models.BidSubmission) {
			defer wg.Done()
			res, err := f.svc.SubmitBid(f.ctx, sub)
			if assert.NoError(t, err) && res.Accepted {
				accepted.Add(1)
			}
		}(sub)
	}
	wg.Wait()
	assert.EqualValues(t, solvers, accepted.Load())

	current := f.intent(intent.Hash)
	assert.Equal(t, solvers, current.BidCount)

	bids := f.bids(intent.Hash)
	require.Len(t, bids, solvers)
	best := bids[current.BestBidID]
	require.NotNil(t, best)
	assert.Equal(t, "1011000", best.QuoteOut.String())

	ranks := make(map[int]bool)
	for _, b := range bids {
		ranks[b.Rank] = true
	}
	assert.Len(t, ranks, solvers, "distinct outputs get distinct ranks")
	assert.Equal(t, 1, best.Rank)

	// announced best bids only ever improve
	var last *big.Int
	for _, e := range f.recorder.Events() {
		updated, ok := e.(*events.BestBidUpdated)
		if !ok {
			continue
		}
		out, ok := new(big.Int).SetString(updated.Bid.EffectiveOutput, 10)
		require.True(t, ok)
		if last != nil {
			assert.Equal(t, 1, out.Cmp(last))
		}
		last = out
	}

	winner, err := f.svc.SelectWinner(f.ctx, intent.Hash)
	require.NoError(t, err)
	assert.Equal(t, best.ID, winner.ID)

	won := 0
	for _, b := range f.bids(intent.Hash) {
		switch b.Status {
		case models.BidStatusWon:
			won++
		case models.BidStatusLost:
		default:
			t.Errorf("bid %s left in %s", b.ID, b.Status)
		}
	}
	assert.Equal(t, 1, won)
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)

	_, err := f.svc.Transition(f.ctx, intent.Hash, models.IntentStatus("bogus"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Transition(f.ctx, intent.Hash, models.IntentStatusFilled)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.svc.Transition(f.ctx, intent.Hash, models.IntentStatusNew)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.svc.Transition(f.ctx, intent.Hash, models.IntentStatusBroadcasting)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	failed, err := f.svc.Transition(f.ctx, intent.Hash, models.IntentStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusFailed, failed.Status)
	assert.Zero(t, f.svc.ArmedWindows())

	for _, target := range models.AllIntentStatuses {
		_, err := f.svc.Transition(f.ctx, intent.Hash, target)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "failed -> %s", target)
	}

	_, err = f.svc.Transition(f.ctx, common.Hash{0x99}, models.IntentStatusExpired)
	assert.True(t, apperr.IsNotFound(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	res, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1050000", 10))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(f.ctx, intent.Hash, "")
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusCancelled, cancelled.Status)
	assert.Equal(t, models.BidStatusExpired, f.bids(intent.Hash)[res.BidID].Status)
	assert.Zero(t, f.svc.ArmedWindows())

	all := f.recorder.Events()
	last := all[len(all)-1].(*events.IntentCancelled)
	assert.Equal(t, ReasonWithdrawn, last.Reason)

	_, err = f.svc.Cancel(f.ctx, intent.Hash, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.svc.SelectWinner(f.ctx, intent.Hash)
	assert.ErrorIs(t, err, apperr.ErrAlreadyDecided)
}

func TestCancelLeavesUnexpiredBidsToSweep(t *testing.T) {
	f, st := newFaultyFixture(t, models.BidStatusExpired)
	intent := f.openIntent(1)
	res, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1050000", 10))
	require.NoError(t, err)

	st.left.Store(1)
	cancelled, err := f.svc.Cancel(f.ctx, intent.Hash, "")
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.Finalized)
	assert.Equal(t, models.BidStatusAccepted, f.bids(intent.Hash)[res.BidID].Status)
	assert.Zero(t, f.count(events.TypeIntentCancelled))

	n, err := f.svc.ExpireOverdue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, models.BidStatusExpired, f.bids(intent.Hash)[res.BidID].Status)
	assert.True(t, f.intent(intent.Hash).Finalized)
	require.Equal(t, 1, f.count(events.TypeIntentCancelled))
	all := f.recorder.Events()
	assert.Equal(t, ReasonWithdrawn, all[len(all)-1].(*events.IntentCancelled).Reason)
	assert.Zero(t, f.svc.Unfinished())
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	overdue := f.openIntent(1)
	_, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), overdue.Hash, "1050000", 10))
	require.NoError(t, err)
	f.svc.Close()

	f.clk.Advance(30 * time.Second)
	fresh := f.openIntent(2)
	f.svc.Close()

	f.clk.Advance(31 * time.Second)
	n, err := f.svc.ExpireOverdue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.IntentStatusExpired, f.intent(overdue.Hash).Status)
	for _, b := range f.bids(overdue.Hash) {
		assert.Equal(t, models.BidStatusExpired, b.Status)
	}

	// the other intent is still before its deadline but its window lapsed
	// without a timer, so the sweep decides it too
	assert.Equal(t, models.IntentStatusExpired, f.intent(fresh.Hash).Status)

	var reasons []string
	for _, e := range f.recorder.Events() {
		if expired, ok := e.(*events.IntentExpired); ok {
			reasons = append(reasons, expired.Reason)
		}
	}
	assert.ElementsMatch(t, []string{events.ReasonDeadline, events.ReasonNoBids}, reasons)

	n, err = f.svc.ExpireOverdue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)

	// window lapses while the process is down
	lapsing := f.openIntent(1)
	res, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), lapsing.Hash, "1050000", 10))
	require.NoError(t, err)
	// still inside its window at restart
	f.clk.Advance(time.Second)
	running := f.openIntent(2)
	// stored but never announced
	key := testutil.GenerateKey(t)
	pending, err := signIntent(t, f.intentSubmission(key, 3), key).Parse()
	require.NoError(t, err)
	pending.Status = models.IntentStatusNew
	pending.Version = 1
	require.NoError(t, f.store.CreateIntent(f.ctx, pending))
	f.svc.Close()

	// restart after the lapsing window closed
	f.clk.Advance(2*time.Second + 500*time.Millisecond)
	restarted := f.service(Config{BiddingWindow: 3 * time.Second})
	t.Cleanup(restarted.Close)
	f.recorder.Reset()
	gauge := promtest.ToFloat64(metrics.OpenIntents)

	armed, err := restarted.Recover(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, armed)
	assert.Equal(t, 2, restarted.ArmedWindows())
	// the lapsed window was counted and decided, the other two stay open
	assert.Equal(t, gauge+2, promtest.ToFloat64(metrics.OpenIntents))

	assert.Equal(t, models.IntentStatusFilled, f.intent(lapsing.Hash).Status)
	assert.Equal(t, res.BidID, f.intent(lapsing.Hash).WinningBidID)
	announced := f.intent(pending.Hash)
	assert.Equal(t, models.IntentStatusBroadcasting, announced.Status)
	assert.Equal(t, f.clk.Now(), announced.WindowOpensAt)
	assert.Equal(t, models.IntentStatusBroadcasting, f.intent(running.Hash).Status)

	// the re-armed timers decide the rest
	f.clk.Advance(3 * time.Second)
	assert.Equal(t, models.IntentStatusExpired, f.intent(running.Hash).Status)
	assert.Equal(t, models.IntentStatusExpired, f.intent(pending.Hash).Status)
	assert.Zero(t, restarted.ArmedWindows())
	assert.Equal(t, gauge, promtest.ToFloat64(metrics.OpenIntents))
}

func TestRecoverExpiresPastDeadline(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	f.svc.Close()

	f.clk.Advance(2 * time.Minute)
	restarted := f.service(Config{})
	t.Cleanup(restarted.Close)
	gauge := promtest.ToFloat64(metrics.OpenIntents)

	armed, err := restarted.Recover(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, armed)
	assert.Equal(t, models.IntentStatusExpired, f.intent(intent.Hash).Status)
	assert.Equal(t, gauge, promtest.ToFloat64(metrics.OpenIntents))

	all := f.recorder.Events()
	assert.Equal(t, events.ReasonDeadline, all[len(all)-1].(*events.IntentExpired).Reason)
}

func TestRecoverFinishesInterruptedDecision(t *testing.T) {
	f := newFixture(t)
	intent := f.openIntent(1)
	res, err := f.svc.SubmitBid(f.ctx, signBid(t, testutil.GenerateKey(t), intent.Hash, "1050000", 10))
	require.NoError(t, err)
	f.svc.Close()

	// the process stopped right after filling the intent
	current := f.intent(intent.Hash)
	_, err = f.store.CASUpdateIntent(f.ctx, intent.Hash, current.Version, func(i *models.Intent) error {
		i.Status = models.IntentStatusFilled
		i.WinningBidID = res.BidID
		return nil
	})
	require.NoError(t, err)

	restarted := f.service(Config{})
	t.Cleanup(restarted.Close)
	armed, err := restarted.Recover(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, armed)

	assert.True(t, f.intent(intent.Hash).Finalized)
	assert.Equal(t, models.BidStatusWon, f.bids(intent.Hash)[res.BidID].Status)
	assert.Equal(t, []string{res.BidID}, f.settler.submitted())
	assert.Equal(t, 1, f.count(events.TypeWinnerSelected))
}

type conflictingStore struct {
	*store.MemoryStore
	attempts atomic.Int32
}

func (s *conflictingStore) CASUpdateIntent(context.Context, common.Hash, uint64, store.Mutator) (*models.Intent, error) {
	s.attempts.Add(1)
	return nil, apperr.Conflict("version moved")
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := testutil.SetupTestWithTimeout(t)
	st := &conflictingStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(Config{MaxCASRetries: 3, CASBackoff: time.Millisecond}, Deps{
		Store: st,
		Clock: testutil.NewManualClock(start),
	})

	intent := &models.Intent{
		Hash:     common.Hash{0x01},
		AmountIn: big.NewInt(1),
		Nonce:    big.NewInt(1),
		Signer:   common.Address{0x02},
		Status:   models.IntentStatusBroadcasting,
		Deadline: start.Add(time.Minute),
		Version:  1,
	}
	require.NoError(t, st.MemoryStore.CreateIntent(ctx, intent))

	_, err := svc.Cancel(ctx, intent.Hash, "")
	assert.True(t, apperr.IsConflict(err))
	assert.Contains(t, err.Error(), "resubmit")
	assert.EqualValues(t, 3, st.attempts.Load())
}
