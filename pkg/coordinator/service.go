// Package coordinator runs the auction for each intent: it owns the intent
// state machine, admits and ranks bids, closes bidding windows and picks the
// winner.
//
// Every mutation of one intent happens under that intent's lock and is
// written with a compare-and-set on the intent version, so a second process
// sharing the store cannot interleave either. Different intents never wait on
// each other.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/clock"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/keylock"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/reputation"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/signature"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/store"
)

const (
	DefaultBiddingWindow  = 3 * time.Second
	DefaultMaxSlippageBps = models.MaxBps
	DefaultMaxCASRetries  = 5
	DefaultCASBackoff     = 5 * time.Millisecond

	// timeout for work started by window timers rather than by a request
	timerOpTimeout = 30 * time.Second
)

// Config holds the auction settings
type Config struct {
	BiddingWindow  time.Duration
	MaxSlippageBps uint16
	MaxCASRetries  int
	CASBackoff     time.Duration
	// AllowedChains restricts the chains intents may settle on. Empty allows any.
	AllowedChains []uint64
}

// DefaultConfig returns the defaults used when no configuration is given
func DefaultConfig() Config {
	return Config{
		BiddingWindow:  DefaultBiddingWindow,
		MaxSlippageBps: DefaultMaxSlippageBps,
		MaxCASRetries:  DefaultMaxCASRetries,
		CASBackoff:     DefaultCASBackoff,
	}
}

// Settler receives every winner once the intent is filled
type Settler interface {
	Submit(intent *models.Intent, bid *models.Bid) error
}

// Deps are the collaborators of the service. Only Store is required.
type Deps struct {
	Store      store.Store
	Verifier   signature.Verifier
	Scorer     *scoring.Engine
	Reputation reputation.Source
	Sink       events.Sink
	Settler    Settler
	Clock      clock.Clock
	Logger     logger.Logger
}

// Service is the bid coordination engine
type Service struct {
	cfg        Config
	store      store.Store
	verifier   signature.Verifier
	scorer     *scoring.Engine
	reputation reputation.Source
	outcomes   reputation.OutcomeRecorder
	sink       events.Sink
	settler    Settler
	clock      clock.Clock
	logger     logger.Logger

	locks *keylock.KeyLock[common.Hash]

	timersMu sync.Mutex
	timers   map[common.Hash]clock.Timer

	// decided intents whose outcome failed to apply
	unfinishedMu sync.Mutex
	unfinished   map[common.Hash]struct{}
}

// NewService creates the engine
func NewService(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.BiddingWindow <= 0 {
		cfg.BiddingWindow = def.BiddingWindow
	}
	if cfg.MaxSlippageBps == 0 || cfg.MaxSlippageBps > models.MaxBps {
		cfg.MaxSlippageBps = def.MaxSlippageBps
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = def.MaxCASRetries
	}
	if cfg.CASBackoff <= 0 {
		cfg.CASBackoff = def.CASBackoff
	}

	if deps.Verifier == nil {
		deps.Verifier = signature.NewEthVerifier()
	}
	if deps.Scorer == nil {
		deps.Scorer = scoring.NewEngine(scoring.DefaultWeights(), 100)
	}
	if deps.Reputation == nil {
		deps.Reputation = reputation.NewTracker()
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = &logger.EmptyLogger{}
	}

	s := &Service{
		cfg:        cfg,
		store:      deps.Store,
		verifier:   deps.Verifier,
		scorer:     deps.Scorer,
		reputation: deps.Reputation,
		sink:       deps.Sink,
		settler:    deps.Settler,
		clock:      deps.Clock,
		logger:     deps.Logger,
		locks:      keylock.New[common.Hash](),
		timers:     make(map[common.Hash]clock.Timer),
		unfinished: make(map[common.Hash]struct{}),
	}
	if rec, ok := deps.Reputation.(reputation.OutcomeRecorder); ok {
		s.outcomes = rec
	}
	return s
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.cfg
}

// Scorer returns the scoring engine bids are ranked with
func (s *Service) Scorer() *scoring.Engine {
	return s.scorer
}

// Get returns the intent record
func (s *Service) Get(ctx context.Context, hash common.Hash) (*models.Intent, error) {
	return s.store.GetIntent(ctx, hash)
}

// ListBids returns every bid of the intent in arrival order
func (s *Service) ListBids(ctx context.Context, hash common.Hash) ([]*models.Bid, error) {
	if _, err := s.store.GetIntent(ctx, hash); err != nil {
		return nil, err
	}
	return s.store.ListBidsByIntent(ctx, hash)
}

// Close disarms every window timer
func (s *Service) Close() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for hash, t := range s.timers {
		t.Stop()
		delete(s.timers, hash)
	}
}

// lock serializes work on one intent
func (s *Service) lock(ctx context.Context, hash common.Hash) (func(), error) {
	unlock, err := s.locks.Lock(ctx, hash)
	if err != nil {
		return nil, apperr.Internal(err, "waiting for intent %s", hash.Hex())
	}
	return unlock, nil
}

// update re-reads the intent and applies m with a compare-and-set, retrying
// a bounded number of times when another writer got there first. m sees the
// freshest record and must re-check any precondition it relies on.
func (s *Service) update(ctx context.Context, op string, hash common.Hash, m store.Mutator) (*models.Intent, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.store.GetIntent(ctx, hash)
		if err != nil {
			return nil, err
		}
		updated, err := s.store.CASUpdateIntent(ctx, hash, current.Version, m)
		if err == nil {
			return updated, nil
		}
		if !apperr.IsConflict(err) {
			return nil, err
		}

		metrics.CASConflicts.WithLabelValues(op).Inc()
		if attempt+1 >= s.cfg.MaxCASRetries {
			return nil, &apperr.Error{
				Kind:    apperr.KindConflict,
				Code:    apperr.CodeConflict,
				Message: "intent " + hash.Hex() + " is being updated concurrently, resubmit",
				Err:     err,
			}
		}
		s.logger.Debug("CAS conflict on %s for intent %s, retry %d", op, hash.Hex(), attempt+1)

		select {
		case <-ctx.Done():
			return nil, apperr.Internal(ctx.Err(), "updating intent %s", hash.Hex())
		case <-time.After(s.cfg.CASBackoff * time.Duration(attempt+1)):
		}
	}
}

func (s *Service) recordTransition(intent *models.Intent, from models.IntentStatus) {
	to := intent.Status
	metrics.IntentTransitions.WithLabelValues(string(from), string(to)).Inc()
	switch {
	case to == models.IntentStatusBroadcasting:
		metrics.OpenIntents.Inc()
	case to.IsTerminal() && from.AcceptsBids():
		metrics.OpenIntents.Dec()
	}
	s.logger.DebugWithChain(intent.ChainID, "Intent %s: %s -> %s", intent.Hash.Hex(), from, to)
}
