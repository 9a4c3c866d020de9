// Package scoring ranks the bids of one intent. Everything here is pure: no
// I/O, no locks, no clock. Monetary values stay in big.Int and scores in
// decimal, never in floating point.
package scoring

import (
	"bytes"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// ScorePlaces is the number of decimal places kept in published scores
const ScorePlaces = 4

var (
	hundred = decimal.NewFromInt(100)
	maxBps  = big.NewInt(models.MaxBps)

	// DefaultReputation is the reputation of a solver with no history
	DefaultReputation = decimal.NewFromInt(50)
)

// Weights are the per-component multipliers of the total score.
// They need not sum to one; the defaults leave 0.05 unused.
type Weights struct {
	Fee        decimal.Decimal `yaml:"fee" json:"fee"`
	Speed      decimal.Decimal `yaml:"speed" json:"speed"`
	Reputation decimal.Decimal `yaml:"reputation" json:"reputation"`
	Output     decimal.Decimal `yaml:"output" json:"output"`
}

// DefaultWeights returns fee 0.3, speed 0.2, reputation 0.2, output 0.25
func DefaultWeights() Weights {
	return Weights{
		Fee:        decimal.RequireFromString("0.3"),
		Speed:      decimal.RequireFromString("0.2"),
		Reputation: decimal.RequireFromString("0.2"),
		Output:     decimal.RequireFromString("0.25"),
	}
}

// Breakdown is the score of one bid with its components, each in [0,100]
type Breakdown struct {
	Fee             decimal.Decimal
	Speed           decimal.Decimal
	Reputation      decimal.Decimal
	Output          decimal.Decimal
	Total           decimal.Decimal
	EffectiveOutput *big.Int
}

// Engine scores bids with fixed weights and fee cap
type Engine struct {
	weights   Weights
	maxFeeBps uint16
}

// NewEngine creates a scoring engine
func NewEngine(weights Weights, maxFeeBps uint16) *Engine {
	return &Engine{weights: weights, maxFeeBps: maxFeeBps}
}

// Weights returns the configured weights
func (e *Engine) Weights() Weights {
	return e.weights
}

// MaxFeeBps returns the configured fee cap
func (e *Engine) MaxFeeBps() uint16 {
	return e.maxFeeBps
}

// EffectiveOutput is quote * (10000 - feeBps) / 10000, truncated
func EffectiveOutput(quote *big.Int, feeBps uint16) *big.Int {
	if quote == nil {
		return new(big.Int)
	}
	fee := int64(feeBps)
	if fee > models.MaxBps {
		fee = models.MaxBps
	}
	out := new(big.Int).Mul(quote, big.NewInt(models.MaxBps-fee))
	return out.Quo(out, maxBps)
}

// FeeScore is 100 * (max - fee) / max, or 0 once fee reaches max
func FeeScore(feeBps, maxFeeBps uint16) decimal.Decimal {
	if maxFeeBps == 0 || feeBps >= maxFeeBps {
		return decimal.Zero
	}
	return hundred.Mul(decimal.NewFromInt(int64(maxFeeBps - feeBps))).Div(decimal.NewFromInt(int64(maxFeeBps)))
}

// SpeedScore rewards early arrival: 100 at window open, 0 at window close
func SpeedScore(arrival time.Time, window models.BiddingWindow) decimal.Decimal {
	length := window.Duration()
	if length <= 0 {
		return decimal.Zero
	}
	elapsed := arrival.Sub(window.OpensAt)
	if elapsed < 0 {
		elapsed = 0
	}
	score := hundred.Mul(decimal.NewFromInt(int64(length - elapsed))).Div(decimal.NewFromInt(int64(length)))
	return clamp(score)
}

// OutputScore is the gain of quote over the nominal input in percent, clamped
// to [0,100]. A zero input scores 0.
func OutputScore(quote, amountIn *big.Int) decimal.Decimal {
	if amountIn == nil || amountIn.Sign() == 0 || quote == nil {
		return decimal.Zero
	}
	gain := new(big.Int).Sub(quote, amountIn)
	if gain.Sign() <= 0 {
		return decimal.Zero
	}
	gain.Mul(gain, big.NewInt(100))
	score := decimal.NewFromBigInt(gain, 0).Div(decimal.NewFromBigInt(amountIn, 0))
	return clamp(score)
}

// Score computes the breakdown of bid against its intent. reputation is the
// solver's win rate in [0,100] as returned by the reputation source.
func (e *Engine) Score(bid *models.Bid, intent *models.Intent, reputation decimal.Decimal) Breakdown {
	b := Breakdown{
		Fee:             FeeScore(bid.FeeBps, e.maxFeeBps),
		Speed:           SpeedScore(bid.ArrivedAt, intent.Window()),
		Reputation:      clamp(reputation),
		Output:          OutputScore(bid.QuoteOut, intent.AmountIn),
		EffectiveOutput: EffectiveOutput(bid.QuoteOut, bid.FeeBps),
	}
	b.Total = e.weights.Fee.Mul(b.Fee).
		Add(e.weights.Speed.Mul(b.Speed)).
		Add(e.weights.Reputation.Mul(b.Reputation)).
		Add(e.weights.Output.Mul(b.Output)).
		Round(ScorePlaces)
	b.Fee = b.Fee.Round(ScorePlaces)
	b.Speed = b.Speed.Round(ScorePlaces)
	b.Reputation = b.Reputation.Round(ScorePlaces)
	b.Output = b.Output.Round(ScorePlaces)
	return b
}

// Rank is 1 + the number of other bids with strictly greater effective output
func Rank(bid *models.Bid, all []*models.Bid) int {
	mine := effective(bid)
	rank := 1
	for _, other := range all {
		if other.ID == bid.ID {
			continue
		}
		if effective(other).Cmp(mine) > 0 {
			rank++
		}
	}
	return rank
}

// RankAll recomputes effective output, score and rank of every bid in place.
// Solvers missing from reputations get DefaultReputation.
func (e *Engine) RankAll(intent *models.Intent, bids []*models.Bid, reputations map[common.Address]decimal.Decimal) {
	for _, bid := range bids {
		rep, ok := reputations[bid.Solver]
		if !ok {
			rep = DefaultReputation
		}
		b := e.Score(bid, intent, rep)
		bid.Score = b.Total
		bid.EffectiveOutput = b.EffectiveOutput
	}
	for _, bid := range bids {
		bid.Rank = Rank(bid, bids)
	}
}

// Compare orders bids for selection: greater effective output first, then
// earlier arrival, then lower id. It returns a negative number when a wins.
func Compare(a, b *models.Bid) int {
	if c := effective(b).Cmp(effective(a)); c != 0 {
		return c
	}
	if !a.ArrivedAt.Equal(b.ArrivedAt) {
		if a.ArrivedAt.Before(b.ArrivedAt) {
			return -1
		}
		return 1
	}
	return bytes.Compare([]byte(a.ID), []byte(b.ID))
}

// Better reports whether a strictly beats b on effective output
func Better(a, b *models.Bid) bool {
	if b == nil {
		return true
	}
	return effective(a).Cmp(effective(b)) > 0
}

// Sort orders bids best first using Compare
func Sort(bids []*models.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		return Compare(bids[i], bids[j]) < 0
	})
}

// Best returns the winning bid under Compare, or nil for an empty slice
func Best(bids []*models.Bid) *models.Bid {
	var best *models.Bid
	for _, bid := range bids {
		if best == nil || Compare(bid, best) < 0 {
			best = bid
		}
	}
	return best
}

func effective(b *models.Bid) *big.Int {
	if b.EffectiveOutput != nil {
		return b.EffectiveOutput
	}
	return EffectiveOutput(b.QuoteOut, b.FeeBps)
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if d.GreaterThan(hundred) {
		return hundred
	}
	return d
}
