// Package events defines the closed set of events the coordinator publishes.
//
// Every variant implements Event and is dispatched through Visitor, so adding
// a variant breaks every consumer at compile time until it handles it.
// Amounts travel as decimal strings and timestamps as unix milliseconds.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// Type is the wire tag of an event
type Type string

const (
	TypeIntentCreated   Type = "intent_created"
	TypeBidReceived     Type = "bid_received"
	TypeBestBidUpdated  Type = "best_bid_updated"
	TypeWinnerSelected  Type = "winner_selected"
	TypeIntentExpired   Type = "intent_expired"
	TypeIntentCancelled Type = "intent_cancelled"
)

// Expiry reasons
const (
	ReasonNoBids   = "no_bids"
	ReasonDeadline = "deadline_passed"
)

// Event is one of the variants below
type Event interface {
	Type() Type
	Intent() common.Hash
	Accept(v Visitor) error
	sealed()
}

// Visitor handles every event variant
type Visitor interface {
	VisitIntentCreated(e *IntentCreated) error
	VisitBidReceived(e *BidReceived) error
	VisitBestBidUpdated(e *BestBidUpdated) error
	VisitWinnerSelected(e *WinnerSelected) error
	VisitIntentExpired(e *IntentExpired) error
	VisitIntentCancelled(e *IntentCancelled) error
}

// IntentSummary is the public view of an intent's signed fields
type IntentSummary struct {
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	AmountIn       string         `json:"amount_in"`
	MaxSlippageBps uint16         `json:"max_slippage_bps"`
	Deadline       int64          `json:"deadline"`
	ChainID        uint64         `json:"chain_id"`
	Receiver       common.Address `json:"receiver"`
}

// BidView is the public view of a bid
type BidView struct {
	ID              string         `json:"id"`
	Solver          common.Address `json:"solver"`
	QuoteOut        string         `json:"quote_out"`
	FeeBps          uint16         `json:"fee_bps"`
	EffectiveOutput string         `json:"effective_output"`
	Rank            int            `json:"rank"`
	Score           string         `json:"score"`
	ExecutionHint   hexutil.Bytes  `json:"execution_hint"`
	TTLMillis       int64          `json:"ttl_ms"`
	ArrivedAt       int64          `json:"arrived_at"`
}

// IntentCreated announces a new intent to solvers
type IntentCreated struct {
	Hash          common.Hash   `json:"hash"`
	Summary       IntentSummary `json:"summary"`
	WindowOpenAt  int64         `json:"window_open_at"`
	WindowCloseAt int64         `json:"window_close_at"`
}

// BidReceived is emitted for every admitted bid
type BidReceived struct {
	IntentHash common.Hash    `json:"intent_hash"`
	BidID      string         `json:"bid_id"`
	SolverID   common.Address `json:"solver_id"`
	QuoteOut   string         `json:"quote_out"`
	FeeBps     uint16         `json:"fee_bps"`
	Rank       int            `json:"rank"`
}

// BestBidUpdated is emitted when an admitted bid becomes the best one
type BestBidUpdated struct {
	IntentHash common.Hash `json:"intent_hash"`
	Bid        BidView     `json:"bid"`
	Score      string      `json:"score"`
}

// WinnerSelected is emitted once per intent
type WinnerSelected struct {
	IntentHash common.Hash `json:"intent_hash"`
	WinningBid BidView     `json:"winning_bid"`
}

// IntentExpired is emitted when an intent ends without a winner
type IntentExpired struct {
	IntentHash common.Hash `json:"intent_hash"`
	Reason     string      `json:"reason"`
}

// IntentCancelled is emitted when an intent is withdrawn
type IntentCancelled struct {
	IntentHash common.Hash `json:"intent_hash"`
	Reason     string      `json:"reason"`
}

func (e *IntentCreated) Type() Type               { return TypeIntentCreated }
func (e *IntentCreated) Intent() common.Hash      { return e.Hash }
func (e *IntentCreated) Accept(v Visitor) error   { return v.VisitIntentCreated(e) }
func (e *IntentCreated) sealed()                  {}
func (e *BidReceived) Type() Type                 { return TypeBidReceived }
func (e *BidReceived) Intent() common.Hash        { return e.IntentHash }
func (e *BidReceived) Accept(v Visitor) error     { return v.VisitBidReceived(e) }
func (e *BidReceived) sealed()                    {}
func (e *BestBidUpdated) Type() Type              { return TypeBestBidUpdated }
func (e *BestBidUpdated) Intent() common.Hash     { return e.IntentHash }
func (e *BestBidUpdated) Accept(v Visitor) error  { return v.VisitBestBidUpdated(e) }
func (e *BestBidUpdated) sealed()                 {}
func (e *WinnerSelected) Type() Type              { return TypeWinnerSelected }
func (e *WinnerSelected) Intent() common.Hash     { return e.IntentHash }
func (e *WinnerSelected) Accept(v Visitor) error  { return v.VisitWinnerSelected(e) }
func (e *WinnerSelected) sealed()                 {}
func (e *IntentExpired) Type() Type               { return TypeIntentExpired }
func (e *IntentExpired) Intent() common.Hash      { return e.IntentHash }
func (e *IntentExpired) Accept(v Visitor) error   { return v.VisitIntentExpired(e) }
func (e *IntentExpired) sealed()                  {}
func (e *IntentCancelled) Type() Type             { return TypeIntentCancelled }
func (e *IntentCancelled) Intent() common.Hash    { return e.IntentHash }
func (e *IntentCancelled) Accept(v Visitor) error { return v.VisitIntentCancelled(e) }
func (e *IntentCancelled) sealed()                {}

// NewIntentCreated builds the event from a freshly opened intent
func NewIntentCreated(intent *models.Intent) *IntentCreated {
	return &IntentCreated{
		Hash: intent.Hash,
		Summary: IntentSummary{
			TokenIn:        intent.TokenIn,
			TokenOut:       intent.TokenOut,
			AmountIn:       intent.AmountIn.String(),
			MaxSlippageBps: intent.MaxSlippageBps,
			Deadline:       intent.Deadline.Unix(),
			ChainID:        intent.ChainID,
			Receiver:       intent.Receiver,
		},
		WindowOpenAt:  intent.WindowOpensAt.UnixMilli(),
		WindowCloseAt: intent.WindowClosesAt.UnixMilli(),
	}
}

// NewBidReceived builds the event for an admitted bid
func NewBidReceived(bid *models.Bid) *BidReceived {
	return &BidReceived{
		IntentHash: bid.IntentHash,
		BidID:      bid.ID,
		SolverID:   bid.Solver,
		QuoteOut:   bid.QuoteOut.String(),
		FeeBps:     bid.FeeBps,
		Rank:       bid.Rank,
	}
}

// NewBestBidUpdated builds the event for a new best bid
func NewBestBidUpdated(bid *models.Bid) *BestBidUpdated {
	view := NewBidView(bid)
	return &BestBidUpdated{IntentHash: bid.IntentHash, Bid: view, Score: view.Score}
}

// NewWinnerSelected builds the event for the winning bid
func NewWinnerSelected(bid *models.Bid) *WinnerSelected {
	return &WinnerSelected{IntentHash: bid.IntentHash, WinningBid: NewBidView(bid)}
}

// NewBidView converts a bid to its wire form
func NewBidView(bid *models.Bid) BidView {
	effective := ""
	if bid.EffectiveOutput != nil {
		effective = bid.EffectiveOutput.String()
	}
	hint := bid.ExecutionHint
	if hint == nil {
		hint = hexutil.Bytes{}
	}
	return BidView{
		ID:              bid.ID,
		Solver:          bid.Solver,
		QuoteOut:        bid.QuoteOut.String(),
		FeeBps:          bid.FeeBps,
		EffectiveOutput: effective,
		Rank:            bid.Rank,
		Score:           bid.Score.String(),
		ExecutionHint:   hint,
		TTLMillis:       bid.TTL.Milliseconds(),
		ArrivedAt:       bid.ArrivedAt.UnixMilli(),
	}
}

// Envelope is the wire frame of an event
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes e inside its envelope
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Type(), err)
	}
	return json.Marshal(Envelope{Type: e.Type(), Data: data})
}

// Decode parses an envelope back into its variant
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	var e Event
	switch env.Type {
	case TypeIntentCreated:
		e = &IntentCreated{}
	case TypeBidReceived:
		e = &BidReceived{}
	case TypeBestBidUpdated:
		e = &BestBidUpdated{}
	case TypeWinnerSelected:
		e = &WinnerSelected{}
	case TypeIntentExpired:
		e = &IntentExpired{}
	case TypeIntentCancelled:
		e = &IntentCancelled{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return e, nil
}
