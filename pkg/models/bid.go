package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Bid is a solver's signed offer to fill an intent
type Bid struct {
	ID            string         `json:"id"`
	IntentHash    common.Hash    `json:"intent_hash"`
	Solver        common.Address `json:"solver"`
	QuoteOut      *big.Int       `json:"quote_out"`
	FeeBps        uint16         `json:"fee_bps"`
	ExecutionHint hexutil.Bytes  `json:"execution_hint"`
	TTL           time.Duration  `json:"ttl"`
	ArrivedAt     time.Time      `json:"arrived_at"`
	Signature     hexutil.Bytes  `json:"signature"`

	// Recomputed for every accepted bid of the intent on each admission
	Rank            int             `json:"rank"`
	Score           decimal.Decimal `json:"score"`
	EffectiveOutput *big.Int        `json:"effective_output"`

	Status BidStatus `json:"status"`
}

var bidArguments = abi.Arguments{
	{Name: "intentHash", Type: bytes32Type},
	{Name: "quoteOut", Type: uint256Type},
	{Name: "feeBps", Type: uint16Type},
	{Name: "hintHash", Type: bytes32Type},
	{Name: "ttlMillis", Type: uint64Type},
}

// Digest is the hash a solver signs: keccak256 over the ABI encoding of the
// intent hash, quote, fee, keccak256(hint) and TTL in milliseconds.
func (b *Bid) Digest() (common.Hash, error) {
	packed, err := bidArguments.Pack(
		[32]byte(b.IntentHash),
		b.QuoteOut,
		b.FeeBps,
		[32]byte(crypto.Keccak256Hash(b.ExecutionHint)),
		uint64(b.TTL.Milliseconds()),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// Clone returns a deep copy
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	c := *b
	if b.QuoteOut != nil {
		c.QuoteOut = new(big.Int).Set(b.QuoteOut)
	}
	if b.EffectiveOutput != nil {
		c.EffectiveOutput = new(big.Int).Set(b.EffectiveOutput)
	}
	if b.ExecutionHint != nil {
		c.ExecutionHint = append(hexutil.Bytes(nil), b.ExecutionHint...)
	}
	if b.Signature != nil {
		c.Signature = append(hexutil.Bytes(nil), b.Signature...)
	}
	return &c
}

// BidResult is the outcome of a bid submission
type BidResult struct {
	Accepted        bool             `json:"accepted"`
	BidID           string           `json:"bid_id,omitempty"`
	Rank            int              `json:"rank,omitempty"`
	Score           *decimal.Decimal `json:"score,omitempty"`
	EffectiveOutput string           `json:"effective_output,omitempty"`
	Error           string           `json:"error,omitempty"`
}
