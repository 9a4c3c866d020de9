package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxBps is 100% in basis points
const MaxBps = 10000

// Intent is a signed request to exchange TokenIn for TokenOut.
// The fields down to Signer are covered by the signature and never change
// after creation; everything below them is owned by the coordinator.
type Intent struct {
	Hash           common.Hash    `json:"hash"`
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	AmountIn       *big.Int       `json:"amount_in"`
	MaxSlippageBps uint16         `json:"max_slippage_bps"`
	Deadline       time.Time      `json:"deadline"`
	ChainID        uint64         `json:"chain_id"`
	Receiver       common.Address `json:"receiver"`
	Nonce          *big.Int       `json:"nonce"`
	Signer         common.Address `json:"signer"`
	Signature      hexutil.Bytes  `json:"signature"`

	Status         IntentStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	WindowOpensAt  time.Time    `json:"window_opens_at"`
	WindowClosesAt time.Time    `json:"window_closes_at"`
	BidCount       int          `json:"bid_count"`
	BestBidID      string       `json:"best_bid_id,omitempty"`
	WinningBidID   string       `json:"winning_bid_id,omitempty"`
	CloseReason    string       `json:"close_reason,omitempty"`

	// Finalized is set once the outcome of a terminal intent has been
	// applied to its bids and announced.
	Finalized bool   `json:"finalized,omitempty"`
	Version   uint64 `json:"version"`
}

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	uint64Type, _  = abi.NewType("uint64", "", nil)
	uint16Type, _  = abi.NewType("uint16", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	intentArguments = abi.Arguments{
		{Name: "tokenIn", Type: addressType},
		{Name: "tokenOut", Type: addressType},
		{Name: "amountIn", Type: uint256Type},
		{Name: "maxSlippageBps", Type: uint16Type},
		{Name: "deadline", Type: uint64Type},
		{Name: "chainId", Type: uint64Type},
		{Name: "receiver", Type: addressType},
		{Name: "nonce", Type: uint256Type},
		{Name: "signer", Type: addressType},
	}
)

// ComputeHash returns keccak256 over the ABI encoding of the signed fields
// and the declared signer.
func (i *Intent) ComputeHash() (common.Hash, error) {
	packed, err := intentArguments.Pack(
		i.TokenIn,
		i.TokenOut,
		i.AmountIn,
		i.MaxSlippageBps,
		uint64(i.Deadline.Unix()),
		i.ChainID,
		i.Receiver,
		i.Nonce,
		i.Signer,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// Window returns the bidding window recorded on the intent
func (i *Intent) Window() BiddingWindow {
	return BiddingWindow{
		IntentHash: i.Hash,
		OpensAt:    i.WindowOpensAt,
		ClosesAt:   i.WindowClosesAt,
	}
}

// Clone returns a deep copy, so store backends never hand out shared pointers
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	if i.AmountIn != nil {
		c.AmountIn = new(big.Int).Set(i.AmountIn)
	}
	if i.Nonce != nil {
		c.Nonce = new(big.Int).Set(i.Nonce)
	}
	if i.Signature != nil {
		c.Signature = append(hexutil.Bytes(nil), i.Signature...)
	}
	return &c
}

// BiddingWindow is the interval in which bids for an intent are scored
type BiddingWindow struct {
	IntentHash common.Hash `json:"intent_hash"`
	OpensAt    time.Time   `json:"opens_at"`
	ClosesAt   time.Time   `json:"closes_at"`
}

// NewBiddingWindow opens a window of length d at opensAt. The window never
// extends past the intent deadline.
func NewBiddingWindow(hash common.Hash, opensAt time.Time, d time.Duration, deadline time.Time) BiddingWindow {
	closesAt := opensAt.Add(d)
	if !deadline.IsZero() && deadline.Before(closesAt) {
		closesAt = deadline
	}
	return BiddingWindow{IntentHash: hash, OpensAt: opensAt, ClosesAt: closesAt}
}

// Contains reports whether t is in [OpensAt, ClosesAt)
func (w BiddingWindow) Contains(t time.Time) bool {
	return !t.Before(w.OpensAt) && t.Before(w.ClosesAt)
}

// Duration is the length of the window
func (w BiddingWindow) Duration() time.Duration {
	return w.ClosesAt.Sub(w.OpensAt)
}
