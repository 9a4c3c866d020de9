package models

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
)

// SignatureLength is the length of a secp256k1 [R || S || V] signature
const SignatureLength = 65

// IntentSubmission is the inbound shape of a signed intent.
// Amounts and the nonce are decimal strings, the deadline is unix seconds.
type IntentSubmission struct {
	TokenIn        string `json:"token_in"`
	TokenOut       string `json:"token_out"`
	AmountIn       string `json:"amount_in"`
	MaxSlippageBps uint32 `json:"max_slippage_bps"`
	Deadline       int64  `json:"deadline"`
	ChainID        uint64 `json:"chain_id"`
	Receiver       string `json:"receiver"`
	Nonce          string `json:"nonce"`
	Signer         string `json:"signer"`
	Signature      string `json:"signature"`
}

// Parse validates the structure of the submission and builds the intent
// record with its hash. Business rules (deadline, slippage bound, signature)
// are checked by the coordinator.
func (s *IntentSubmission) Parse() (*Intent, error) {
	tokenIn, err := parseAddress("token_in", s.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := parseAddress("token_out", s.TokenOut)
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress("receiver", s.Receiver)
	if err != nil {
		return nil, err
	}
	signer, err := parseAddress("signer", s.Signer)
	if err != nil {
		return nil, err
	}
	if tokenIn == tokenOut {
		return nil, apperr.Validation("token_in and token_out must differ")
	}
	amountIn, err := parseUint("amount_in", s.AmountIn)
	if err != nil {
		return nil, err
	}
	if amountIn.Sign() == 0 {
		return nil, apperr.Validation("amount_in must be positive")
	}
	nonce, err := parseUint("nonce", s.Nonce)
	if err != nil {
		return nil, err
	}
	if s.MaxSlippageBps > MaxBps {
		return nil, apperr.Validation("max_slippage_bps %d exceeds %d", s.MaxSlippageBps, MaxBps)
	}
	if s.Deadline <= 0 {
		return nil, apperr.Validation("deadline is required")
	}
	if s.ChainID == 0 {
		return nil, apperr.Validation("chain_id is required")
	}
	sig, err := parseSignature(s.Signature)
	if err != nil {
		return nil, err
	}

	intent := &Intent{
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		AmountIn:       amountIn,
		MaxSlippageBps: uint16(s.MaxSlippageBps),
		Deadline:       time.Unix(s.Deadline, 0).UTC(),
		ChainID:        s.ChainID,
		Receiver:       receiver,
		Nonce:          nonce,
		Signer:         signer,
		Signature:      sig,
	}
	hash, err := intent.ComputeHash()
	if err != nil {
		return nil, apperr.Validation("cannot encode intent: %v", err)
	}
	intent.Hash = hash
	return intent, nil
}

// BidSubmission is the inbound shape of a solver's bid.
// QuoteOut is a decimal string, the hint is 0x-hex and the TTL is in milliseconds.
type BidSubmission struct {
	IntentHash    string `json:"intent_hash"`
	QuoteOut      string `json:"quote_out"`
	FeeBps        uint32 `json:"fee_bps"`
	ExecutionHint string `json:"execution_hint"`
	TTLMillis     int64  `json:"ttl_ms"`
	Signature     string `json:"signature"`
}

// Parse validates the structure of the submission and builds a pending bid
// without id, solver or arrival time.
func (s *BidSubmission) Parse() (*Bid, error) {
	hash, err := ParseHash(s.IntentHash)
	if err != nil {
		return nil, err
	}
	quote, err := parseUint("quote_out", s.QuoteOut)
	if err != nil {
		return nil, err
	}
	if quote.Sign() == 0 {
		return nil, apperr.Validation("quote_out must be positive")
	}
	if s.FeeBps > MaxBps {
		return nil, apperr.Validation("fee_bps %d exceeds %d", s.FeeBps, MaxBps)
	}
	var hint hexutil.Bytes
	if s.ExecutionHint != "" && s.ExecutionHint != "0x" {
		hint, err = hexutil.Decode(s.ExecutionHint)
		if err != nil {
			return nil, apperr.Validation("execution_hint: %v", err)
		}
	}
	if s.TTLMillis <= 0 {
		return nil, apperr.Validation("ttl_ms must be positive")
	}
	sig, err := parseSignature(s.Signature)
	if err != nil {
		return nil, err
	}
	return &Bid{
		IntentHash:    hash,
		QuoteOut:      quote,
		FeeBps:        uint16(s.FeeBps),
		ExecutionHint: hint,
		TTL:           time.Duration(s.TTLMillis) * time.Millisecond,
		Signature:     sig,
		Status:        BidStatusPending,
	}, nil
}

// ParseHash parses a 0x-prefixed 32 byte hex intent hash
func ParseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, apperr.Validation("intent hash %q is not 32 bytes of 0x-hex", s)
	}
	return common.BytesToHash(b), nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, apperr.Validation("%s %q is not an address", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, apperr.Validation("%s must not be the zero address", field)
	}
	return addr, nil
}

func parseUint(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, apperr.Validation("%s %q is not a decimal integer", field, s)
	}
	if v.Sign() < 0 {
		return nil, apperr.Validation("%s must not be negative", field)
	}
	return v, nil
}

func parseSignature(s string) (hexutil.Bytes, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, apperr.Validation("signature: %v", err)
	}
	if len(sig) != SignatureLength {
		return nil, apperr.Validation("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	return sig, nil
}
