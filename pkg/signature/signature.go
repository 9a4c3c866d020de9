// Package signature recovers signer identities from intent and bid signatures.
package signature

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// Verifier derives the address behind a signature
type Verifier interface {
	VerifyIntentSignature(intent *models.Intent, sig []byte) (common.Address, error)
	VerifyBidSignature(bid *models.Bid, sig []byte) (common.Address, error)
}

// EthVerifier recovers secp256k1 personal-sign signatures (EIP-191) over the
// intent hash or the bid digest.
type EthVerifier struct{}

var _ Verifier = EthVerifier{}

// NewEthVerifier creates a verifier
func NewEthVerifier() EthVerifier {
	return EthVerifier{}
}

// VerifyIntentSignature returns the address that signed the intent hash
func (EthVerifier) VerifyIntentSignature(intent *models.Intent, sig []byte) (common.Address, error) {
	hash, err := intent.ComputeHash()
	if err != nil {
		return common.Address{}, apperr.Validation("cannot encode intent: %v", err)
	}
	return recoverAddress(hash, sig)
}

// VerifyBidSignature returns the solver that signed the bid digest
func (EthVerifier) VerifyBidSignature(bid *models.Bid, sig []byte) (common.Address, error) {
	digest, err := bid.Digest()
	if err != nil {
		return common.Address{}, apperr.Validation("cannot encode bid: %v", err)
	}
	return recoverAddress(digest, sig)
}

func recoverAddress(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, apperr.New(apperr.KindAuth, apperr.CodeInvalidSignature,
			"signature must be %d bytes", crypto.SignatureLength)
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	// wallets produce V as 27/28
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), normalized)
	if err != nil {
		return common.Address{}, &apperr.Error{
			Kind:    apperr.KindAuth,
			Code:    apperr.CodeInvalidSignature,
			Message: "cannot recover signer",
			Err:     err,
		}
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a personal-sign signature over hash with V in 27/28, the
// form wallets return.
func Sign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignIntent signs the intent hash
func SignIntent(intent *models.Intent, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := intent.ComputeHash()
	if err != nil {
		return nil, err
	}
	return Sign(hash, key)
}

// SignBid signs the bid digest
func SignBid(bid *models.Bid, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := bid.Digest()
	if err != nil {
		return nil, err
	}
	return Sign(digest, key)
}
