package signature_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/signature"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/testutil"
)

func testIntent(signer common.Address) *models.Intent {
	return &models.Intent{
		TokenIn:        testutil.GenerateAddress(),
		TokenOut:       testutil.GenerateAddress(),
		AmountIn:       big.NewInt(1_000_000),
		MaxSlippageBps: 30,
		Deadline:       time.Unix(1_900_000_000, 0),
		ChainID:        1,
		Receiver:       testutil.GenerateAddress(),
		Nonce:          big.NewInt(1),
		Signer:         signer,
	}
}

func TestIntentSignatureRoundTrip(t *testing.T) {
	key := testutil.GenerateKey(t)
	intent := testIntent(key.Address)

	sig, err := signature.SignIntent(intent, key.Private)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := signature.NewEthVerifier().VerifyIntentSignature(intent, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address, got)
}

func TestIntentSignatureAcceptsRawRecoveryID(t *testing.T) {
	key := testutil.GenerateKey(t)
	intent := testIntent(key.Address)

	sig, err := signature.SignIntent(intent, key.Private)
	require.NoError(t, err)
	sig[64] -= 27

	got, err := signature.NewEthVerifier().VerifyIntentSignature(intent, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address, got)
}

func TestTamperedIntentRecoversOtherSigner(t *testing.T) {
	key := testutil.GenerateKey(t)
	intent := testIntent(key.Address)

	sig, err := signature.SignIntent(intent, key.Private)
	require.NoError(t, err)

	intent.AmountIn = big.NewInt(2_000_000)
	got, err := signature.NewEthVerifier().VerifyIntentSignature(intent, sig)
	if err == nil {
		assert.NotEqual(t, key.Address, got)
	}
}

func TestBidSignatureRoundTrip(t *testing.T) {
	key := testutil.GenerateKey(t)
	bid := &models.Bid{
		IntentHash:    common.Hash{0x42},
		QuoteOut:      big.NewInt(1_050_000),
		FeeBps:        10,
		ExecutionHint: []byte{0x01, 0x02},
		TTL:           2 * time.Second,
	}

	sig, err := signature.SignBid(bid, key.Private)
	require.NoError(t, err)

	got, err := signature.NewEthVerifier().VerifyBidSignature(bid, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address, got)
}

func TestMalformedSignature(t *testing.T) {
	v := signature.NewEthVerifier()
	bid := &models.Bid{QuoteOut: big.NewInt(1), TTL: time.Second}

	_, err := v.VerifyBidSignature(bid, []byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidSignature))

	bad := make([]byte, 65)
	bad[64] = 9
	_, err = v.VerifyBidSignature(bid, bad)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}
