// Package settlement hands decided intents to the settlement executor.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

const settlementsPath = "/api/v1/settlements"

// Handoff delivers a winner to settlement. Implementations must tolerate the
// same intent being handed off more than once.
type Handoff interface {
	Handoff(ctx context.Context, intent *models.Intent, bid *models.Bid) error
}

// HandoffFunc adapts a function to Handoff
type HandoffFunc func(ctx context.Context, intent *models.Intent, bid *models.Bid) error

// Handoff calls f
func (f HandoffFunc) Handoff(ctx context.Context, intent *models.Intent, bid *models.Bid) error {
	return f(ctx, intent, bid)
}

// Request is the body posted to the settlement endpoint
type Request struct {
	IntentHash      common.Hash    `json:"intent_hash"`
	ChainID         uint64         `json:"chain_id"`
	TokenIn         common.Address `json:"token_in"`
	TokenOut        common.Address `json:"token_out"`
	AmountIn        string         `json:"amount_in"`
	Receiver        common.Address `json:"receiver"`
	Deadline        int64          `json:"deadline"`
	BidID           string         `json:"bid_id"`
	Solver          common.Address `json:"solver"`
	QuoteOut        string         `json:"quote_out"`
	FeeBps          uint16         `json:"fee_bps"`
	EffectiveOutput string         `json:"effective_output"`
	ExecutionHint   hexutil.Bytes  `json:"execution_hint"`
}

// NewRequest builds the settlement body for a winner
func NewRequest(intent *models.Intent, bid *models.Bid) Request {
	r := Request{
		IntentHash:    intent.Hash,
		ChainID:       intent.ChainID,
		TokenIn:       intent.TokenIn,
		TokenOut:      intent.TokenOut,
		AmountIn:      intent.AmountIn.String(),
		Receiver:      intent.Receiver,
		Deadline:      intent.Deadline.Unix(),
		BidID:         bid.ID,
		Solver:        bid.Solver,
		QuoteOut:      bid.QuoteOut.String(),
		FeeBps:        bid.FeeBps,
		ExecutionHint: bid.ExecutionHint,
	}
	if bid.EffectiveOutput != nil {
		r.EffectiveOutput = bid.EffectiveOutput.String()
	}
	return r
}

// StatusError is a non-2xx answer from the settlement endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Client posts winners to a settlement service over HTTP
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

var _ Handoff = (*Client)(nil)

// NewClient creates a new settlement API client
func NewClient(endpoint string, logger logger.Logger) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(),
		logger:     logger,
	}
}

// Handoff posts the winner. 2xx is success, anything else is a StatusError.
func (c *Client) Handoff(ctx context.Context, intent *models.Intent, bid *models.Bid) error {
	body, err := json.Marshal(NewRequest(intent, bid))
	if err != nil {
		return fmt.Errorf("failed to encode settlement request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+settlementsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build settlement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post settlement: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	c.logger.DebugWithChain(intent.ChainID, "Settlement accepted intent %s (bid %s)", intent.Hash.Hex(), bid.ID)
	return nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// LogHandoff only logs the winner. Used when no settlement endpoint is set.
type LogHandoff struct {
	Logger logger.Logger
}

var _ Handoff = LogHandoff{}

// Handoff logs the winner
func (h LogHandoff) Handoff(_ context.Context, intent *models.Intent, bid *models.Bid) error {
	h.Logger.InfoWithChain(intent.ChainID, "Winner for intent %s: bid %s by %s (effective output %s)",
		intent.Hash.Hex(), bid.ID, bid.Solver.Hex(), bid.EffectiveOutput)
	return nil
}
