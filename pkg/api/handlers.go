// Package api exposes intent submission, bidding and operator actions over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/broadcast"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

const maxBodyBytes = 64 << 10

type subjectKey struct{}

// Coordinator is the engine behind the API
type Coordinator interface {
	CreateIntent(ctx context.Context, sub *models.IntentSubmission) (*models.Intent, models.BiddingWindow, error)
	Get(ctx context.Context, hash common.Hash) (*models.Intent, error)
	SubmitBid(ctx context.Context, sub *models.BidSubmission) (*models.BidResult, error)
	ListBids(ctx context.Context, hash common.Hash) ([]*models.Bid, error)
	SelectWinner(ctx context.Context, hash common.Hash) (*models.Bid, error)
	Cancel(ctx context.Context, hash common.Hash, reason string) (*models.Intent, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	svc    Coordinator
	auth   broadcast.Authenticator
	logger logger.Logger
}

// NewHandler creates a new handler. With a nil auth the operator routes are
// open.
func NewHandler(svc Coordinator, auth broadcast.Authenticator, log logger.Logger) *Handler {
	return &Handler{svc: svc, auth: auth, logger: log}
}

// IntentView is the wire form of an intent
type IntentView struct {
	Hash           common.Hash         `json:"hash"`
	TokenIn        common.Address      `json:"token_in"`
	TokenOut       common.Address      `json:"token_out"`
	AmountIn       string              `json:"amount_in"`
	MaxSlippageBps uint16              `json:"max_slippage_bps"`
	Deadline       int64               `json:"deadline"`
	ChainID        uint64              `json:"chain_id"`
	Receiver       common.Address      `json:"receiver"`
	Nonce          string              `json:"nonce"`
	Signer         common.Address      `json:"signer"`
	Status         models.IntentStatus `json:"status"`
	WindowOpensAt  int64               `json:"window_opens_at"`
	WindowClosesAt int64               `json:"window_closes_at"`
	BidCount       int                 `json:"bid_count"`
	BestBidID      string              `json:"best_bid_id,omitempty"`
	WinningBidID   string              `json:"winning_bid_id,omitempty"`
	CreatedAt      int64               `json:"created_at"`
	UpdatedAt      int64               `json:"updated_at"`
}

// BidView is the wire form of a bid with its status
type BidView struct {
	events.BidView
	Status models.BidStatus `json:"status"`
}

// WindowView is the wire form of a bidding window, in unix milliseconds
type WindowView struct {
	OpensAt  int64 `json:"opens_at"`
	ClosesAt int64 `json:"closes_at"`
}

// CreateIntentResponse is returned for an accepted intent
type CreateIntentResponse struct {
	Intent IntentView `json:"intent"`
	Window WindowView `json:"window"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateIntent handles intent submission
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var sub models.IntentSubmission
	if !h.decode(w, r, &sub) {
		return
	}

	intent, window, err := h.svc.CreateIntent(r.Context(), &sub)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateIntentResponse{
		Intent: newIntentView(intent),
		Window: WindowView{OpensAt: window.OpensAt.UnixMilli(), ClosesAt: window.ClosesAt.UnixMilli()},
	})
}

// GetIntent returns one intent
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	hash, ok := h.hashParam(w, r)
	if !ok {
		return
	}
	intent, err := h.svc.Get(r.Context(), hash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(intent))
}

// SubmitBid handles a solver bid. A rejected bid answers with the result
// carrying the reason and the status of the error kind.
func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	hash, ok := h.hashParam(w, r)
	if !ok {
		return
	}
	var sub models.BidSubmission
	if !h.decode(w, r, &sub) {
		return
	}
	if sub.IntentHash == "" {
		sub.IntentHash = hash.Hex()
	} else if parsed, err := models.ParseHash(sub.IntentHash); err != nil || parsed != hash {
		h.writeError(w, apperr.Validation("intent_hash does not match the path"))
		return
	}

	result, err := h.svc.SubmitBid(r.Context(), &sub)
	if err != nil {
		if result == nil {
			result = &models.BidResult{Accepted: false, Error: apperr.Public(err)}
		}
		writeJSON(w, statusOf(err), result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListBids returns every bid of an intent in arrival order
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	hash, ok := h.hashParam(w, r)
	if !ok {
		return
	}
	bids, err := h.svc.ListBids(r.Context(), hash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]BidView, 0, len(bids))
	for _, b := range bids {
		views = append(views, newBidView(b))
	}
	writeJSON(w, http.StatusOK, views)
}

// SelectWinner closes the auction early
func (h *Handler) SelectWinner(w http.ResponseWriter, r *http.Request) {
	hash, ok := h.hashParam(w, r)
	if !ok {
		return
	}
	winner, err := h.svc.SelectWinner(r.Context(), hash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidView(winner))
}

// CancelIntent withdraws an intent
func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	hash, ok := h.hashParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	intent, err := h.svc.Cancel(r.Context(), hash, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if subject, ok := r.Context().Value(subjectKey{}).(string); ok {
		h.logger.Notice("Intent %s cancelled by %s", hash.Hex(), subject)
	}
	writeJSON(w, http.StatusOK, newIntentView(intent))
}

// OperatorAuth requires a valid bearer token when an authenticator is set
func (h *Handler) OperatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = ""
		}
		subject, err := h.auth.Authenticate(token)
		if err != nil {
			h.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) hashParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	hash, err := models.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		h.writeError(w, err)
		return common.Hash{}, false
	}
	return hash, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: apperr.Public(err), Code: apperr.CodeOf(err)})
}

// statusOf maps an error kind to its HTTP status
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newIntentView(i *models.Intent) IntentView {
	v := IntentView{
		Hash:           i.Hash,
		TokenIn:        i.TokenIn,
		TokenOut:       i.TokenOut,
		MaxSlippageBps: i.MaxSlippageBps,
		Deadline:       i.Deadline.Unix(),
		ChainID:        i.ChainID,
		Receiver:       i.Receiver,
		Signer:         i.Signer,
		Status:         i.Status,
		WindowOpensAt:  i.WindowOpensAt.UnixMilli(),
		WindowClosesAt: i.WindowClosesAt.UnixMilli(),
		BidCount:       i.BidCount,
		BestBidID:      i.BestBidID,
		WinningBidID:   i.WinningBidID,
		CreatedAt:      i.CreatedAt.UnixMilli(),
		UpdatedAt:      i.UpdatedAt.UnixMilli(),
	}
	if i.AmountIn != nil {
		v.AmountIn = i.AmountIn.String()
	}
	if i.Nonce != nil {
		v.Nonce = i.Nonce.String()
	}
	return v
}

func newBidView(b *models.Bid) BidView {
	return BidView{BidView: events.NewBidView(b), Status: b.Status}
}
