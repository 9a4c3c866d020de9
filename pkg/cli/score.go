package cli

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/config"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
)

// ScoreOptions holds flags for the score command
type ScoreOptions struct {
	*RootOptions
	AmountIn   string
	Quote      string
	FeeBps     uint16
	Arrival    time.Duration
	Reputation string
}

type scoreOutput struct {
	Fee             decimal.Decimal `json:"fee"`
	Speed           decimal.Decimal `json:"speed"`
	Reputation      decimal.Decimal `json:"reputation"`
	Output          decimal.Decimal `json:"output"`
	Total           decimal.Decimal `json:"total"`
	EffectiveOutput string          `json:"effective_output"`
}

// NewScoreCommand creates the score command
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a hypothetical bid",
		Long: `Score a bid offline with the configured weights, fee cap and bidding
window, without touching any store.

Example:
  auctioneer score --amount-in 1000000 --quote 1050000 --fee-bps 10 --arrival 500ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := scoreBid(opts)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("fee:              %s\nspeed:            %s\nreputation:       %s\noutput:           %s\ntotal:            %s\neffective output: %s\n",
				out.Fee, out.Speed, out.Reputation, out.Output, out.Total, out.EffectiveOutput)
			return writeOutput(cmd.OutOrStdout(), opts.Format, out, text)
		},
	}

	cmd.Flags().StringVar(&opts.AmountIn, "amount-in", "1000000", "intent input amount in base units")
	cmd.Flags().StringVar(&opts.Quote, "quote", "", "quoted output in base units (required)")
	cmd.Flags().Uint16Var(&opts.FeeBps, "fee-bps", 0, "solver fee in basis points")
	cmd.Flags().DurationVar(&opts.Arrival, "arrival", 0, "arrival time after the window opened")
	cmd.Flags().StringVar(&opts.Reputation, "reputation", "50", "solver reputation in [0,100]")
	_ = cmd.MarkFlagRequired("quote")

	return cmd
}

func scoreBid(opts *ScoreOptions) (scoreOutput, error) {
	weights, err := config.LoadWeights()
	if err != nil {
		return scoreOutput{}, err
	}
	maxFee, err := config.GetEnvMaxFeeBps()
	if err != nil {
		return scoreOutput{}, err
	}
	window, err := config.GetEnvBiddingWindow()
	if err != nil {
		return scoreOutput{}, err
	}

	amountIn, ok := new(big.Int).SetString(opts.AmountIn, 10)
	if !ok || amountIn.Sign() <= 0 {
		return scoreOutput{}, fmt.Errorf("amount-in must be a positive integer, got %q", opts.AmountIn)
	}
	quote, ok := new(big.Int).SetString(opts.Quote, 10)
	if !ok || quote.Sign() <= 0 {
		return scoreOutput{}, fmt.Errorf("quote must be a positive integer, got %q", opts.Quote)
	}
	reputation, err := decimal.NewFromString(opts.Reputation)
	if err != nil {
		return scoreOutput{}, fmt.Errorf("invalid reputation %q: %w", opts.Reputation, err)
	}
	if opts.FeeBps > maxFee {
		return scoreOutput{}, fmt.Errorf("fee %d bps exceeds the maximum of %d bps", opts.FeeBps, maxFee)
	}

	opensAt := time.Unix(0, 0).UTC()
	intent := &models.Intent{
		AmountIn:       amountIn,
		WindowOpensAt:  opensAt,
		WindowClosesAt: opensAt.Add(window),
	}
	bid := &models.Bid{
		QuoteOut:  quote,
		FeeBps:    opts.FeeBps,
		ArrivedAt: opensAt.Add(opts.Arrival),
	}

	b := scoring.NewEngine(weights, maxFee).Score(bid, intent, reputation)
	return scoreOutput{
		Fee:             b.Fee,
		Speed:           b.Speed,
		Reputation:      b.Reputation,
		Output:          b.Output,
		Total:           b.Total,
		EffectiveOutput: b.EffectiveOutput.String(),
	}, nil
}
