package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/config"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/coordinator"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/reputation"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/settlement"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/store"
)

// NewSweepCommand creates the sweep command
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue intents once",
		Long: `Run a single expiry sweep against the configured store. Decisions left
unfinished by a crash are completed, intents past their deadline expire and
windows that lapsed are decided. Winners go to SETTLEMENT_ENDPOINT when set
and are logged otherwise.

Example:
  STORE_BACKEND=bolt BOLT_PATH=./auctioneer.db auctioneer sweep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log := newLogger(cfg)

			st, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := newSweepService(cmd.Context(), cfg, st, log)
			defer svc.Close()

			finished, err := svc.FinishDecisions(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			expired, err := svc.ExpireOverdue(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			out := map[string]int{"expired": expired, "finished": finished}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, out,
				fmt.Sprintf("Expired %d intents, finished %d decisions\n", expired, finished))
		},
	}
}

// newSweepService builds an engine scored and settled like the one serve
// runs, with winners handed off inline
func newSweepService(ctx context.Context, cfg *config.Config, st store.Store, log logger.Logger) *coordinator.Service {
	return coordinator.NewService(coordinatorConfig(cfg), coordinator.Deps{
		Store:      st,
		Scorer:     scoring.NewEngine(cfg.Weights, cfg.Auction.MaxFeeBps),
		Reputation: reputation.NewTracker(),
		Settler:    handoffSettler{ctx: ctx, handoff: newHandoff(cfg, log)},
		Logger:     log,
	})
}

// handoffSettler hands winners straight to a handoff without a worker pool
type handoffSettler struct {
	ctx     context.Context
	handoff settlement.Handoff
}

func (s handoffSettler) Submit(intent *models.Intent, bid *models.Bid) error {
	return s.handoff.Handoff(s.ctx, intent, bid)
}
