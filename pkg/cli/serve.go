package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/api"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/broadcast"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/clock"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/config"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/coordinator"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/health"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/reputation"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/settlement"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/store"
)

const drainTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command
type ServeOptions struct {
	*RootOptions
	AllowedOrigins []string
	// OperatorAuth guards the select and cancel routes with a bearer token
	OperatorAuth bool
}

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the auctioneer",
		Long: `Run the HTTP API, the solver event feed, the expiry sweep and the
settlement workers until interrupted. Configuration is read from the
environment and an optional .env file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.AllowedOrigins, "cors-origin", []string{"*"}, "allowed CORS origins")
	cmd.Flags().BoolVar(&opts.OperatorAuth, "operator-auth", true, "require a bearer token on operator routes")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, opts *ServeOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := newLogger(cfg)
	clk := clock.Real{}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close store: %v", err)
		}
	}()
	log.Info("Using %s store", cfg.Store.Backend)

	hub := broadcast.NewHub(broadcast.Config{
		QueueSize:        cfg.Feed.OutboundQueueSize,
		MaxDrops:         cfg.Feed.MaxDroppedMessages,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
	}, clk, log)
	auth := broadcast.NewJWTAuthenticator(cfg.JWTSecret, TokenIssuer)
	feed := broadcast.NewWSServer(hub, auth, broadcast.WSConfig{
		PingInterval:     cfg.Feed.HeartbeatInterval,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
	}, log)

	breaker := circuitbreaker.NewCircuitBreaker("settlement", circuitbreaker.Config{
		Enabled:      cfg.CircuitBreaker.Enabled,
		Threshold:    cfg.CircuitBreaker.Threshold,
		Window:       cfg.CircuitBreaker.WindowDuration,
		ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
	}, clk, log)
	dispatcher := settlement.NewDispatcher(newHandoff(cfg, log), settlement.Config{
		Workers:    cfg.Settlement.Workers,
		MaxRetries: cfg.Settlement.MaxRetries,
	}, breaker, clk, log)
	// Settlement outlives the serving context so queued winners can drain
	settleCtx, stopSettlement := context.WithCancel(context.Background())
	defer stopSettlement()
	dispatcher.Start(settleCtx)

	svc := coordinator.NewService(coordinatorConfig(cfg), coordinator.Deps{
		Store:      st,
		Scorer:     scoring.NewEngine(cfg.Weights, cfg.Auction.MaxFeeBps),
		Reputation: reputation.NewCache(reputation.NewTracker(), cfg.ReputationTTL, clk),
		Sink:       hub,
		Settler:    dispatcher,
		Clock:      clk,
		Logger:     log,
	})
	if _, err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover open intents: %w", err)
	}

	go hub.Run(ctx)
	go svc.Run(ctx, cfg.Auction.ExpirySweepInterval)

	var operatorAuth broadcast.Authenticator
	if opts.OperatorAuth {
		operatorAuth = auth
	}
	router := api.NewRouter(api.NewHandler(svc, operatorAuth, log), api.Options{
		AllowedOrigins: opts.AllowedOrigins,
		Feed:           feed,
	})

	healthServer := health.NewServer(cfg.MetricsPort, cfg.MetricsAPIKey, health.Sources{
		Store:      st,
		Hub:        hub,
		Windows:    svc,
		Settlement: dispatcher,
		Breakers:   []*circuitbreaker.CircuitBreaker{breaker},
	}, log)

	errCh := make(chan error, 2)
	go func() { errCh <- healthServer.Start(ctx) }()
	go func() { errCh <- api.Serve(ctx, cfg.APIPort, router, log) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error("Server stopped: %v", serveErr)
	}
	cancel()

	log.Info("Shutting down, waiting for pending settlements")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := dispatcher.Wait(drainCtx); err != nil {
		log.Error("Settlement drain failed: %v", err)
	}
	return serveErr
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
}

func newHandoff(cfg *config.Config, log logger.Logger) settlement.Handoff {
	if cfg.Settlement.Endpoint == "" {
		log.Notice("No settlement endpoint configured, winners are only logged")
		return settlement.LogHandoff{Logger: log}
	}
	return settlement.NewClient(cfg.Settlement.Endpoint, log)
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		BiddingWindow:  cfg.Auction.BiddingWindow,
		MaxSlippageBps: cfg.Auction.MaxSlippageBps,
		MaxCASRetries:  cfg.Auction.MaxCASRetries,
		AllowedChains:  cfg.Auction.AllowedChains,
	}
}

// openStore connects the configured backend
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreBolt:
		st, err := store.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store at %s: %w", cfg.BoltPath, err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return st, nil
	case config.StoreMemory, "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
