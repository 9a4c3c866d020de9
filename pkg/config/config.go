package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
)

// Config holds the configuration of the auctioneer
type Config struct {
	APIPort        string
	MetricsPort    string
	MetricsAPIKey  string
	JWTSecret      string
	Auction        AuctionConfig
	Weights        scoring.Weights
	Feed           FeedConfig
	Store          StoreConfig
	Settlement     SettlementConfig
	CircuitBreaker CircuitBreakerConfig
	ReputationTTL  time.Duration
	LoggerConfig   LoggerConfig
}

// AuctionConfig holds the bidding rules
type AuctionConfig struct {
	BiddingWindow       time.Duration
	MaxFeeBps           uint16
	MaxSlippageBps      uint16
	MaxCASRetries       int
	ExpirySweepInterval time.Duration
	AllowedChains       []uint64
}

// FeedConfig holds the settings of the solver event feed
type FeedConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	OutboundQueueSize  int
	MaxDroppedMessages int
}

// StoreConfig selects and locates the persistence backend
type StoreConfig struct {
	Backend     string
	BoltPath    string
	DatabaseURL string
}

// SettlementConfig holds the settlement handoff settings
type SettlementConfig struct {
	Endpoint   string
	Workers    int
	MaxRetries int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// weightsFile is the YAML layout of SCORE_WEIGHTS_FILE. Values are kept as
// strings so they reach decimal without a float round trip.
type weightsFile struct {
	Fee        string `yaml:"fee"`
	Speed      string `yaml:"speed"`
	Reputation string `yaml:"reputation"`
	Output     string `yaml:"output"`
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	apiPort, err := GetEnvAPIPort()
	if err != nil {
		return nil, err
	}
	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	auction, err := loadAuction()
	if err != nil {
		return nil, err
	}

	weights, err := LoadWeights()
	if err != nil {
		return nil, err
	}

	feed, err := loadFeed()
	if err != nil {
		return nil, err
	}

	backend, err := GetEnvStoreBackend()
	if err != nil {
		return nil, err
	}

	settlementWorkers, err := GetEnvSettlementWorkers()
	if err != nil {
		return nil, err
	}
	maxRetries, err := GetEnvMaxRetries()
	if err != nil {
		return nil, err
	}

	breaker, err := loadCircuitBreaker()
	if err != nil {
		return nil, err
	}

	reputationTTL, err := GetEnvReputationCacheTTL()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}
	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIPort:       apiPort,
		MetricsPort:   metricsPort,
		MetricsAPIKey: os.Getenv("METRICS_API_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		Auction:       auction,
		Weights:       weights,
		Feed:          feed,
		Store: StoreConfig{
			Backend:     backend,
			BoltPath:    GetEnvBoltPath(),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Settlement: SettlementConfig{
			Endpoint:   os.Getenv("SETTLEMENT_ENDPOINT"),
			Workers:    settlementWorkers,
			MaxRetries: maxRetries,
		},
		CircuitBreaker: breaker,
		ReputationTTL:  reputationTTL,
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadAuction() (AuctionConfig, error) {
	window, err := GetEnvBiddingWindow()
	if err != nil {
		return AuctionConfig{}, err
	}
	maxFee, err := GetEnvMaxFeeBps()
	if err != nil {
		return AuctionConfig{}, err
	}
	maxSlippage, err := GetEnvMaxSlippageBps()
	if err != nil {
		return AuctionConfig{}, err
	}
	casRetries, err := GetEnvMaxCASRetries()
	if err != nil {
		return AuctionConfig{}, err
	}
	sweep, err := GetEnvExpirySweepInterval()
	if err != nil {
		return AuctionConfig{}, err
	}
	chains, err := GetEnvAllowedChains()
	if err != nil {
		return AuctionConfig{}, err
	}
	return AuctionConfig{
		BiddingWindow:       window,
		MaxFeeBps:           maxFee,
		MaxSlippageBps:      maxSlippage,
		MaxCASRetries:       casRetries,
		ExpirySweepInterval: sweep,
		AllowedChains:       chains,
	}, nil
}

func loadFeed() (FeedConfig, error) {
	interval, err := GetEnvHeartbeatInterval()
	if err != nil {
		return FeedConfig{}, err
	}
	timeout, err := GetEnvHeartbeatTimeout()
	if err != nil {
		return FeedConfig{}, err
	}
	queue, err := GetEnvOutboundQueueSize()
	if err != nil {
		return FeedConfig{}, err
	}
	drops, err := GetEnvMaxDroppedMessages()
	if err != nil {
		return FeedConfig{}, err
	}
	return FeedConfig{
		HeartbeatInterval:  interval,
		HeartbeatTimeout:   timeout,
		OutboundQueueSize:  queue,
		MaxDroppedMessages: drops,
	}, nil
}

func loadCircuitBreaker() (CircuitBreakerConfig, error) {
	enabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	threshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	window, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	reset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	return CircuitBreakerConfig{
		Enabled:        enabled,
		Threshold:      threshold,
		WindowDuration: window,
		ResetTimeout:   reset,
	}, nil
}

// LoadWeights returns the score weights: the defaults, overlaid by
// SCORE_WEIGHTS_FILE, overlaid by the SCORE_WEIGHT_* variables
func LoadWeights() (scoring.Weights, error) {
	weights := scoring.DefaultWeights()

	if path := GetEnvScoreWeightsFile(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return scoring.Weights{}, fmt.Errorf("failed to read SCORE_WEIGHTS_FILE: %w", err)
		}
		if weights, err = applyWeightsFile(weights, data); err != nil {
			return scoring.Weights{}, fmt.Errorf("invalid SCORE_WEIGHTS_FILE %s: %w", path, err)
		}
	}

	for name, target := range map[string]*decimal.Decimal{
		"FEE":        &weights.Fee,
		"SPEED":      &weights.Speed,
		"REPUTATION": &weights.Reputation,
		"OUTPUT":     &weights.Output,
	} {
		w, err := GetEnvScoreWeight(name)
		if err != nil {
			return scoring.Weights{}, err
		}
		if w != nil {
			*target = *w
		}
	}
	return weights, nil
}

func applyWeightsFile(weights scoring.Weights, data []byte) (scoring.Weights, error) {
	var file weightsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return scoring.Weights{}, err
	}
	for field, pair := range map[string]struct {
		raw    string
		target *decimal.Decimal
	}{
		"fee":        {file.Fee, &weights.Fee},
		"speed":      {file.Speed, &weights.Speed},
		"reputation": {file.Reputation, &weights.Reputation},
		"output":     {file.Output, &weights.Output},
	} {
		if pair.raw == "" {
			continue
		}
		w, err := decimal.NewFromString(pair.raw)
		if err != nil {
			return scoring.Weights{}, fmt.Errorf("%s: %q is not a decimal number", field, pair.raw)
		}
		if w.IsNegative() {
			return scoring.Weights{}, fmt.Errorf("%s must be greater than or equal to 0", field)
		}
		*pair.target = w
	}
	return weights, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch cfg.Store.Backend {
	case StoreBolt:
		if cfg.Store.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt store")
		}
	case StorePostgres:
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	}
	if cfg.Feed.HeartbeatTimeout <= cfg.Feed.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%v) must be longer than HEARTBEAT_INTERVAL (%v)",
			cfg.Feed.HeartbeatTimeout, cfg.Feed.HeartbeatInterval)
	}
	w := cfg.Weights
	if w.Fee.Add(w.Speed).Add(w.Reputation).Add(w.Output).IsZero() {
		return fmt.Errorf("at least one score weight must be greater than 0")
	}
	return nil
}
