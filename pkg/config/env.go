package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

const (
	// DefaultAPIPort defines the default port of the intent and bid API
	DefaultAPIPort = "8000"

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultBiddingWindow defines how long an intent collects bids
	DefaultBiddingWindow = 3 * time.Second

	// DefaultMaxFeeBps defines the highest fee a bid may ask for
	DefaultMaxFeeBps = 100

	// DefaultMaxSlippageBps defines the highest slippage an intent may allow
	DefaultMaxSlippageBps = models.MaxBps

	// DefaultHeartbeatInterval defines how often feed connections are pinged
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultHeartbeatTimeout defines how long a silent feed connection survives
	DefaultHeartbeatTimeout = 60 * time.Second

	// DefaultOutboundQueueSize defines the per-connection event buffer
	DefaultOutboundQueueSize = 256

	// DefaultMaxDroppedMessages defines how many events a slow connection may miss before it is closed
	DefaultMaxDroppedMessages = 32

	// DefaultExpirySweepInterval defines how often overdue intents are expired
	DefaultExpirySweepInterval = 5 * time.Second

	// DefaultMaxCASRetries defines how often a lost compare-and-set is retried
	DefaultMaxCASRetries = 5

	// DefaultStoreBackend defines the default persistence backend
	DefaultStoreBackend = StoreMemory

	// DefaultBoltPath defines the default bolt database file
	DefaultBoltPath = "auctioneer.db"

	// DefaultSettlementWorkers defines the number of settlement workers
	DefaultSettlementWorkers = 4

	// DefaultMaxRetries defines the maximum number of settlement retries
	DefaultMaxRetries = 3

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 30 * time.Second

	// DefaultReputationCacheTTL defines how long a solver reputation is cached
	DefaultReputationCacheTTL = 30 * time.Second

	// DefaultLogColoring defines whether chain prefixes are coloured
	DefaultLogColoring = true
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// GetEnvAPIPort returns the API server port from environment variables
func GetEnvAPIPort() (string, error) {
	return getEnvPort("API_PORT", DefaultAPIPort)
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	return getEnvPort("METRICS_PORT", DefaultMetricsPort)
}

// GetEnvBiddingWindow returns the bidding window length from environment variables
func GetEnvBiddingWindow() (time.Duration, error) {
	return getEnvPositiveDuration("BIDDING_WINDOW", DefaultBiddingWindow)
}

// GetEnvMaxFeeBps returns the maximum bid fee from environment variables
func GetEnvMaxFeeBps() (uint16, error) {
	return getEnvBps("MAX_FEE_BPS", DefaultMaxFeeBps)
}

// GetEnvMaxSlippageBps returns the maximum intent slippage from environment variables
func GetEnvMaxSlippageBps() (uint16, error) {
	return getEnvBps("MAX_SLIPPAGE_BPS", DefaultMaxSlippageBps)
}

// GetEnvScoreWeight returns one score weight override, or nil if unset.
// name is FEE, SPEED, REPUTATION or OUTPUT.
func GetEnvScoreWeight(name string) (*decimal.Decimal, error) {
	key := "SCORE_WEIGHT_" + name
	value := os.Getenv(key)
	if value == "" {
		return nil, nil
	}
	weight, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %s, must be a decimal number", key, value)
	}
	if weight.IsNegative() {
		return nil, fmt.Errorf("%s must be greater than or equal to 0", key)
	}
	return &weight, nil
}

// GetEnvScoreWeightsFile returns the path of the YAML weights file, if any
func GetEnvScoreWeightsFile() string {
	return os.Getenv("SCORE_WEIGHTS_FILE")
}

// GetEnvHeartbeatInterval returns the feed ping interval from environment variables
func GetEnvHeartbeatInterval() (time.Duration, error) {
	return getEnvPositiveDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval)
}

// GetEnvHeartbeatTimeout returns the feed idle timeout from environment variables
func GetEnvHeartbeatTimeout() (time.Duration, error) {
	return getEnvPositiveDuration("HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout)
}

// GetEnvOutboundQueueSize returns the per-connection buffer size from environment variables
func GetEnvOutboundQueueSize() (int, error) {
	return getEnvPositiveInt("OUTBOUND_QUEUE_SIZE", DefaultOutboundQueueSize)
}

// GetEnvMaxDroppedMessages returns the drop budget of a slow connection from environment variables
func GetEnvMaxDroppedMessages() (int, error) {
	return getEnvPositiveInt("MAX_DROPPED_MESSAGES", DefaultMaxDroppedMessages)
}

// GetEnvExpirySweepInterval returns the expiry sweep interval from environment variables
func GetEnvExpirySweepInterval() (time.Duration, error) {
	return getEnvPositiveDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval)
}

// GetEnvMaxCASRetries returns the compare-and-set retry budget from environment variables
func GetEnvMaxCASRetries() (int, error) {
	return getEnvPositiveInt("MAX_CAS_RETRIES", DefaultMaxCASRetries)
}

// GetEnvStoreBackend returns the persistence backend from environment variables
func GetEnvStoreBackend() (string, error) {
	backend := strings.ToLower(os.Getenv("STORE_BACKEND"))
	if backend == "" {
		return DefaultStoreBackend, nil
	}
	switch backend {
	case StoreMemory, StoreBolt, StorePostgres:
		return backend, nil
	}
	return "", fmt.Errorf("invalid STORE_BACKEND value: %s, must be 'memory', 'bolt' or 'postgres'", backend)
}

// GetEnvBoltPath returns the bolt database file from environment variables
func GetEnvBoltPath() string {
	path := os.Getenv("BOLT_PATH")
	if path == "" {
		return DefaultBoltPath
	}
	return path
}

// GetEnvSettlementWorkers returns the number of settlement workers from environment variables
func GetEnvSettlementWorkers() (int, error) {
	return getEnvPositiveInt("SETTLEMENT_WORKERS", DefaultSettlementWorkers)
}

// GetEnvMaxRetries returns the maximum number of settlement retries from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt < 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than or equal to 0")
	}
	return maxRetriesInt, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvPositiveDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvPositiveDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
}

// GetEnvReputationCacheTTL returns how long reputations are cached from environment variables
func GetEnvReputationCacheTTL() (time.Duration, error) {
	return getEnvPositiveDuration("REPUTATION_CACHE_TTL", DefaultReputationCacheTTL)
}

// GetEnvAllowedChains returns the chains intents may settle on. Empty means any.
func GetEnvAllowedChains() ([]uint64, error) {
	value := os.Getenv("ALLOWED_CHAINS")
	if value == "" {
		return nil, nil
	}
	return ParseChains(value)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %w", err)
	}
	return level, nil
}

// GetEnvLogColoring returns whether log prefixes are coloured from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

func getEnvPort(key, def string) (string, error) {
	port := os.Getenv(key)
	if port == "" {
		return def, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", key, port)
	}
	return port, nil
}

func getEnvPositiveInt(key string, def int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return n, nil
}

func getEnvPositiveDuration(key string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", key, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return parsed, nil
}

func getEnvBps(key string, def uint16) (uint16, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	bps, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, value)
	}
	if bps > models.MaxBps {
		return 0, fmt.Errorf("%s must be at most %d", key, models.MaxBps)
	}
	return uint16(bps), nil
}

func getEnvBool(key string, def bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", key, value)
}
