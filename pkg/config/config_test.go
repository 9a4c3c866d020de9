package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/scoring"
)

var envKeys = []string{
	"API_PORT", "METRICS_PORT", "METRICS_API_KEY", "JWT_SECRET",
	"BIDDING_WINDOW", "MAX_FEE_BPS", "MAX_SLIPPAGE_BPS", "MAX_CAS_RETRIES", "EXPIRY_SWEEP_INTERVAL", "ALLOWED_CHAINS",
	"SCORE_WEIGHTS_FILE", "SCORE_WEIGHT_FEE", "SCORE_WEIGHT_SPEED", "SCORE_WEIGHT_REPUTATION", "SCORE_WEIGHT_OUTPUT",
	"HEARTBEAT_INTERVAL", "HEARTBEAT_TIMEOUT", "OUTBOUND_QUEUE_SIZE", "MAX_DROPPED_MESSAGES",
	"STORE_BACKEND", "BOLT_PATH", "DATABASE_URL",
	"SETTLEMENT_ENDPOINT", "SETTLEMENT_WORKERS", "MAX_RETRIES",
	"CIRCUIT_BREAKER_ENABLED", "CIRCUIT_BREAKER_THRESHOLD", "CIRCUIT_BREAKER_WINDOW", "CIRCUIT_BREAKER_RESET",
	"REPUTATION_CACHE_TTL", "LOG_LEVEL", "LOG_COLORING",
}

// cleanEnv blanks every setting so the host environment cannot leak in
func cleanEnv(t *testing.T) {
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIPort, cfg.APIPort)
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.Equal(t, DefaultBiddingWindow, cfg.Auction.BiddingWindow)
	assert.EqualValues(t, DefaultMaxFeeBps, cfg.Auction.MaxFeeBps)
	assert.EqualValues(t, DefaultMaxSlippageBps, cfg.Auction.MaxSlippageBps)
	assert.Empty(t, cfg.Auction.AllowedChains)
	assert.Equal(t, scoring.DefaultWeights(), cfg.Weights)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.Feed.HeartbeatTimeout)
	assert.Equal(t, DefaultOutboundQueueSize, cfg.Feed.OutboundQueueSize)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, DefaultBoltPath, cfg.Store.BoltPath)
	assert.Equal(t, DefaultSettlementWorkers, cfg.Settlement.Workers)
	assert.Empty(t, cfg.Settlement.Endpoint)
	assert.True(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, DefaultReputationCacheTTL, cfg.ReputationTTL)
	assert.Equal(t, logger.InfoLevel, cfg.LoggerConfig.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("API_PORT", "9000")
	t.Setenv("BIDDING_WINDOW", "1500ms")
	t.Setenv("MAX_FEE_BPS", "250")
	t.Setenv("ALLOWED_CHAINS", "base, 137,BASE")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/auctioneer")
	t.Setenv("SETTLEMENT_ENDPOINT", "http://settler:8080")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("CIRCUIT_BREAKER_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_COLORING", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.APIPort)
	assert.Equal(t, 1500*time.Millisecond, cfg.Auction.BiddingWindow)
	assert.EqualValues(t, 250, cfg.Auction.MaxFeeBps)
	assert.Equal(t, []uint64{137, 8453}, cfg.Auction.AllowedChains)
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, "http://settler:8080", cfg.Settlement.Endpoint)
	assert.Zero(t, cfg.Settlement.MaxRetries)
	assert.False(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, logger.DebugLevel, cfg.LoggerConfig.Level)
	assert.False(t, cfg.LoggerConfig.Coloring)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"missing jwt secret", "JWT_SECRET", ""},
		{"port not a number", "API_PORT", "http"},
		{"window not a duration", "BIDDING_WINDOW", "three"},
		{"negative window", "BIDDING_WINDOW", "-1s"},
		{"fee above 100%", "MAX_FEE_BPS", "10001"},
		{"unknown backend", "STORE_BACKEND", "redis"},
		{"postgres without url", "STORE_BACKEND", "postgres"},
		{"zero workers", "SETTLEMENT_WORKERS", "0"},
		{"negative retries", "MAX_RETRIES", "-1"},
		{"bad bool", "CIRCUIT_BREAKER_ENABLED", "yes"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"unknown chain", "ALLOWED_CHAINS", "base,moonbase"},
		{"negative weight", "SCORE_WEIGHT_FEE", "-0.1"},
		{"timeout shorter than interval", "HEARTBEAT_TIMEOUT", "10s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadWeights(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fee: 0.5\nspeed: 0.1\noutput: 0.25\n"), 0o600))
	t.Setenv("SCORE_WEIGHTS_FILE", path)
	t.Setenv("SCORE_WEIGHT_OUTPUT", "0.2")

	weights, err := LoadWeights()
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("0.5").Equal(weights.Fee))
	assert.True(t, decimal.RequireFromString("0.1").Equal(weights.Speed))
	assert.True(t, scoring.DefaultWeights().Reputation.Equal(weights.Reputation), "unset keys keep the default")
	assert.True(t, decimal.RequireFromString("0.2").Equal(weights.Output), "env overrides the file")
}

func TestLoadWeightsBadFile(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fee: lots\n"), 0o600))
	t.Setenv("SCORE_WEIGHTS_FILE", path)

	_, err := LoadWeights()
	assert.Error(t, err)

	t.Setenv("SCORE_WEIGHTS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadWeights()
	assert.Error(t, err)
}

func TestParseChains(t *testing.T) {
	chains, err := ParseChains("arbitrum,1, ,ZetaChain,1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 7000, 42161}, chains)

	_, err = ParseChains("0")
	assert.Error(t, err)

	assert.Equal(t, "BASE", GetChainName(8453))
	assert.Empty(t, GetChainName(31337))
}
