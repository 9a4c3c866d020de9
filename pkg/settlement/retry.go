package settlement

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// Error types used as metric labels and in retry decisions
const (
	ErrorAlreadySettled = "already_processed"
	ErrorRejected       = "rejected"
	ErrorRateLimited    = "rate_limited"
	ErrorServer         = "server_error"
	ErrorNetwork        = "network_error"
	ErrorCircuitOpen    = "circuit_open"
	ErrorUnknown        = "unknown_error"
)

// ShouldRetryError classifies errors to determine if a retry should be attempted
// Returns (shouldRetry, errorType)
func ShouldRetryError(err error) (bool, string) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusConflict:
			return false, ErrorAlreadySettled
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return true, ErrorRateLimited
		case statusErr.StatusCode >= 500:
			return true, ErrorServer
		default:
			return false, ErrorRejected
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return true, ErrorNetwork
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return true, ErrorNetwork
	}

	// Unknown errors - retry with caution
	return true, ErrorUnknown
}

// CalculateBackoff returns base * 2^retryCount, capped at maxBackoff
func CalculateBackoff(retryCount int, base, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * base
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}
