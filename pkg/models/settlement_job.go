package models

import (
	"time"
)

// SettlementJob is a winning bid waiting to be handed to settlement
type SettlementJob struct {
	Intent      *Intent
	Bid         *Bid
	RetryCount  int
	NextAttempt time.Time
	ErrorType   string // Type of error that caused the retry
}
