package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/clock"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

// Config tunes the dispatcher
type Config struct {
	Workers        int
	QueueSize      int
	MaxRetries     int
	RetryQueueSize int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RetryTick      time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns the defaults used when no configuration is given
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      1024,
		MaxRetries:     3,
		RetryQueueSize: 1000,
		BaseBackoff:    10 * time.Second,
		MaxBackoff:     2 * time.Minute,
		RetryTick:      time.Second,
		AttemptTimeout: 15 * time.Second,
	}
}

// Stats counts what the dispatcher did with the jobs it was given
type Stats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// Dispatcher hands winners to settlement on a worker pool. Failed handoffs
// are classified, retried with exponential backoff and counted against a
// circuit breaker guarding the endpoint.
type Dispatcher struct {
	handoff Handoff
	cfg     Config
	breaker *circuitbreaker.CircuitBreaker
	clock   clock.Clock
	logger  logger.Logger

	pendingJobs chan models.SettlementJob
	retryJobs   chan models.SettlementJob
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewDispatcher creates a dispatcher. breaker may be nil.
func NewDispatcher(handoff Handoff, cfg Config, breaker *circuitbreaker.CircuitBreaker, clk clock.Clock, log logger.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryQueueSize <= 0 {
		cfg.RetryQueueSize = def.RetryQueueSize
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RetryTick <= 0 {
		cfg.RetryTick = def.RetryTick
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	return &Dispatcher{
		handoff:     handoff,
		cfg:         cfg,
		breaker:     breaker,
		clock:       clk,
		logger:      log,
		pendingJobs: make(chan models.SettlementJob, cfg.QueueSize),
		retryJobs:   make(chan models.SettlementJob, cfg.QueueSize),
	}
}

// Start launches the workers and the retry handler. They stop with ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting %d settlement workers", d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker(ctx, i)
	}
	go d.retryHandler(ctx)
}

// Submit queues a winner without blocking
func (d *Dispatcher) Submit(intent *models.Intent, bid *models.Bid) error {
	job := models.SettlementJob{Intent: intent.Clone(), Bid: bid.Clone()}
	d.wg.Add(1)
	select {
	case d.pendingJobs <- job:
		return nil
	default:
		d.wg.Done()
		metrics.SettlementHandoffs.WithLabelValues("dropped").Inc()
		return apperr.New(apperr.KindInternal, apperr.CodeInternal, "settlement queue full, intent %s not handed off", intent.Hash.Hex())
	}
}

// Wait blocks until every submitted job is delivered or given up, or ctx ends
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Breaker returns the circuit breaker guarding the endpoint, if any
func (d *Dispatcher) Breaker() *circuitbreaker.CircuitBreaker {
	return d.breaker
}

// worker processes jobs from the pending queue
func (d *Dispatcher) worker(ctx context.Context, id int) {
	d.logger.Debug("Starting settlement worker %d", id)
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Settlement worker %d shutting down", id)
			return
		case job := <-d.pendingJobs:
			d.process(ctx, id, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id int, job models.SettlementJob) {
	hash := job.Intent.Hash.Hex()
	chainID := job.Intent.ChainID

	if d.breaker != nil && d.breaker.IsOpen() {
		d.logger.DebugWithChain(chainID, "Worker %d: circuit breaker open, deferring intent %s", id, hash)
		job.ErrorType = ErrorCircuitOpen
		d.schedule(ctx, job, d.cfg.BaseBackoff)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	start := d.clock.Now()
	err := d.handoff.Handoff(attemptCtx, job.Intent, job.Bid)
	cancel()
	metrics.SettlementDuration.Observe(d.clock.Now().Sub(start).Seconds())

	if err == nil {
		if d.breaker != nil {
			d.breaker.RecordSuccess()
		}
		d.logger.InfoWithChain(chainID, "Handed intent %s to settlement (bid %s)", hash, job.Bid.ID)
		d.finish("success", func(s *Stats) { s.Delivered++ })
		return
	}

	shouldRetry, errorType := ShouldRetryError(err)
	d.logger.ErrorWithChain(chainID, "Worker %d: settlement of intent %s failed: %v (type: %s, retry: %v)",
		id, hash, err, errorType, shouldRetry)
	metrics.SettlementErrors.WithLabelValues(errorType).Inc()

	if errorType == ErrorAlreadySettled {
		d.logger.InfoWithChain(chainID, "Intent %s is already with settlement, marking as delivered", hash)
		d.finish("already_settled", func(s *Stats) { s.Delivered++ })
		return
	}

	circuitTripped := false
	if d.breaker != nil {
		circuitTripped = d.breaker.RecordFailure()
	}

	switch {
	case !shouldRetry:
		d.logger.ErrorWithChain(chainID, "Not retrying intent %s due to permanent error type: %s", hash, errorType)
		d.finish("failed", func(s *Stats) { s.Failed++ })
	case job.RetryCount >= d.cfg.MaxRetries:
		d.logger.ErrorWithChain(chainID, "Max retries reached for intent %s, giving up (error: %s)", hash, errorType)
		metrics.SettlementMaxRetriesReached.WithLabelValues(errorType).Inc()
		d.finish("failed", func(s *Stats) { s.Failed++ })
	default:
		if circuitTripped {
			d.logger.NoticeWithChain(chainID, "Circuit breaker tripped while settling intent %s", hash)
		}
		backoff := CalculateBackoff(job.RetryCount, d.cfg.BaseBackoff, d.cfg.MaxBackoff)
		job.RetryCount++
		job.ErrorType = errorType
		d.logger.InfoWithChain(chainID, "Scheduling retry #%d for intent %s in %v (error: %s)", job.RetryCount, hash, backoff, errorType)
		d.schedule(ctx, job, backoff)
	}
}

func (d *Dispatcher) schedule(ctx context.Context, job models.SettlementJob, backoff time.Duration) {
	job.NextAttempt = d.clock.Now().Add(backoff)
	d.mu.Lock()
	d.stats.Retrying++
	d.mu.Unlock()
	select {
	case d.retryJobs <- job:
	case <-ctx.Done():
		d.mu.Lock()
		d.stats.Retrying--
		d.mu.Unlock()
		d.wg.Done()
	}
}

func (d *Dispatcher) finish(result string, update func(*Stats)) {
	metrics.SettlementHandoffs.WithLabelValues(result).Inc()
	d.mu.Lock()
	update(&d.stats)
	d.mu.Unlock()
	d.wg.Done()
}

// retryHandler holds jobs until their next attempt and feeds them back to the workers
func (d *Dispatcher) retryHandler(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryTick)
	defer ticker.Stop()

	var retryQueue []models.SettlementJob

	release := func(job models.SettlementJob) {
		d.mu.Lock()
		d.stats.Retrying--
		d.mu.Unlock()
		d.wg.Done()
	}

	for {
		select {
		case <-ctx.Done():
			for _, job := range retryQueue {
				release(job)
			}
			return
		case job := <-d.retryJobs:
			if len(retryQueue) >= d.cfg.RetryQueueSize {
				d.logger.Error("Retry queue at capacity (%d jobs), dropping retry for intent %s", d.cfg.RetryQueueSize, job.Intent.Hash.Hex())
				metrics.SettlementDroppedRetries.Inc()
				release(job)
				continue
			}
			retryQueue = append(retryQueue, job)
			sort.Slice(retryQueue, func(i, j int) bool {
				return retryQueue[i].NextAttempt.Before(retryQueue[j].NextAttempt)
			})
			metrics.SettlementQueueSize.Set(float64(len(retryQueue)))
		case <-ticker.C:
			now := d.clock.Now()
			remaining := retryQueue[:0]
			for _, job := range retryQueue {
				if job.NextAttempt.After(now) {
					remaining = append(remaining, job)
					continue
				}
				d.mu.Lock()
				d.stats.Retrying--
				d.mu.Unlock()
				metrics.SettlementRetries.WithLabelValues(job.ErrorType).Inc()
				d.logger.Debug("Retrying intent %s (attempt #%d, error type: %s)", job.Intent.Hash.Hex(), job.RetryCount, job.ErrorType)
				select {
				case d.pendingJobs <- job:
				case <-ctx.Done():
					d.wg.Done()
				}
			}
			retryQueue = remaining
			metrics.SettlementQueueSize.Set(float64(len(retryQueue)))
		}
	}
}
