package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/varchive/varchive/internal/domain"
	"github.com/varchive/varchive/internal/infrastructure/logger"
	qmetrics "github.com/varchive/varchive/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Strategy selects how the scheduling loop drains the ready set.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyConcurrent Strategy = "concurrent"
	StrategyBatched    Strategy = "batched"

	// StrategyPriority dequeues like Sequential; ordering is the state
	// manager's concern and is FIFO here.
	StrategyPriority Strategy = "priority"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySequential, StrategyConcurrent, StrategyBatched, StrategyPriority:
		return Strategy(s), nil
	}
	return "", &domain.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", s)}
}

// ProcessFunc is the caller-supplied processing function. It is expected to
// invoke the media fetcher and the archive store itself; a nil return marks
// the attempt successful. Panics are contained by the processor.
type ProcessFunc func(ctx context.Context, item *domain.QueueItem) error

type ProcessorConfig struct {
	Strategy      Strategy
	MaxConcurrent int
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	ItemTimeout   time.Duration
	PollInterval  time.Duration
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyConcurrent
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// BatchStatus describes the most recent batch under the Batched strategy.
type BatchStatus struct {
	Size            int       `json:"size"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	InFlight        bool      `json:"in_flight"`
}

// ProcessorStats is the read-only stats surface, safe to poll.
type ProcessorStats struct {
	Strategy    string          `json:"strategy"`
	ActiveTasks int64           `json:"active_tasks"`
	LastBatch   BatchStatus     `json:"last_batch"`
	Metrics     MetricsSnapshot `json:"metrics"`
}

// Processor continuously drains ready items from the state manager under
// the configured strategy and applies the retry/backoff policy. A single
// item's failure, timeout or panic never halts the scheduling loop.
type Processor struct {
	cfg      ProcessorConfig
	state    *StateManager
	metrics  *MetricsManager
	exported *qmetrics.QueueMetrics
	process  ProcessFunc
	log      zerolog.Logger

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
	started atomic.Bool
	stopped sync.Once

	batchMu   sync.Mutex
	lastBatch BatchStatus
}

// NewProcessor wires a processor. exported may be nil when no Prometheus
// registry is in play (tests, library embedding).
func NewProcessor(cfg ProcessorConfig, state *StateManager, mm *MetricsManager, exported *qmetrics.QueueMetrics, process ProcessFunc) *Processor {
	cfg.applyDefaults()
	return &Processor{
		cfg:      cfg,
		state:    state,
		metrics:  mm,
		exported: exported,
		process:  process,
		log:      logger.With("queue_processor"),
	}
}

// Start launches the scheduling loop. Returns an error if already started.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("processor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx = runCtx
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(runCtx)
	}()

	p.log.Info().Str("strategy", string(p.cfg.Strategy)).Int("max_concurrent", p.cfg.MaxConcurrent).Msg("processor started")
	return nil
}

// Stop cancels all in-flight workers and backoff sleeps and waits for their
// termination. Idempotent.
func (p *Processor) Stop() {
	p.stopped.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info().Msg("processor stopped")
	})
}

// Stats returns the polling surface: strategy, live task count, metrics
// snapshot and the current batch status.
func (p *Processor) Stats() ProcessorStats {
	p.batchMu.Lock()
	lb := p.lastBatch
	p.batchMu.Unlock()

	return ProcessorStats{
		Strategy:    string(p.cfg.Strategy),
		ActiveTasks: p.active.Load(),
		LastBatch:   lb,
		Metrics:     p.metrics.Snapshot(),
	}
}

func (p *Processor) run(ctx context.Context) {
	switch p.cfg.Strategy {
	case StrategyConcurrent:
		p.runConcurrent(ctx)
	case StrategyBatched:
		p.runBatched(ctx)
	default:
		p.runSequential(ctx)
	}
}

// runSequential processes exactly one item at a time, waiting for each to
// finish before dequeueing the next. Also serves the Priority strategy.
func (p *Processor) runSequential(ctx context.Context) {
	for ctx.Err() == nil {
		items := p.state.Dequeue(1)
		p.observeDepth()
		if len(items) == 0 {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}
		p.processItem(ctx, items[0])
	}
}

// runConcurrent keeps up to MaxConcurrent worker tasks in flight.
func (p *Processor) runConcurrent(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrent))

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		items := p.state.Dequeue(1)
		p.observeDepth()
		if len(items) == 0 {
			sem.Release(1)
			sleepCtx(ctx, p.cfg.PollInterval)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		p.wg.Add(1)
		go func(item *domain.QueueItem) {
			defer p.wg.Done()
			defer sem.Release(1)
			p.processItem(ctx, item)
		}(items[0])
	}
}

// runBatched pulls up to BatchSize items, processes them as a group under a
// shared timeout, and collects every result before the next batch.
func (p *Processor) runBatched(ctx context.Context) {
	for ctx.Err() == nil {
		batch := p.state.Dequeue(p.cfg.BatchSize)
		p.observeDepth()
		if len(batch) == 0 {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}

		started := time.Now()
		p.setBatch(BatchStatus{Size: len(batch), StartedAt: started, InFlight: true})

		batchCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
		var g errgroup.Group
		for _, item := range batch {
			g.Go(func() error {
				p.processItem(batchCtx, item)
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		p.setBatch(BatchStatus{
			Size:            len(batch),
			StartedAt:       started,
			DurationSeconds: time.Since(started).Seconds(),
		})
	}
}

// processItem runs one attempt and applies the outcome: completion, retry
// with linear backoff, permanent failure, or cancellation. Nothing escapes.
func (p *Processor) processItem(ctx context.Context, item *domain.QueueItem) {
	active := p.active.Add(1)
	p.metrics.ObserveConcurrency(active)
	if p.exported != nil {
		p.exported.ActiveWorkers.Inc()
	}
	defer func() {
		p.active.Add(-1)
		if p.exported != nil {
			p.exported.ActiveWorkers.Dec()
		}
	}()

	attemptCtx := ctx
	if p.cfg.Strategy != StrategyBatched {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.runAttempt(attemptCtx, item)
	elapsed := time.Since(start)

	if err != nil && errors.Is(err, context.Canceled) {
		// Shutdown, not an item failure; no metrics, resolve as cancelled.
		p.state.CancelProcessing(item, "processing cancelled")
		return
	}

	success := err == nil
	var msg string
	if err != nil {
		msg = err.Error()
	}

	p.metrics.Record(elapsed, success, msg)
	if p.exported != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		p.exported.ItemsTotal.WithLabelValues(outcome).Inc()
		p.exported.ProcessingDuration.Observe(elapsed.Seconds())
	}

	if success {
		p.state.MarkCompleted(item, true, "")
		p.log.Info().Str("url", item.URL).Str("guild", item.GuildID).Dur("took", elapsed).Msg("item archived")
		return
	}

	item.LastError = msg
	if item.Attempts+1 < p.cfg.MaxRetries {
		p.log.Warn().Str("url", item.URL).Int("attempt", item.Attempts+1).Str("error", msg).Msg("attempt failed, will retry")
		p.scheduleRetry(item)
		return
	}

	p.state.MarkCompleted(item, false, msg)
	p.log.Error().Str("url", item.URL).Int("attempts", item.Attempts).Str("error", msg).Msg("item failed permanently")
}

// runAttempt invokes the processing function in its own goroutine so a
// timeout cannot be held hostage by a function that ignores its context.
// Panics become ordinary failures.
func (p *Processor) runAttempt(ctx context.Context, item *domain.QueueItem) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- p.process(ctx, item)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return errors.New("Processing timeout")
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New("Processing timeout")
		}
		return ctx.Err()
	}
}

// scheduleRetry sleeps RetryDelay * attempt (capped at RetryDelay *
// MaxRetries) off the scheduling loop, then re-enqueues the item at the
// back of the ready set. The backoff runs on the processor's run context,
// not the attempt's: a batch timeout bounds the attempt, not the retry.
func (p *Processor) scheduleRetry(item *domain.QueueItem) {
	delay := p.cfg.RetryDelay * time.Duration(item.Attempts+1)
	if maxDelay := p.cfg.RetryDelay * time.Duration(p.cfg.MaxRetries); delay > maxDelay {
		delay = maxDelay
	}
	if p.exported != nil {
		p.exported.RetriesTotal.Inc()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(delay):
			p.state.Retry(item)
		case <-p.runCtx.Done():
			p.state.CancelProcessing(item, "processing cancelled")
		}
	}()
}

func (p *Processor) setBatch(b BatchStatus) {
	p.batchMu.Lock()
	p.lastBatch = b
	p.batchMu.Unlock()
}

func (p *Processor) observeDepth() {
	if p.exported != nil {
		p.exported.QueueDepth.Set(float64(p.state.Status("").Pending))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
