package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/types"
)

// ProgressFunc lets a handler report progress without knowing the
// engine. Progress is a fraction in [0, 1].
type ProgressFunc func(progress float64, message string)

// Handler runs one job. The context is cancelled when the job is asked
// to stop; handlers must return promptly once it is done. Returning an
// error consumes a retry.
type Handler func(ctx context.Context, job *types.Job, report ProgressFunc) (json.RawMessage, error)

// PoolOptions tunes the worker pool
type PoolOptions struct {
	// Workers is the number of concurrent job runners
	Workers int

	// PollInterval is how often an idle worker checks for due jobs
	PollInterval time.Duration

	// CancelPollInterval is how often a running job's watchdog checks
	// for a cancellation signal
	CancelPollInterval time.Duration

	// Visibility is the lease timeout; a crashed worker's job becomes
	// re-leasable after this long
	Visibility time.Duration
}

// Pool leases jobs from the engine and runs registered handlers
type Pool struct {
	engine   *Engine
	opts     PoolOptions
	workerID string

	mu       sync.RWMutex
	handlers map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool creates a worker pool over the engine
func NewPool(engine *Engine, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = 200 * time.Millisecond
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 5 * time.Minute
	}

	hostname, _ := os.Hostname()
	return &Pool{
		engine:   engine,
		opts:     opts,
		workerID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("worker"),
	}
}

// Register binds a handler to a job type. Jobs with no registered
// handler are never leased by this pool.
func (p *Pool) Register(jobType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

// Start launches the worker loops and the lease reaper
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(fmt.Sprintf("%s-w%d", p.workerID, i))
	}
	p.wg.Add(1)
	go p.reaperLoop()
	p.logger.Info().Int("workers", p.opts.Workers).Msg("worker pool started")
}

// Stop signals all loops and waits for in-flight jobs to finish
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) registeredTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	return out
}

func (p *Pool) handler(jobType string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[jobType]
}

func (p *Pool) workerLoop(workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.leaseAndRun(workerID)
		}
	}
}

func (p *Pool) leaseAndRun(workerID string) {
	allowed := p.registeredTypes()
	if len(allowed) == 0 {
		return
	}

	ctx := context.Background()
	jobs, err := p.engine.Lease(ctx, workerID, allowed, 1, p.opts.Visibility)
	if err != nil {
		p.logger.Error().Err(err).Str("worker_id", workerID).Msg("lease failed")
		return
	}
	for _, job := range jobs {
		p.run(ctx, workerID, job)
	}
}

func (p *Pool) run(ctx context.Context, workerID string, job *types.Job) {
	logger := p.logger.With().Str("worker_id", workerID).Str("job_id", job.ID).Str("type", job.Type).Logger()

	handler := p.handler(job.Type)
	if handler == nil {
		// Only possible if a handler was deregistered mid-flight
		_, _ = p.engine.Fail(ctx, job.ID, fmt.Errorf("no handler for job type %q", job.Type))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Watchdog: poll for the cooperative cancellation signal and pull
	// the handler's context when it arrives
	watchdogDone := make(chan struct{})
	var cancelRequested bool
	var cancelMu sync.Mutex
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(p.opts.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				requested, err := p.engine.IsCancelRequested(jobCtx, job.ID)
				if err == nil && requested {
					cancelMu.Lock()
					cancelRequested = true
					cancelMu.Unlock()
					cancel()
					return
				}
			}
		}
	}()

	report := func(progress float64, message string) {
		if err := p.engine.UpdateProgress(ctx, job.ID, progress, message); err != nil {
			logger.Debug().Err(err).Msg("progress update dropped")
		}
	}

	result, err := handler(jobCtx, job, report)
	cancel()
	<-watchdogDone

	cancelMu.Lock()
	wasCancelled := cancelRequested
	cancelMu.Unlock()

	switch {
	case wasCancelled && (err == nil || errors.Is(err, context.Canceled)):
		if _, ferr := p.engine.FinishCancel(ctx, job.ID); ferr != nil {
			logger.Warn().Err(ferr).Msg("failed to acknowledge cancellation")
		} else {
			logger.Info().Msg("job cancelled")
		}
	case err != nil:
		if _, ferr := p.engine.Fail(ctx, job.ID, err); ferr != nil {
			logger.Warn().Err(ferr).Msg("failed to record job failure")
		}
	default:
		if _, cerr := p.engine.Complete(ctx, job.ID, result); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to record job completion")
		} else {
			logger.Info().Msg("job completed")
		}
	}
}

func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	interval := p.opts.Visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := p.engine.ReapExpired(ctx); err != nil {
				p.logger.Error().Err(err).Msg("lease reaper failed")
			}
			cancel()
		}
	}
}

// TrimHistoryHandler returns a handler that enforces the history
// retention window. Installed as a system cron job.
func TrimHistoryHandler(engine *Engine, retention time.Duration) Handler {
	return func(ctx context.Context, job *types.Job, report ProgressFunc) (json.RawMessage, error) {
		trimmed, err := engine.TrimHistory(ctx, retention)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"trimmed": trimmed})
	}
}
