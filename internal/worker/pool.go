package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
)

// Terminal messages written by the pool
const (
	msgCancelledByUser   = "Cancelled by user"
	msgShutdownInterrupt = "Job interrupted by service shutdown"
	msgCompleted         = "Optimization completed successfully"
	msgValidatingPayload = "Validating payload"
	msgRunningOptimizer  = "Running optimization"
)

type cancelCause int

const (
	causeNone cancelCause = iota
	causeUser
	causeShutdown
)

// CancelOutcome tells the caller what a cancel request hit
type CancelOutcome int

const (
	// CancelUnknown means the job is neither queued nor processing
	CancelUnknown CancelOutcome = iota
	// CancelDequeued means the job was removed from the pending queue
	// before any worker picked it up.
	CancelDequeued
	// CancelSignalled means a worker is processing the job and its
	// child process will be terminated at the next cancel poll.
	CancelSignalled
)

// Pool runs jobs on a fixed set of worker goroutines fed from a FIFO
// queue. Each job executes in a child process; the pool supervises the
// event stream and writes every state transition through the store.
type Pool struct {
	store    interfaces.JobStore
	executor interfaces.Executor
	runner   Runner
	logger   arbor.ILogger
	config   *common.WorkerConfig

	mu         sync.Mutex
	pending    []string
	queued     map[string]struct{}
	processing map[string]struct{}
	cancels    map[string]cancelCause
	heartbeat  []time.Time
	alive      []bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Stats is a point-in-time view of the pool for the health and queue
// endpoints.
type Stats struct {
	PendingJobs   int
	ActiveJobs    int
	WorkerThreads int
	WorkersAlive  int
	LastActivity  time.Time
}

// NewPool wires a pool over the given store, executor and runner
func NewPool(logger arbor.ILogger, store interfaces.JobStore, exec interfaces.Executor, runner Runner, config *common.WorkerConfig) *Pool {
	return &Pool{
		store:      store,
		executor:   exec,
		runner:     runner,
		logger:     logger,
		config:     config,
		queued:     map[string]struct{}{},
		processing: map[string]struct{}{},
		cancels:    map[string]cancelCause{},
		stop:       make(chan struct{}),
	}
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	n := p.config.Concurrency
	if n < 1 {
		n = 1
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.heartbeat = make([]time.Time, n)
	p.alive = make([]bool, n)
	for i := range p.heartbeat {
		p.heartbeat[i] = now
		p.alive[i] = true
	}
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info().
		Int("concurrency", n).
		Float64("poll_interval_seconds", p.config.PollInterval).
		Msg("Worker pool started")
}

// Stop drains the pool. Queued jobs stay pending in the store and are
// re-enqueued on the next boot; jobs already processing have their
// child processes terminated and are marked failed.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stop)

	p.mu.Lock()
	dropped := len(p.pending)
	p.pending = nil
	p.queued = map[string]struct{}{}
	for jobID := range p.processing {
		if p.cancels[jobID] == causeNone {
			p.cancels[jobID] = causeShutdown
		}
	}
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Info().Int("count", dropped).Msg("Left queued jobs pending for next boot")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not drain: %w", ctx.Err())
	}
}

// Enqueue adds a job id to the pending queue. Ids already queued or
// processing are ignored.
func (p *Pool) Enqueue(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queued[jobID]; ok {
		return false
	}
	if _, ok := p.processing[jobID]; ok {
		return false
	}
	p.pending = append(p.pending, jobID)
	p.queued[jobID] = struct{}{}
	return true
}

// Cancel requests cancellation of a queued or processing job
func (p *Pool) Cancel(jobID string) CancelOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queued[jobID]; ok {
		delete(p.queued, jobID)
		for i, id := range p.pending {
			if id == jobID {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				break
			}
		}
		return CancelDequeued
	}
	if _, ok := p.processing[jobID]; ok {
		if p.cancels[jobID] == causeNone {
			p.cancels[jobID] = causeUser
		}
		return CancelSignalled
	}
	return CancelUnknown
}

// Stats returns queue depth, active jobs and worker liveness
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		PendingJobs:   len(p.pending),
		ActiveJobs:    len(p.processing),
		WorkerThreads: len(p.alive),
	}
	for i, ok := range p.alive {
		if !ok {
			continue
		}
		stats.WorkersAlive++
		if p.heartbeat[i].After(stats.LastActivity) {
			stats.LastActivity = p.heartbeat[i]
		}
	}
	return stats
}

// Healthy reports whether at least one worker is alive and the pool
// has shown activity within the stale threshold.
func (p *Pool) Healthy() bool {
	stats := p.Stats()
	if stats.WorkersAlive == 0 {
		return false
	}
	return time.Since(stats.LastActivity) <= p.config.StaleDuration()
}

func (p *Pool) run(index int) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.alive[index] = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.touch(index)
		jobID, ok := p.next()
		if !ok {
			select {
			case <-p.stop:
				return
			case <-time.After(p.config.PollDuration()):
			}
			continue
		}

		p.safeProcess(index, jobID)
	}
}

func (p *Pool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return "", false
	}
	jobID := p.pending[0]
	p.pending = p.pending[1:]
	delete(p.queued, jobID)
	p.processing[jobID] = struct{}{}
	return jobID, true
}

func (p *Pool) finish(jobID string) {
	p.mu.Lock()
	delete(p.processing, jobID)
	delete(p.cancels, jobID)
	p.mu.Unlock()
}

func (p *Pool) cancelCause(jobID string) cancelCause {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels[jobID]
}

func (p *Pool) touch(index int) {
	p.mu.Lock()
	p.heartbeat[index] = time.Now().UTC()
	p.mu.Unlock()
}

func (p *Pool) safeProcess(index int, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Worker panicked while processing job")
			p.fail(context.Background(), jobID, fmt.Sprintf("Internal worker failure: %v", r))
			p.finish(jobID)
		}
	}()
	p.processJob(index, jobID)
}

func (p *Pool) processJob(index int, jobID string) {
	ctx := context.Background()
	defer p.finish(jobID)

	log := p.logger.WithPrefix("worker")

	if cause := p.cancelCause(jobID); cause != causeNone {
		p.writeCancelled(ctx, jobID, cause)
		return
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Deleted between enqueue and pickup
		log.Warn().Str("job_id", jobID).Err(err).Msg("Queued job no longer exists")
		return
	}
	if len(job.Payload) == 0 {
		p.fail(ctx, jobID, "Job has no stored payload")
		return
	}

	p.setStatus(ctx, jobID, models.JobStatusValidating, msgValidatingPayload)
	if err := p.validate(job); err != nil {
		message := "Validation failed: " + err.Error()
		p.appendLog(ctx, jobID, models.LogLevelError, "worker", message)
		p.fail(ctx, jobID, message)
		return
	}

	if cause := p.cancelCause(jobID); cause != causeNone {
		p.writeCancelled(ctx, jobID, cause)
		return
	}

	p.setStatus(ctx, jobID, models.JobStatusRunning, msgRunningOptimizer)
	log.Info().Str("job_id", jobID).Str("job_type", string(job.JobType)).Msg("Job started")

	proc, err := p.runner.Start(ctx, jobID, job.JobType, job.Payload)
	if err != nil {
		message := "Failed to start job process: " + err.Error()
		p.appendLog(ctx, jobID, models.LogLevelError, "worker", message)
		p.fail(ctx, jobID, message)
		return
	}

	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.config.CancelPollDuration())
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ticker.C:
				// Supervising a quiet child still counts as activity
				p.touch(index)
				if p.cancelCause(jobID) != causeNone {
					proc.Terminate()
					return
				}
			}
		}
	}()

	var result json.RawMessage
	var childError string
	for event := range proc.Events() {
		p.touch(index)
		switch event.Type {
		case EventTypeProgress:
			if err := p.store.RecordProgress(ctx, jobID, event.Event, event.Metrics); err != nil {
				log.Warn().Str("job_id", jobID).Err(err).Msg("Failed to record progress event")
			}
		case EventTypeLog:
			level := event.Level
			if level == "" {
				level = models.LogLevelInfo
			}
			p.appendLog(ctx, jobID, level, event.Logger, event.Message)
		case EventTypeResult:
			result = event.Result
		case EventTypeError:
			childError = event.Error
			if event.Traceback != "" {
				p.appendLog(ctx, jobID, models.LogLevelError, "worker", event.Traceback)
			}
		}
	}
	exitErr := proc.Wait()
	close(watchDone)
	p.touch(index)

	if cause := p.cancelCause(jobID); cause != causeNone {
		p.writeCancelled(ctx, jobID, cause)
		log.Info().Str("job_id", jobID).Msg("Job cancelled")
		return
	}

	switch {
	case childError != "":
		// A failed grid sweep still reports its per-pair table
		p.failWithResult(ctx, jobID, childError, result)
		log.Info().Str("job_id", jobID).Str("error", childError).Msg("Job failed")
	case result != nil && exitErr == nil:
		p.complete(ctx, jobID, result)
		log.Info().Str("job_id", jobID).Msg("Job completed")
	default:
		message := "RuntimeError: job process exited without reporting a result"
		if exitErr != nil {
			message = fmt.Sprintf("RuntimeError: job process exited without reporting a result (%v)", exitErr)
		}
		p.appendLog(ctx, jobID, models.LogLevelError, "worker", message)
		p.fail(ctx, jobID, message)
		log.Warn().Str("job_id", jobID).Msg("Job process died without a result")
	}
}

func (p *Pool) validate(job *models.Job) error {
	switch job.JobType {
	case models.JobTypeGridSearch:
		var payload models.GridSearchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		if fieldErrs := models.ValidatePayload(&payload); len(fieldErrs) > 0 {
			return fmt.Errorf("%s: %s", fieldErrs[0].Field, fieldErrs[0].Message)
		}
		return p.executor.ValidateGrid(&payload)
	default:
		var payload models.RunPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		if fieldErrs := models.ValidatePayload(&payload); len(fieldErrs) > 0 {
			return fmt.Errorf("%s: %s", fieldErrs[0].Field, fieldErrs[0].Message)
		}
		return p.executor.Validate(&payload)
	}
}

func (p *Pool) writeCancelled(ctx context.Context, jobID string, cause cancelCause) {
	if cause == causeShutdown {
		p.fail(ctx, jobID, msgShutdownInterrupt)
		return
	}
	// Usually a no-op: the cancel endpoint writes the terminal status
	// synchronously and the store freezes terminal rows.
	status := models.JobStatusCancelled
	message := msgCancelledByUser
	now := time.Now().UTC()
	p.updateJob(ctx, jobID, &models.JobUpdate{Status: &status, Message: &message, CompletedAt: &now})
}

func (p *Pool) setStatus(ctx context.Context, jobID string, status models.JobStatus, message string) {
	p.updateJob(ctx, jobID, &models.JobUpdate{Status: &status, Message: &message})
}

func (p *Pool) fail(ctx context.Context, jobID, message string) {
	p.failWithResult(ctx, jobID, message, nil)
}

func (p *Pool) failWithResult(ctx context.Context, jobID, message string, result json.RawMessage) {
	status := models.JobStatusFailed
	now := time.Now().UTC()
	p.updateJob(ctx, jobID, &models.JobUpdate{Status: &status, Message: &message, CompletedAt: &now, Result: result})
}

func (p *Pool) complete(ctx context.Context, jobID string, result json.RawMessage) {
	status := models.JobStatusSuccess
	message := msgCompleted
	now := time.Now().UTC()
	p.updateJob(ctx, jobID, &models.JobUpdate{Status: &status, Message: &message, CompletedAt: &now, Result: result})
}

func (p *Pool) updateJob(ctx context.Context, jobID string, update *models.JobUpdate) {
	if err := p.store.UpdateJob(ctx, jobID, update); err != nil {
		p.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to update job")
	}
}

func (p *Pool) appendLog(ctx context.Context, jobID, level, loggerName, message string) {
	if err := p.store.AppendLog(ctx, jobID, level, loggerName, message, time.Now().UTC()); err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to append job log")
	}
}
