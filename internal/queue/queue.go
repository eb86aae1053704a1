// Package queue is the dispatcher: a bounded admission channel feeding a
// fixed pool of workers. The channel only carries job IDs; the registry row
// stays the source of truth, so a stale entry (job cancelled while pending)
// is detected and discarded when its claim fails.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiod/audiod/internal/analyzer"
	"github.com/audiod/audiod/internal/config"
	"github.com/audiod/audiod/internal/job"
	"github.com/audiod/audiod/internal/metrics"
	"github.com/audiod/audiod/internal/storage"
	"github.com/audiod/audiod/internal/webhook"
)

// SSEEvent is one server-sent event frame pushed to job subscribers.
type SSEEvent struct {
	Event string // "status", "progress", "result"
	Data  string // JSON string
}

// Queue owns the admission channel, the worker pool, the SSE subscriber map
// and the cancel functions of in-flight jobs.
type Queue struct {
	jobs      chan string
	store     job.Store
	blobs     *storage.Store
	analyzers *analyzer.Registry
	metrics   *metrics.Collector
	cfg       *config.Config

	mu      sync.RWMutex
	subs    map[string][]chan SSEEvent
	running map[string]context.CancelFunc
}

func New(cfg *config.Config, store job.Store, blobs *storage.Store, analyzers *analyzer.Registry, collector *metrics.Collector) *Queue {
	return &Queue{
		jobs:      make(chan string, cfg.QueueSize),
		store:     store,
		blobs:     blobs,
		analyzers: analyzers,
		metrics:   collector,
		cfg:       cfg,
		subs:      make(map[string][]chan SSEEvent),
		running:   make(map[string]context.CancelFunc),
	}
}

// Enqueue adds a job ID to the admission channel. Returns an error when the
// channel is full; the caller maps that to backpressure.
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", jobID)
	}
}

// Start launches cfg.Concurrency workers.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Concurrency {
		go q.runWorker(ctx)
	}
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan SSEEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

// CancelRunning fires the context of the worker that owns jobID. Returns
// false when no worker currently owns it.
func (q *Queue) CancelRunning(jobID string) bool {
	q.mu.RLock()
	cancel, ok := q.running[jobID]
	q.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Recovery moves jobs left running by a crash back to pending and re-enqueues
// them. Must run before Start so workers see a consistent registry.
func (q *Queue) Recovery(ctx context.Context) error {
	ids, err := q.store.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("reset running: %w", err)
	}
	for _, id := range ids {
		q.metrics.JobRequeued()
		if err := q.Enqueue(id); err != nil {
			slog.Error("recovery: re-enqueue failed", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Info("recovered interrupted jobs", "count", len(ids))
	}
	return nil
}

// StartCleanup evicts terminal jobs older than cfg.JobTTL on a fixed interval.
func (q *Queue) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.store.DeleteTerminalBefore(ctx, time.Now().Add(-q.cfg.JobTTL))
				if err != nil {
					slog.Error("cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("evicted expired jobs", "count", n)
				}
			}
		}
	}()
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	claimed, err := q.store.Claim(ctx, jobID)
	if err != nil {
		slog.Error("worker: claim failed", "job_id", jobID, "error", err)
		return
	}
	if !claimed {
		// Cancelled or deleted while pending; the channel entry is stale.
		slog.Debug("worker: discarding stale queue entry", "job_id", jobID)
		return
	}
	q.metrics.JobClaimed()
	started := time.Now()

	rec, err := q.store.Get(ctx, jobID)
	if err != nil {
		slog.Error("worker: load job", "job_id", jobID, "error", err)
		q.finalize(ctx, jobID, started, job.Result{}, &job.Failure{
			Code:    job.FailureCompute,
			Message: fmt.Sprintf("load job: %v", err),
		})
		return
	}

	q.notify(jobID, SSEEvent{Event: "status", Data: `{"status":"running"}`})

	a, err := q.analyzers.For(rec.Kind)
	if err != nil {
		q.finalize(ctx, jobID, started, job.Result{}, &job.Failure{
			Code:    job.FailureCompute,
			Message: err.Error(),
		})
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.TimeoutFor(rec.Kind))
	q.mu.Lock()
	q.running[jobID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, jobID)
		q.mu.Unlock()
		cancel()
	}()

	path, err := q.blobs.Path(rec.Audio)
	if err != nil {
		q.finalize(ctx, jobID, started, job.Result{}, &job.Failure{
			Code:    job.FailureCompute,
			Message: fmt.Sprintf("resolve audio: %v", err),
		})
		return
	}
	in := analyzer.Input{
		Path:     path,
		Format:   rec.Audio.Format,
		Duration: rec.Audio.Duration,
	}

	onProgress := func(done, total int, detail string) {
		p := job.Progress{
			CurrentSegment: done,
			TotalSegments:  total,
			Detail:         detail,
		}
		if total > 0 {
			p.Fraction = float64(done) / float64(total)
		}
		if err := q.store.UpdateProgress(jobCtx, jobID, p); err != nil {
			// Lost race with cancellation or a regressing analyzer; either
			// way the update is dropped, not retried.
			slog.Debug("worker: progress update rejected", "job_id", jobID, "error", err)
			return
		}
		data, _ := json.Marshal(p)
		q.notify(jobID, SSEEvent{Event: "progress", Data: string(data)})
	}

	result, runErr := q.runWithRetry(jobCtx, a, in, rec.Params, onProgress, jobID)

	if runErr == nil {
		q.finalize(ctx, jobID, started, result, nil)
		return
	}

	// Server shutdown: leave the job running, recovery re-enqueues it.
	if ctx.Err() != nil {
		return
	}

	q.finalize(ctx, jobID, started, job.Result{}, classify(jobCtx, runErr))
}

// runWithRetry runs the analyzer up to cfg.MaxAttempts times. Only compute
// failures are retried: format errors, timeouts and cancellations are final.
func (q *Queue) runWithRetry(ctx context.Context, a analyzer.Analyzer, in analyzer.Input, params job.Params, onProgress analyzer.ProgressFunc, jobID string) (job.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		result, err := a.Run(ctx, in, params, onProgress)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, analyzer.ErrUnsupportedFormat) {
			break
		}
		if attempt < q.cfg.MaxAttempts {
			slog.Warn("worker: attempt failed, retrying", "job_id", jobID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return job.Result{}, ctx.Err()
			case <-time.After(q.cfg.RetryBackoff * time.Duration(1<<(attempt-1))):
			}
		}
	}
	return job.Result{}, lastErr
}

// classify maps an analyzer error to the structured failure stored on the
// record. jobCtx distinguishes a timeout from a caller cancellation.
func classify(jobCtx context.Context, err error) *job.Failure {
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return &job.Failure{Code: job.FailureTimeout, Message: "processing exceeded the time budget"}
	case errors.Is(err, context.Canceled):
		return &job.Failure{Code: job.FailureCancelled, Message: "cancelled by caller"}
	case errors.Is(err, analyzer.ErrUnsupportedFormat):
		return &job.Failure{Code: job.FailureUnsupportedFormat, Message: err.Error()}
	default:
		return &job.Failure{Code: job.FailureCompute, Message: err.Error()}
	}
}

// finalize writes the terminal state, pushes the last SSE event, fires the
// webhook and drops the input blob. A nil failure means success.
func (q *Queue) finalize(ctx context.Context, jobID string, started time.Time, result job.Result, failure *job.Failure) {
	switch {
	case failure == nil:
		if err := q.store.Complete(ctx, jobID, result); err != nil {
			slog.Error("worker: complete failed", "job_id", jobID, "error", err)
		}
	case failure.Code == job.FailureCancelled:
		// Cancel already wrote the terminal state; nothing to persist.
	default:
		if err := q.store.Fail(ctx, jobID, *failure); err != nil {
			slog.Error("worker: fail failed", "job_id", jobID, "error", err)
		}
	}

	rec, err := q.store.Get(ctx, jobID)
	if err != nil {
		slog.Error("worker: reload job after finish", "job_id", jobID, "error", err)
		q.notifyAndClose(jobID, SSEEvent{Event: "result", Data: `{}`})
		return
	}

	switch rec.Status {
	case job.StatusCompleted:
		q.metrics.JobCompleted(string(rec.Kind), time.Since(started))
		slog.Info("job completed", "job_id", jobID, "kind", rec.Kind, "elapsed", time.Since(started))
	case job.StatusFailed:
		q.metrics.JobFailed(string(rec.Kind), string(rec.Failure.Code), time.Since(started))
		slog.Warn("job failed", "job_id", jobID, "kind", rec.Kind, "code", rec.Failure.Code)
	case job.StatusCancelled:
		// Cancellation metrics are accounted where Cancel is issued.
		slog.Info("job cancelled", "job_id", jobID, "kind", rec.Kind)
	}

	data, _ := json.Marshal(rec)
	q.notifyAndClose(jobID, SSEEvent{Event: "result", Data: string(data)})

	if rec.CallbackURL != "" && rec.Status != job.StatusCancelled {
		webhook.Notify(context.WithoutCancel(ctx), rec.CallbackURL, rec)
	}

	if err := q.blobs.Remove(rec.Audio); err != nil {
		slog.Warn("worker: remove input blob", "job_id", jobID, "error", err)
	}
}

// notify sends an event to all subscribers of a job without blocking.
func (q *Queue) notify(jobID string, event SSEEvent) {
	q.mu.RLock()
	chans := q.subs[jobID]
	q.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event SSEEvent) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
