// Package service is the facade in front of the registry, the blob store and
// the dispatcher. Handlers call it and map its sentinel errors to HTTP status
// codes; nothing below this package knows about HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/audiod/audiod/internal/job"
	"github.com/audiod/audiod/internal/metrics"
	"github.com/audiod/audiod/internal/queue"
	"github.com/audiod/audiod/internal/storage"
)

var (
	// ErrInvalidParameters covers malformed parameters and rejected uploads.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrNotFound mirrors job.ErrNotFound at the service boundary.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned when a result is requested before the job
	// reached a terminal state.
	ErrNotReady = errors.New("job not finished")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already in terminal state")
	// ErrActive is returned when deleting a job a worker currently owns.
	ErrActive = errors.New("job is running")
	// ErrQueueFull signals admission backpressure.
	ErrQueueFull = errors.New("queue full")
)

// Upload carries one submitted audio file.
type Upload struct {
	Reader      io.Reader
	Filename    string
	CallbackURL string
}

// Service wires submissions through validation, blob storage, the registry
// and the dispatcher.
type Service struct {
	store   job.Store
	blobs   *storage.Store
	queue   *queue.Queue
	metrics *metrics.Collector
}

func New(store job.Store, blobs *storage.Store, q *queue.Queue, collector *metrics.Collector) *Service {
	return &Service{store: store, blobs: blobs, queue: q, metrics: collector}
}

// Submit validates, stores the upload, creates a pending record and enqueues
// it. The returned record is already visible to polling clients.
func (s *Service) Submit(ctx context.Context, kind job.Kind, params job.Params, up Upload) (*job.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidParameters, kind)
	}
	if err := params.Validate(kind); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParameters, err)
	}

	ref, err := s.blobs.Put(up.Reader, up.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedFormat) || errors.Is(err, storage.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParameters, err)
		}
		return nil, fmt.Errorf("store upload: %w", err)
	}

	rec := &job.Record{
		ID:          uuid.New().String(),
		Kind:        kind,
		Params:      params,
		Audio:       ref,
		Status:      job.StatusPending,
		CallbackURL: up.CallbackURL,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.Create(ctx, rec); err != nil {
		s.removeBlob(ref)
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(rec.ID); err != nil {
		// Roll back so the client can resubmit without leaving an orphan.
		if derr := s.store.Delete(ctx, rec.ID); derr != nil {
			slog.Error("submit rollback: delete record", "job_id", rec.ID, "error", derr)
		}
		s.removeBlob(ref)
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, err)
	}

	s.metrics.JobSubmitted(string(kind))
	slog.Info("job submitted", "job_id", rec.ID, "kind", kind, "format", ref.Format, "size", ref.Size)
	return rec, nil
}

// Get returns the full record for a job.
func (s *Service) Get(ctx context.Context, id string) (*job.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Result returns the record only once the job is terminal. Failed and
// cancelled jobs are terminal too; the caller inspects Failure.
func (s *Service) Result(ctx context.Context, id string) (*job.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, rec.Status)
	}
	return rec, nil
}

// Cancel moves a pending or running job to cancelled. For running jobs the
// owning worker's context is fired after the registry write, so the worker
// observes the cancelled row and skips its own terminal write.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prior, err := s.store.Cancel(ctx, id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, job.ErrAlreadyTerminal):
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyTerminal, rec.Status)
	case err != nil:
		return nil, err
	}

	wasRunning := prior == job.StatusRunning
	if wasRunning {
		s.queue.CancelRunning(id)
	} else {
		// The worker never claims this job, so the blob is ours to drop.
		s.removeBlob(rec.Audio)
	}
	s.metrics.JobCancelled(string(rec.Kind), wasRunning)
	slog.Info("job cancelled", "job_id", id, "kind", rec.Kind, "was_running", wasRunning)

	return s.Get(ctx, id)
}

// List returns a page of jobs, newest first, plus the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*job.Record, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}

// Delete removes a terminal or pending job and its blob. Running jobs must be
// cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == job.StatusRunning {
		return ErrActive
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.removeBlob(rec.Audio)
	return nil
}

// Stats reports how many jobs hold each status, for the health endpoint.
func (s *Service) Stats(ctx context.Context) (map[job.Status]int, error) {
	return s.store.CountByStatus(ctx)
}

func (s *Service) removeBlob(ref job.AudioRef) {
	if err := s.blobs.Remove(ref); err != nil {
		slog.Warn("remove blob", "key", ref.Key, "error", err)
	}
}
