package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a mutation is attempted from a
	// status that does not permit it. It indicates a bug or a lost race in
	// the caller and is never silently ignored.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyTerminal is returned when cancelling a job that has already
	// completed, failed, or been cancelled.
	ErrAlreadyTerminal = errors.New("job already in terminal state")
)

// Store is the registry of job records: the single source of truth polled by
// clients. Every status change goes through a compare-and-swap on the current
// status, so at most one worker ever owns a given job.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// Claim atomically moves a pending job to running. It returns false
	// (with no error) when the job was already claimed or cancelled, which
	// tells the dispatcher to discard its queue entry.
	Claim(ctx context.Context, id string) (bool, error)

	// UpdateProgress records progress for a running job. Progress is
	// monotonic: a fraction lower than the stored one fails with
	// ErrInvalidTransition, as does any update on a non-running job.
	UpdateProgress(ctx context.Context, id string, p Progress) error

	// Complete and Fail move a running job to its terminal state. A
	// duplicate call with an identical payload is a no-op so the
	// dispatcher's retry path can deliver at least once.
	Complete(ctx context.Context, id string, res Result) error
	Fail(ctx context.Context, id string, f Failure) error

	// Cancel moves a pending or running job to cancelled. The returned
	// status is the one the job held before cancellation so the caller can
	// signal the owning worker when it was running.
	Cancel(ctx context.Context, id string) (Status, error)

	// ResetRunning moves all running jobs back to pending and returns their
	// IDs. Called at startup to recover jobs interrupted by a crash.
	ResetRunning(ctx context.Context) ([]string, error)

	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)

	Delete(ctx context.Context, id string) error

	// DeleteTerminalBefore evicts terminal jobs that finished before the
	// cutoff and reports how many were removed.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)

	// CountByStatus reports how many jobs currently hold each status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
