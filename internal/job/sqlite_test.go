package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeRecord(id string) *Record {
	return &Record{
		ID:   id,
		Kind: KindSegmentation,
		Params: Params{Segmentation: &SegmentationParams{
			MinSilenceDuration: 0.5, MinSegmentDuration: 1, MaxSegmentDuration: 30,
		}},
		Audio:     AudioRef{Key: id + ".wav", Format: "wav", Size: 1024},
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, id string) *Record {
	t.Helper()
	rec := makeRecord(id)
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create %s: %v", id, err)
	}
	return rec
}

func mustClaim(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	ok, err := store.Claim(context.Background(), id)
	if err != nil {
		t.Fatalf("Claim %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("Claim %s: lost CAS on a pending job", id)
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := mustCreate(t, store, "job-1")

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("ID = %q, want %q", got.ID, rec.ID)
	}
	if got.Kind != KindSegmentation {
		t.Errorf("Kind = %q, want %q", got.Kind, KindSegmentation)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Audio.Key != "job-1.wav" {
		t.Errorf("Audio.Key = %q, want %q", got.Audio.Key, "job-1.wav")
	}
	if got.Params.Segmentation == nil || got.Params.Segmentation.MaxSegmentDuration != 30 {
		t.Errorf("Params not round-tripped: %+v", got.Params)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestClaim_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, "job-1")
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	if n := len(wins); n != 1 {
		t.Errorf("claim winners = %d, want exactly 1", n)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil after claim")
	}
}

func TestClaim_CancelledJobLosesCAS(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")

	if _, err := store.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ok, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Error("Claim succeeded on a cancelled job")
	}
}

func TestUpdateProgress_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")
	mustClaim(t, store, "job-1")

	if err := store.UpdateProgress(ctx, "job-1", Progress{Fraction: 0.5, CurrentSegment: 5, TotalSegments: 10, Detail: "segment 5 of 10"}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	// Regression must be rejected.
	err := store.UpdateProgress(ctx, "job-1", Progress{Fraction: 0.3, CurrentSegment: 3, TotalSegments: 10})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("regressing update error = %v, want ErrInvalidTransition", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress.Fraction != 0.5 {
		t.Errorf("Fraction = %v, want 0.5", got.Progress.Fraction)
	}
	if got.Progress.CurrentSegment != 5 || got.Progress.TotalSegments != 10 {
		t.Errorf("segments = %d/%d, want 5/10", got.Progress.CurrentSegment, got.Progress.TotalSegments)
	}
	if got.Progress.Detail != "segment 5 of 10" {
		t.Errorf("Detail = %q", got.Progress.Detail)
	}
}

func TestUpdateProgress_RejectedWhenNotRunning(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")

	err := store.UpdateProgress(ctx, "job-1", Progress{Fraction: 0.1})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("progress on pending job error = %v, want ErrInvalidTransition", err)
	}

	err = store.UpdateProgress(ctx, "ghost", Progress{Fraction: 0.1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("progress on unknown job error = %v, want ErrNotFound", err)
	}
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")
	mustClaim(t, store, "job-1")

	result := Result{Segmentation: &Segmentation{Segments: []Span{{Start: 0, End: 10}}}}
	if err := store.Complete(ctx, "job-1", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.Progress.Fraction != 1.0 {
		t.Errorf("Fraction = %v, want 1.0 after completion", got.Progress.Fraction)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil after completion")
	}
	if got.Result == nil || got.Result.Segmentation == nil || len(got.Result.Segmentation.Segments) != 1 {
		t.Errorf("Result not stored: %+v", got.Result)
	}
}

func TestComplete_IdempotentOnSamePayload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")
	mustClaim(t, store, "job-1")

	result := Result{Segmentation: &Segmentation{Segments: []Span{{Start: 0, End: 10}}}}
	if err := store.Complete(ctx, "job-1", result); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if err := store.Complete(ctx, "job-1", result); err != nil {
		t.Errorf("duplicate Complete with same payload: %v, want nil", err)
	}

	other := Result{Segmentation: &Segmentation{Segments: []Span{{Start: 0, End: 5}}}}
	err := store.Complete(ctx, "job-1", other)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete with different payload error = %v, want ErrInvalidTransition", err)
	}
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, "job-1")
	mustClaim(t, store, "job-1")

	f := Failure{Code: FailureCompute, Message: "transcriber exited"}
	if err := store.Fail(ctx, "job-1", f); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Failure == nil || got.Failure.Code != FailureCompute {
		t.Errorf("Failure = %+v, want compute_failure", got.Failure)
	}

	// Duplicate with the identical failure is a no-op.
	if err := store.Fail(ctx, "job-1", f); err != nil {
		t.Errorf("duplicate Fail: %v, want nil", err)
	}

	// Completing a failed job is invalid.
	err = store.Complete(ctx, "job-1", Result{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete after Fail error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Pending job.
	mustCreate(t, store, "job-p")
	prior, err := store.Cancel(ctx, "job-p")
	if err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	if prior != StatusPending {
		t.Errorf("prior = %q, want %q", prior, StatusPending)
	}

	// Running job.
	mustCreate(t, store, "job-r")
	mustClaim(t, store, "job-r")
	prior, err = store.Cancel(ctx, "job-r")
	if err != nil {
		t.Fatalf("Cancel running: %v", err)
	}
	if prior != StatusRunning {
		t.Errorf("prior = %q, want %q", prior, StatusRunning)
	}

	got, err := store.Get(ctx, "job-r")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil after cancel")
	}

	// Second cancel hits a terminal job.
	_, err = store.Cancel(ctx, "job-r")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Cancel terminal error = %v, want ErrAlreadyTerminal", err)
	}

	_, err = store.Cancel(ctx, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel unknown error = %v, want ErrNotFound", err)
	}
}

func TestResetRunning(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mustCreate(t, store, "job-a")
	mustCreate(t, store, "job-b")
	mustClaim(t, store, "job-b")
	if err := store.UpdateProgress(ctx, "job-b", Progress{Fraction: 0.7, CurrentSegment: 7, TotalSegments: 10}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	ids, err := store.ResetRunning(ctx)
	if err != nil {
		t.Fatalf("ResetRunning: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-b" {
		t.Errorf("ResetRunning = %v, want [job-b]", ids)
	}

	got, err := store.Get(ctx, "job-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q after reset, want %q", got.Status, StatusPending)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be nil after reset")
	}
	if got.Progress.Fraction != 0 || got.Progress.CurrentSegment != 0 {
		t.Errorf("progress not cleared: %+v", got.Progress)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, id := range []string{"job-1", "job-2", "job-3"} {
		rec := makeRecord(id)
		rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	recs, total, err := store.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	// Newest first.
	if recs[0].ID != "job-3" || recs[1].ID != "job-2" {
		t.Errorf("order = [%s %s], want [job-3 job-2]", recs[0].ID, recs[1].ID)
	}

	recs, _, err = store.List(ctx, 2, 2)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "job-1" {
		t.Errorf("page 2 = %v, want [job-1]", recs)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mustCreate(t, store, "job-old")
	mustClaim(t, store, "job-old")
	if err := store.Complete(ctx, "job-old", Result{Segmentation: &Segmentation{}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	mustCreate(t, store, "job-live")

	n, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if _, err := store.Get(ctx, "job-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal job still present, err = %v", err)
	}
	if _, err := store.Get(ctx, "job-live"); err != nil {
		t.Errorf("pending job was evicted: %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mustCreate(t, store, "job-1")
	mustCreate(t, store, "job-2")
	mustClaim(t, store, "job-2")

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusRunning] != 1 {
		t.Errorf("counts = %v, want pending:1 running:1", counts)
	}
}
