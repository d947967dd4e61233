package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkallio/worknotes/internal/storage"
	"github.com/mkallio/worknotes/internal/vectorindex"
)

// resetNextRetry makes a backed-off item immediately due again.
func resetNextRetry(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE retry_queue SET next_retry_at = ? WHERE id = ?`, now, id); err != nil {
		t.Fatalf("resetNextRetry: %v", err)
	}
}

func TestSweep_SuccessfulReplayRemovesItem(t *testing.T) {
	store := openTestStore(t)
	saveTestNote(t, store, "note-1")
	index := &mockIndex{}
	r := New(store, store, goodEmbedder(), index)

	if _, err := store.EnqueueRetry("retry-1", "note-1", storage.OpUpdate, "was down", ""); err != nil {
		t.Fatalf("EnqueueRetry: %v", err)
	}

	s := NewScheduler(store, r, 0)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep processed %d items, want 1", n)
	}

	if len(index.upserts) != 1 {
		t.Errorf("index received %d upserts, want 1", len(index.upserts))
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM retry_queue`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("retry_queue holds %d rows after successful replay, want 0", count)
	}
}

func TestSweep_FailedReplayBacksOff(t *testing.T) {
	store := openTestStore(t)
	saveTestNote(t, store, "note-1")
	index := &mockIndex{
		upsertFn: func(_ context.Context, _ string, _ []float32, _ vectorindex.Metadata) error {
			return fmt.Errorf("still down")
		},
	}
	r := New(store, store, goodEmbedder(), index)

	if _, err := store.EnqueueRetry("retry-1", "note-1", storage.OpUpdate, "was down", ""); err != nil {
		t.Fatalf("EnqueueRetry: %v", err)
	}

	s := NewScheduler(store, r, 0)
	before := time.Now()
	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	item, err := store.GetRetryItem("retry-1")
	if err != nil {
		t.Fatalf("GetRetryItem: %v", err)
	}
	if item.Status != storage.RetryPending {
		t.Errorf("status after failed replay = %q, want pending", item.Status)
	}
	if item.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", item.AttemptCount)
	}
	if !item.NextRetryAt.After(before) {
		t.Errorf("next_retry_at = %v, want after %v", item.NextRetryAt, before)
	}
	if item.ErrorMessage == "" {
		t.Error("failed item lost its error message")
	}
}

func TestSweep_ExhaustedItemDeadLetters(t *testing.T) {
	store := openTestStore(t, storage.WithRetryPolicy(3, 2))
	saveTestNote(t, store, "note-1")
	index := &mockIndex{
		upsertFn: func(_ context.Context, _ string, _ []float32, _ vectorindex.Metadata) error {
			return fmt.Errorf("permanently down")
		},
	}
	r := New(store, store, goodEmbedder(), index)

	if _, err := store.EnqueueRetry("retry-1", "note-1", storage.OpUpdate, "down", ""); err != nil {
		t.Fatalf("EnqueueRetry: %v", err)
	}

	s := NewScheduler(store, r, 0)
	for i := 1; i <= 3; i++ {
		n, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("Sweep %d processed %d items, want 1", i, n)
		}
		if i < 3 {
			resetNextRetry(t, store, "retry-1")
		}
	}

	item, err := store.GetRetryItem("retry-1")
	if err != nil {
		t.Fatalf("GetRetryItem: %v", err)
	}
	if item.Status != storage.RetryDeadLetter {
		t.Fatalf("status after %d failures = %q, want dead_letter", item.AttemptCount, item.Status)
	}

	// The dead letter is out of rotation until an operator revives it.
	resetNextRetry(t, store, "retry-1")
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep after dead letter: %v", err)
	}
	if n != 0 {
		t.Errorf("Sweep claimed %d dead-lettered items, want 0", n)
	}

	// Revival restarts the attempt cycle from zero.
	if err := store.ResetDeadLetter("retry-1"); err != nil {
		t.Fatalf("ResetDeadLetter: %v", err)
	}
	n, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep after reset: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep after reset processed %d items, want 1", n)
	}
}

func TestSweep_ItemFailuresAreIndependent(t *testing.T) {
	store := openTestStore(t)
	saveTestNote(t, store, "note-ok")
	saveTestNote(t, store, "note-bad")

	index := &mockIndex{
		upsertFn: func(_ context.Context, id string, _ []float32, _ vectorindex.Metadata) error {
			if id == "note-bad" {
				return fmt.Errorf("rejected")
			}
			return nil
		},
	}
	r := New(store, store, goodEmbedder(), index)

	if _, err := store.EnqueueRetry("retry-ok", "note-ok", storage.OpUpdate, "down", ""); err != nil {
		t.Fatalf("EnqueueRetry ok: %v", err)
	}
	if _, err := store.EnqueueRetry("retry-bad", "note-bad", storage.OpUpdate, "down", ""); err != nil {
		t.Fatalf("EnqueueRetry bad: %v", err)
	}

	s := NewScheduler(store, r, 0)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("Sweep processed %d items, want 2", n)
	}

	// The healthy item is gone, the failing one backed off.
	if _, err := store.GetRetryItem("retry-ok"); err != storage.ErrNotFound {
		t.Errorf("retry-ok after sweep: err = %v, want ErrNotFound", err)
	}
	item, err := store.GetRetryItem("retry-bad")
	if err != nil {
		t.Fatalf("GetRetryItem retry-bad: %v", err)
	}
	if item.Status != storage.RetryPending || item.AttemptCount != 1 {
		t.Errorf("retry-bad after sweep: status=%q attempts=%d, want pending/1", item.Status, item.AttemptCount)
	}
}

func TestSweep_EmptyQueue(t *testing.T) {
	store := openTestStore(t)
	var replays atomic.Int32
	index := &mockIndex{
		upsertFn: func(_ context.Context, _ string, _ []float32, _ vectorindex.Metadata) error {
			replays.Add(1)
			return nil
		},
	}
	r := New(store, store, goodEmbedder(), index)

	s := NewScheduler(store, r, 0)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("Sweep on empty queue processed %d items, want 0", n)
	}
	if replays.Load() != 0 {
		t.Errorf("empty sweep triggered %d replays", replays.Load())
	}
}
