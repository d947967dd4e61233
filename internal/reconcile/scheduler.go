package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkallio/worknotes/internal/storage"
)

// SweepStore is the retry queue surface the scheduler drives.
type SweepStore interface {
	ClaimDueRetryItems(now time.Time, limit int) ([]storage.RetryItem, error)
	CompleteRetryItem(id string) error
	FailRetryItem(id, errMsg, errDetails string) error
}

// Replayer re-runs a reconciliation attempt.
type Replayer interface {
	Reconcile(ctx context.Context, workID string, op storage.Operation) error
}

// Scheduler replays due retry items. It owns no loop of its own; the cmd
// layer invokes Sweep on a periodic trigger.
type Scheduler struct {
	store    SweepStore
	replayer Replayer
	batch    int
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler that claims up to batch items per sweep.
// A batch of <= 0 defaults to 25.
func NewScheduler(store SweepStore, replayer Replayer, batch int) *Scheduler {
	if batch <= 0 {
		batch = 25
	}
	return &Scheduler{
		store:    store,
		replayer: replayer,
		batch:    batch,
		logger:   slog.Default(),
	}
}

// Sweep claims the due items oldest-first and replays each independently.
// One item's failure never blocks another; per-item outcomes land in the
// store, so Sweep only errors when claiming itself fails.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	items, err := s.store.ClaimDueRetryItems(time.Now(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("claiming due retry items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	g := &errgroup.Group{}
	g.SetLimit(4)
	for _, item := range items {
		g.Go(func() error {
			s.process(ctx, item)
			return nil
		})
	}
	g.Wait()

	return len(items), nil
}

func (s *Scheduler) process(ctx context.Context, item storage.RetryItem) {
	err := s.replayer.Reconcile(ctx, item.WorkID, item.Operation)
	if err == nil {
		if rmErr := s.store.CompleteRetryItem(item.ID); rmErr != nil {
			s.logger.Error("failed to remove completed retry item",
				"retry_id", item.ID, "error", rmErr)
		} else {
			s.logger.Info("reconciliation retry succeeded",
				"retry_id", item.ID, "work_id", item.WorkID,
				"operation", item.Operation, "attempt", item.AttemptCount)
		}
		return
	}

	details := fmt.Sprintf("operation=%s work_id=%s attempt=%d",
		item.Operation, item.WorkID, item.AttemptCount+1)
	if failErr := s.store.FailRetryItem(item.ID, err.Error(), details); failErr != nil {
		s.logger.Error("failed to record retry failure",
			"retry_id", item.ID, "error", failErr)
		return
	}

	if item.AttemptCount+1 >= item.MaxAttempts {
		s.logger.Error("retry item promoted to dead letter",
			"retry_id", item.ID, "work_id", item.WorkID,
			"operation", item.Operation, "attempts", item.AttemptCount+1,
			"error", err)
	} else {
		s.logger.Warn("reconciliation retry failed",
			"retry_id", item.ID, "work_id", item.WorkID,
			"operation", item.Operation, "attempt", item.AttemptCount+1,
			"error", err)
	}
}
