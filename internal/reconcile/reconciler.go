// Package reconcile keeps the remote vector index consistent with the
// authoritative note store. Reconciliation never sits on the critical path of
// a note mutation: failures are absorbed into a durable retry queue and
// replayed by the scheduler.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkallio/worknotes/internal/ids"
	"github.com/mkallio/worknotes/internal/storage"
	"github.com/mkallio/worknotes/internal/vectorindex"
)

// NoteSource provides the authoritative note state being mirrored.
type NoteSource interface {
	GetNote(id string) (storage.Note, error)
}

// RetryQueue is the durable handoff point for failed reconciliations.
type RetryQueue interface {
	EnqueueRetry(id, workID string, op storage.Operation, errMsg, errDetails string) (string, error)
}

// Embedder turns note text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the remote vector index being kept in sync.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32, meta vectorindex.Metadata) error
	Delete(ctx context.Context, id string) error
}

// Reconciler recomputes and pushes a note's derived vector record.
type Reconciler struct {
	notes    NoteSource
	queue    RetryQueue
	embedder Embedder
	index    Index
	logger   *slog.Logger
	newID    func() string
}

// New creates a Reconciler over the given collaborators.
func New(notes NoteSource, queue RetryQueue, embedder Embedder, index Index) *Reconciler {
	return &Reconciler{
		notes:    notes,
		queue:    queue,
		embedder: embedder,
		index:    index,
		logger:   slog.Default(),
		newID:    ids.MustNew,
	}
}

// Reconcile recomputes the vector record for workID and pushes it to the
// index, or deletes the record when the note no longer exists. The whole
// record is always rewritten; there are no delta updates.
func (r *Reconciler) Reconcile(ctx context.Context, workID string, op storage.Operation) error {
	if op == storage.OpDelete {
		return r.index.Delete(ctx, workID)
	}

	note, err := r.notes.GetNote(workID)
	if errors.Is(err, storage.ErrNotFound) {
		// The note was deleted after this create/update was recorded.
		// Converge on the latest authoritative state instead of replaying
		// a stale upsert.
		return r.index.Delete(ctx, workID)
	}
	if err != nil {
		return fmt.Errorf("loading note %s: %w", workID, err)
	}

	vec, err := r.embedder.Embed(ctx, Document(note))
	if err != nil {
		return fmt.Errorf("embedding note %s: %w", workID, err)
	}

	if err := r.index.Upsert(ctx, note.ID, vec, MetadataFor(note)); err != nil {
		return fmt.Errorf("upserting note %s: %w", workID, err)
	}
	return nil
}

// Dispatch performs one reconciliation attempt and, on failure, hands the
// intent to the retry queue. It never returns an error: the triggering
// mutation must succeed regardless of the index's health.
func (r *Reconciler) Dispatch(ctx context.Context, workID string, op storage.Operation) {
	err := r.Reconcile(ctx, workID, op)
	if err == nil {
		return
	}

	r.logger.Warn("reconciliation failed, queueing retry",
		"work_id", workID, "operation", op, "error", err)

	details := fmt.Sprintf("operation=%s work_id=%s retryable=%t",
		op, workID, vectorindex.IsRetryable(err))
	if _, qerr := r.queue.EnqueueRetry(r.newID(), workID, op, err.Error(), details); qerr != nil {
		// Both the index call and the durable handoff failed. This is the
		// only point where the reconciliation intent can be lost, so it is
		// logged at error level.
		r.logger.Error("failed to enqueue reconciliation retry",
			"work_id", workID, "operation", op, "error", qerr)
	}
}

// Document renders the text that gets embedded for a note.
func Document(n storage.Note) string {
	if n.Title == "" {
		return n.Content
	}
	return n.Title + "\n\n" + n.Content
}

// MetadataFor builds the index metadata for a note: encoded person ids, the
// category, and the creation-month bucket.
func MetadataFor(n storage.Note) vectorindex.Metadata {
	var personIDs []string
	if n.PersonIDs != "" {
		// Person ids are stored as a JSON array; the index wants them as a
		// single comma-joined string.
		_ = json.Unmarshal([]byte(n.PersonIDs), &personIDs)
	}
	return vectorindex.Metadata{
		PersonIDs: strings.Join(personIDs, ","),
		Category:  n.Category,
		Bucket:    n.CreatedAt.UTC().Format("2006-01"),
	}
}
