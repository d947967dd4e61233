package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// RetryDelay returns the backoff before the given attempt: immediate for
// attempt 0, base^attempt seconds afterwards.
func RetryDelay(base float64, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(math.Pow(base, float64(attempt))) * time.Second
}

// EnqueueRetry records a failed reconciliation for (workID, op). The insert
// is conditional on the partial unique index over non-dead-letter rows, so a
// second failure for an already-queued pair returns the existing item id
// instead of creating a duplicate.
func (s *Store) EnqueueRetry(id, workID string, op Operation, errMsg, errDetails string) (string, error) {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		INSERT INTO retry_queue
			(id, work_id, operation_type, attempt_count, max_attempts, next_retry_at,
			 status, error_message, error_details, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, 'pending', ?, ?, ?, ?)
		ON CONFLICT(work_id, operation_type) WHERE status != 'dead_letter' DO NOTHING`,
		id, workID, string(op), s.maxAttempts, now, errMsg, errDetails, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing retry for %s/%s: %w", workID, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return id, nil
	}

	// Collided with the live item for this pair; hand back its id.
	var existing string
	err = s.db.QueryRow(`
		SELECT id FROM retry_queue
		WHERE work_id = ? AND operation_type = ? AND status != 'dead_letter'`,
		workID, string(op),
	).Scan(&existing)
	if err == sql.ErrNoRows {
		// The live item vanished between insert and lookup (completed or
		// dead-lettered by a concurrent sweep). The mutation that triggered
		// this enqueue still needs coverage, so try once more.
		return s.EnqueueRetry(id, workID, op, errMsg, errDetails)
	}
	if err != nil {
		return "", fmt.Errorf("looking up existing retry for %s/%s: %w", workID, op, err)
	}
	return existing, nil
}

const retryColumns = `id, work_id, operation_type, attempt_count, max_attempts,
	next_retry_at, status, error_message, error_details, created_at, updated_at, dead_letter_at`

// ClaimDueRetryItems marks up to limit due pending items as retrying and
// returns them oldest-due-first. Claiming inside one transaction keeps
// attempts for a single item strictly sequential even if sweeps overlap.
func (s *Store) ClaimDueRetryItems(now time.Time, limit int) ([]RetryItem, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+retryColumns+`
		FROM retry_queue
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, created_at ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due retry items: %w", err)
	}
	items, err := scanRetryItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	stamp := formatTime(now)
	for i := range items {
		if _, err := tx.Exec(
			`UPDATE retry_queue SET status = 'retrying', updated_at = ? WHERE id = ?`,
			stamp, items[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claiming retry item %s: %w", items[i].ID, err)
		}
		items[i].Status = RetryRetrying
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return items, nil
}

// CompleteRetryItem deletes an item after a successful replay.
func (s *Store) CompleteRetryItem(id string) error {
	res, err := s.db.Exec("DELETE FROM retry_queue WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailRetryItem records a failed replay: the attempt count advances and the
// item either backs off (base^attempt seconds) or, once attempt_count reaches
// max_attempts, is promoted to dead_letter with the final error retained.
func (s *Store) FailRetryItem(id, errMsg, errDetails string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempt_count, max_attempts FROM retry_queue WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`
			UPDATE retry_queue
			SET status = 'dead_letter', attempt_count = ?, error_message = ?, error_details = ?,
			    dead_letter_at = ?, updated_at = ?
			WHERE id = ?`,
			attempts, errMsg, errDetails, formatTime(now), formatTime(now), id)
	} else {
		nextRetry := now.Add(RetryDelay(s.backoffBase, attempts))
		_, err = tx.Exec(`
			UPDATE retry_queue
			SET status = 'pending', attempt_count = ?, error_message = ?, error_details = ?,
			    next_retry_at = ?, updated_at = ?
			WHERE id = ?`,
			attempts, errMsg, errDetails, formatTime(nextRetry), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetRetryItem returns a retry item by id, or ErrNotFound.
func (s *Store) GetRetryItem(id string) (RetryItem, error) {
	row := s.db.QueryRow(`SELECT `+retryColumns+` FROM retry_queue WHERE id = ?`, id)
	item, err := scanRetryItem(row)
	if err == sql.ErrNoRows {
		return RetryItem{}, ErrNotFound
	}
	return item, err
}

// ListDeadLetters returns dead-lettered items newest-first.
func (s *Store) ListDeadLetters(limit, offset int) ([]RetryItem, error) {
	rows, err := s.db.Query(`
		SELECT `+retryColumns+`
		FROM retry_queue WHERE status = 'dead_letter'
		ORDER BY dead_letter_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanRetryItems(rows)
}

// ResetDeadLetter returns a dead-lettered item to the pending state with
// attempt_count 0 and an immediate next_retry_at. Only explicit admin action
// goes through here; the scheduler never revives dead letters.
func (s *Store) ResetDeadLetter(id string) error {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE retry_queue
		SET status = 'pending', attempt_count = 0, next_retry_at = ?,
		    dead_letter_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'dead_letter'`,
		now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRetryItems(rows *sql.Rows) ([]RetryItem, error) {
	defer rows.Close()
	var items []RetryItem
	for rows.Next() {
		item, err := scanRetryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanRetryItem(r rowScanner) (RetryItem, error) {
	var item RetryItem
	var op, nextRetryAt, createdAt, updatedAt string
	var deadLetterAt sql.NullString
	if err := r.Scan(&item.ID, &item.WorkID, &op, &item.AttemptCount, &item.MaxAttempts,
		&nextRetryAt, &item.Status, &item.ErrorMessage, &item.ErrorDetails,
		&createdAt, &updatedAt, &deadLetterAt); err != nil {
		return RetryItem{}, err
	}
	item.Operation = Operation(op)

	var err error
	if item.NextRetryAt, err = parseTime("next_retry_at", nextRetryAt); err != nil {
		return RetryItem{}, err
	}
	if item.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return RetryItem{}, err
	}
	if item.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return RetryItem{}, err
	}
	if deadLetterAt.Valid {
		t, err := parseTime("dead_letter_at", deadLetterAt.String)
		if err != nil {
			return RetryItem{}, err
		}
		item.DeadLetterAt = &t
	}
	return item, nil
}
