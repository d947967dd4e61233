package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateJob inserts a new ingestion job in the PENDING state.
func (s *Store) CreateJob(id, sourceRef string) (IngestionJob, error) {
	now := time.Now()
	stamp := formatTime(now)
	_, err := s.db.Exec(`
		INSERT INTO ingestion_jobs (id, source_ref, status, created_at, updated_at)
		VALUES (?, ?, 'PENDING', ?, ?)`,
		id, sourceRef, stamp, stamp)
	if err != nil {
		return IngestionJob{}, fmt.Errorf("creating ingestion job: %w", err)
	}
	return IngestionJob{
		ID:        id,
		SourceRef: sourceRef,
		Status:    JobPending,
		CreatedAt: now.UTC().Truncate(time.Second),
		UpdatedAt: now.UTC().Truncate(time.Second),
	}, nil
}

// StartJob moves a PENDING job to PROCESSING.
func (s *Store) StartJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE ingestion_jobs SET status = 'PROCESSING', updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrTerminal)
}

// CompleteJob records the READY terminal state together with the draft and
// the similar-note references actually used. A job already in a terminal
// state is never overwritten.
func (s *Store) CompleteJob(id, draftJSON, refsJSON string) error {
	res, err := s.db.Exec(`
		UPDATE ingestion_jobs
		SET status = 'READY', draft_json = ?, refs_json = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN ('READY', 'ERROR')`,
		draftJSON, refsJSON, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrTerminal)
}

// FailJobRecord records the ERROR terminal state with the failing step's
// message. A job already in a terminal state is never overwritten.
func (s *Store) FailJobRecord(id, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE ingestion_jobs
		SET status = 'ERROR', error_message = ?, draft_json = NULL, refs_json = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN ('READY', 'ERROR')`,
		errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrTerminal)
}

// GetJob returns an ingestion job by id, or ErrNotFound.
func (s *Store) GetJob(id string) (IngestionJob, error) {
	var j IngestionJob
	var draft, refs, errMsg sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, source_ref, status, draft_json, refs_json, error_message, created_at, updated_at
		FROM ingestion_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.SourceRef, &j.Status, &draft, &refs, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return IngestionJob{}, ErrNotFound
	}
	if err != nil {
		return IngestionJob{}, err
	}
	j.DraftJSON = draft.String
	j.RefsJSON = refs.String
	j.ErrorMessage = errMsg.String
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return IngestionJob{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return IngestionJob{}, err
	}
	return j, nil
}

func oneRowOr(res sql.Result, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}
