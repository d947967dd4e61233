package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when a terminal ingestion job is asked to
// transition again.
var ErrTerminal = errors.New("job already in a terminal state")

// Retry queue defaults. Five attempts with base 2 gives delays of
// 0s, 2s, 4s, 8s and 16s before dead-lettering.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 2
)

// Operation is the kind of note mutation a retry item replays.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Retry item statuses.
const (
	RetryPending    = "pending"
	RetryRetrying   = "retrying"
	RetryDeadLetter = "dead_letter"
)

// Ingestion job statuses. READY and ERROR are terminal.
const (
	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobReady      = "READY"
	JobError      = "ERROR"
)

// Note is the authoritative work-note record. The vector index only ever
// holds a derived copy of it.
type Note struct {
	ID        string
	Title     string
	Content   string
	Category  string
	PersonIDs string // JSON array stored as text
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RetryItem is one failed reconciliation attempt awaiting replay.
type RetryItem struct {
	ID           string
	WorkID       string
	Operation    Operation
	AttemptCount int
	MaxAttempts  int
	NextRetryAt  time.Time
	Status       string
	ErrorMessage string
	ErrorDetails string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeadLetterAt *time.Time
}

// IngestionJob tracks one uploaded document through the drafting pipeline.
type IngestionJob struct {
	ID           string
	SourceRef    string
	Status       string
	DraftJSON    string // empty until READY
	RefsJSON     string // empty until READY
	ErrorMessage string // empty unless ERROR
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the job has reached a final state.
func (j IngestionJob) Terminal() bool {
	return j.Status == JobReady || j.Status == JobError
}
