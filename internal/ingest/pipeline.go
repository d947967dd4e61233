// Package ingest drives an uploaded PDF to a terminal ingestion job record:
// extraction, best-effort similarity search, generative drafting, and exactly
// one terminal status write.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkallio/worknotes/internal/ids"
	"github.com/mkallio/worknotes/internal/ollama"
	"github.com/mkallio/worknotes/internal/storage"
	"github.com/mkallio/worknotes/internal/vectorindex"
)

// DefaultMaxUploadBytes bounds uploads when no limit is configured.
const DefaultMaxUploadBytes = 10 << 20 // 10MB

// Only this much of the extracted text feeds the similarity query; embedding
// models truncate long inputs anyway and the head of a document carries the
// most signal.
const queryTextLimit = 2000

// JobStore persists ingestion job records.
type JobStore interface {
	CreateJob(id, sourceRef string) (storage.IngestionJob, error)
	StartJob(id string) error
	CompleteJob(id, draftJSON, refsJSON string) error
	FailJobRecord(id, errMsg string) error
	GetJob(id string) (storage.IngestionJob, error)
}

// Embedder turns query text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher queries the vector index for similar existing notes.
type Searcher interface {
	Query(ctx context.Context, vector []float32, topK int, minScore float32) ([]vectorindex.Match, error)
}

// Drafter produces the structured draft via a chat completion.
type Drafter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Hints is the optional metadata accompanying an upload.
type Hints struct {
	Category  string
	PersonIDs []string
	DeptName  string
}

// Upload is a validated document handed to the pipeline.
type Upload struct {
	Filename string
	Data     []byte
	Hints    Hints
}

// ValidationError rejects an upload before any job record exists.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// ValidateUpload checks size and declared type. Violations never become a
// job; they are rejected synchronously.
func ValidateUpload(filename, contentType string, size, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if size <= 0 {
		return &ValidationError{Msg: "empty upload"}
	}
	if size > maxBytes {
		return &ValidationError{Msg: fmt.Sprintf("upload of %d bytes exceeds limit of %d", size, maxBytes)}
	}
	isPDF := contentType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(filename), ".pdf")
	if !isPDF {
		return &ValidationError{Msg: fmt.Sprintf("unsupported upload type %q, only PDF is accepted", contentType)}
	}
	return nil
}

// Pipeline orchestrates one upload end to end.
type Pipeline struct {
	jobs     JobStore
	embedder Embedder
	index    Searcher
	drafter  Drafter
	model    string
	topK     int
	minScore float32
	logger   *slog.Logger
	newID    func() string
	extract  func(data []byte) (string, error)
}

// NewPipeline creates a Pipeline. topK <= 0 defaults to 5.
func NewPipeline(jobs JobStore, embedder Embedder, index Searcher, drafter Drafter, model string, topK int, minScore float32) *Pipeline {
	if topK <= 0 {
		topK = 5
	}
	return &Pipeline{
		jobs:     jobs,
		embedder: embedder,
		index:    index,
		drafter:  drafter,
		model:    model,
		topK:     topK,
		minScore: minScore,
		logger:   slog.Default(),
		newID:    ids.MustNew,
		extract:  ExtractText,
	}
}

// Run drives up to a terminal job record and returns it. The returned error
// is non-nil exactly when the job ended in ERROR; the job record is valid in
// both cases and is the sole source of truth for later polls.
func (p *Pipeline) Run(ctx context.Context, up Upload) (storage.IngestionJob, error) {
	job, err := p.jobs.CreateJob(p.newID(), up.Filename)
	if err != nil {
		return storage.IngestionJob{}, fmt.Errorf("creating ingestion job: %w", err)
	}
	if err := p.jobs.StartJob(job.ID); err != nil {
		return storage.IngestionJob{}, fmt.Errorf("starting ingestion job: %w", err)
	}

	text, err := p.extract(up.Data)
	if err != nil {
		return p.fail(job.ID, err)
	}

	refs := p.findSimilar(ctx, text)

	draft, err := p.draft(ctx, text, refs, up)
	if err != nil {
		return p.fail(job.ID, err)
	}

	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return p.fail(job.ID, fmt.Errorf("encoding draft: %w", err))
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return p.fail(job.ID, fmt.Errorf("encoding references: %w", err))
	}

	if err := p.jobs.CompleteJob(job.ID, string(draftJSON), string(refsJSON)); err != nil {
		return storage.IngestionJob{}, fmt.Errorf("completing ingestion job: %w", err)
	}
	return p.jobs.GetJob(job.ID)
}

// findSimilar is best-effort: any failure degrades to drafting without
// context and never aborts the pipeline. The result is always non-nil so the
// persisted references are an empty list rather than null.
func (p *Pipeline) findSimilar(ctx context.Context, text string) []Reference {
	refs := []Reference{}

	queryText := text
	if len(queryText) > queryTextLimit {
		queryText = queryText[:queryTextLimit]
	}

	vec, err := p.embedder.Embed(ctx, queryText)
	if err != nil {
		p.logger.Warn("similarity search skipped: embedding failed", "error", err)
		return refs
	}

	matches, err := p.index.Query(ctx, vec, p.topK, p.minScore)
	if err != nil {
		p.logger.Warn("similarity search skipped: index query failed", "error", err)
		return refs
	}

	for _, m := range matches {
		refs = append(refs, Reference{ID: m.ID, Score: m.Score, Category: m.Metadata.Category})
	}
	return refs
}

func (p *Pipeline) draft(ctx context.Context, text string, refs []Reference, up Upload) (Draft, error) {
	raw, err := p.drafter.Chat(ctx, p.model, BuildDraftPrompt(text, refs, up.Hints), draftSchema())
	if err != nil {
		return Draft{}, fmt.Errorf("generating draft: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return Draft{}, fmt.Errorf("parsing draft response: %w", err)
	}
	if draft.Title == "" {
		draft.Title = up.Filename
	}
	if draft.Category == "" {
		draft.Category = up.Hints.Category
	}
	if draft.Todos == nil {
		draft.Todos = []string{}
	}
	return draft, nil
}

// fail records the ERROR terminal state and returns the stored record along
// with the step error.
func (p *Pipeline) fail(jobID string, cause error) (storage.IngestionJob, error) {
	if err := p.jobs.FailJobRecord(jobID, cause.Error()); err != nil {
		p.logger.Error("failed to record ingestion error", "job_id", jobID, "error", err)
	}
	job, err := p.jobs.GetJob(jobID)
	if err != nil {
		p.logger.Error("failed to reload failed ingestion job", "job_id", jobID, "error", err)
		job = storage.IngestionJob{ID: jobID, Status: storage.JobError, ErrorMessage: cause.Error()}
	}
	return job, cause
}
