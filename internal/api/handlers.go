// Package api exposes the HTTP surface: note mutations that trigger index
// reconciliation, the synchronous PDF ingestion endpoint, semantic search,
// and the dead-letter admin interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkallio/worknotes/internal/ids"
	"github.com/mkallio/worknotes/internal/ingest"
	"github.com/mkallio/worknotes/internal/storage"
	"github.com/mkallio/worknotes/internal/vectorindex"
)

// Dispatcher triggers reconciliation for a note mutation without ever
// failing the mutation itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, workID string, op storage.Operation)
}

// IngestRunner drives one upload to a terminal ingestion job.
type IngestRunner interface {
	Run(ctx context.Context, up ingest.Upload) (storage.IngestionJob, error)
}

// Embedder turns a search query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IndexQuerier performs similarity search against the vector index.
type IndexQuerier interface {
	Query(ctx context.Context, vector []float32, topK int, minScore float32) ([]vectorindex.Match, error)
}

// Deps holds everything the handler tree needs.
type Deps struct {
	Store          *storage.Store
	Reconciler     Dispatcher
	Pipeline       IngestRunner
	Embedder       Embedder
	Index          IndexQuerier
	Token          string
	MaxUploadBytes int64
	SearchTopK     int
	SearchMinScore float32
	DevMode        bool
	Logger         *slog.Logger
}

// NewHandler builds the chi router for the service.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = ingest.DefaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/notes", handleCreateNote(deps))
		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Put("/notes/{id}", handleUpdateNote(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))

		r.Get("/search", handleSearch(deps))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/ingest/{id}", handleGetIngestion(deps))

		r.Get("/dead-letters", handleListDeadLetters(deps))
		r.Get("/dead-letters/{id}", handleGetDeadLetter(deps))
		r.Post("/dead-letters/{id}/retry", handleRetryDeadLetter(deps))
	})

	return r
}

// --- Notes ---

type noteRequest struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	PersonIDs []string `json:"person_ids"`
}

type noteResponse struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	PersonIDs []string `json:"person_ids"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func toNoteResponse(n storage.Note) noteResponse {
	personIDs := []string{}
	if n.PersonIDs != "" {
		_ = json.Unmarshal([]byte(n.PersonIDs), &personIDs)
	}
	return noteResponse{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		Category:  n.Category,
		PersonIDs: personIDs,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
		UpdatedAt: n.UpdatedAt.Format(time.RFC3339),
	}
}

func decodeNoteRequest(w http.ResponseWriter, r *http.Request) (noteRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return noteRequest{}, false
	}
	if strings.TrimSpace(req.Title) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
		return noteRequest{}, false
	}
	return req, true
}

func handleCreateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeNoteRequest(w, r)
		if !ok {
			return
		}

		personIDs, err := json.Marshal(orEmpty(req.PersonIDs))
		if err != nil {
			internalError(deps, w, "encoding person ids", err)
			return
		}

		now := storage.Touch()
		note := storage.Note{
			ID:        ids.MustNew(),
			Title:     req.Title,
			Content:   req.Content,
			Category:  req.Category,
			PersonIDs: string(personIDs),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.SaveNote(note); err != nil {
			internalError(deps, w, "saving note", err)
			return
		}

		// Reconciliation is off the critical path: the outcome is absorbed
		// by the retry queue, and an abandoned request must not cancel it.
		deps.Reconciler.Dispatch(context.WithoutCancel(r.Context()), note.ID, storage.OpCreate)

		writeJSON(w, http.StatusCreated, toNoteResponse(note))
	}
}

func handleUpdateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		existing, err := deps.Store.GetNote(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			internalError(deps, w, "loading note", err)
			return
		}

		req, ok := decodeNoteRequest(w, r)
		if !ok {
			return
		}

		personIDs, err := json.Marshal(orEmpty(req.PersonIDs))
		if err != nil {
			internalError(deps, w, "encoding person ids", err)
			return
		}

		existing.Title = req.Title
		existing.Content = req.Content
		existing.Category = req.Category
		existing.PersonIDs = string(personIDs)
		existing.UpdatedAt = storage.Touch()
		if err := deps.Store.SaveNote(existing); err != nil {
			internalError(deps, w, "saving note", err)
			return
		}

		deps.Reconciler.Dispatch(context.WithoutCancel(r.Context()), existing.ID, storage.OpUpdate)

		writeJSON(w, http.StatusOK, toNoteResponse(existing))
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.DeleteNote(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			internalError(deps, w, "deleting note", err)
			return
		}

		deps.Reconciler.Dispatch(context.WithoutCancel(r.Context()), id, storage.OpDelete)

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		note, err := deps.Store.GetNote(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			internalError(deps, w, "loading note", err)
			return
		}
		writeJSON(w, http.StatusOK, toNoteResponse(note))
	}
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		notes, err := deps.Store.ListNotes(limit, offset)
		if err != nil {
			internalError(deps, w, "listing notes", err)
			return
		}

		out := make([]noteResponse, 0, len(notes))
		for _, n := range notes {
			out = append(out, toNoteResponse(n))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- Semantic search ---

type searchResult struct {
	ID       string  `json:"id"`
	Title    string  `json:"title,omitempty"`
	Category string  `json:"category,omitempty"`
	Score    float32 `json:"score"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", deps.SearchTopK, 50)
		if limit <= 0 {
			limit = 5
		}

		vec, err := deps.Embedder.Embed(r.Context(), query)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "embedding query failed: %v", err)
			return
		}
		matches, err := deps.Index.Query(r.Context(), vec, limit, deps.SearchMinScore)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "index query failed: %v", err)
			return
		}

		results := make([]searchResult, 0, len(matches))
		for _, m := range matches {
			res := searchResult{ID: m.ID, Category: m.Metadata.Category, Score: m.Score}
			// The index is eventually consistent; a match may point at a
			// note that no longer exists. Keep the id, skip the title.
			if note, err := deps.Store.GetNote(m.ID); err == nil {
				res.Title = note.Title
			}
			results = append(results, res)
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// --- Ingestion ---

type jobResponse struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	Draft        json.RawMessage `json:"draft,omitempty"`
	References   json.RawMessage `json:"references,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

func toJobResponse(j storage.IngestionJob) jobResponse {
	resp := jobResponse{
		JobID:        j.ID,
		Status:       j.Status,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
	if j.DraftJSON != "" {
		resp.Draft = json.RawMessage(j.DraftJSON)
	}
	if j.RefsJSON != "" {
		resp.References = json.RawMessage(j.RefsJSON)
	}
	return resp
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Slack over the document limit covers multipart framing and the
		// metadata fields.
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+(1<<20))
		if err := r.ParseMultipartForm(deps.MaxUploadBytes + (1 << 20)); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart request: %v", err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required")
			return
		}
		defer file.Close()

		if err := ingest.ValidateUpload(header.Filename, header.Header.Get("Content-Type"), header.Size, deps.MaxUploadBytes); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		up := ingest.Upload{
			Filename: header.Filename,
			Data:     data,
			Hints: ingest.Hints{
				Category: r.FormValue("category"),
				DeptName: r.FormValue("dept_name"),
			},
		}
		if raw := r.FormValue("person_ids"); raw != "" {
			up.Hints.PersonIDs = strings.Split(raw, ",")
		}

		// The client waits synchronously for the draft, but an abandoned
		// request must not cancel in-flight pipeline steps.
		job, runErr := deps.Pipeline.Run(context.WithoutCancel(r.Context()), up)
		if runErr != nil && job.ID == "" {
			internalError(deps, w, "running ingestion pipeline", runErr)
			return
		}

		status := http.StatusOK
		if job.Status == storage.JobError {
			// The upload failed, but the response still carries the job
			// record for traceability.
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, toJobResponse(job))
	}
}

func handleGetIngestion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "ingestion job not found")
			return
		}
		if err != nil {
			internalError(deps, w, "loading ingestion job", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// --- Dead-letter admin ---

type retryItemResponse struct {
	ID           string `json:"id"`
	WorkID       string `json:"work_id"`
	Operation    string `json:"operation_type"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	NextRetryAt  string `json:"next_retry_at"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	ErrorDetails string `json:"error_details"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	DeadLetterAt string `json:"dead_letter_at,omitempty"`
}

func toRetryItemResponse(item storage.RetryItem) retryItemResponse {
	resp := retryItemResponse{
		ID:           item.ID,
		WorkID:       item.WorkID,
		Operation:    string(item.Operation),
		AttemptCount: item.AttemptCount,
		MaxAttempts:  item.MaxAttempts,
		NextRetryAt:  item.NextRetryAt.Format(time.RFC3339),
		Status:       item.Status,
		ErrorMessage: item.ErrorMessage,
		ErrorDetails: item.ErrorDetails,
		CreatedAt:    item.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    item.UpdatedAt.Format(time.RFC3339),
	}
	if item.DeadLetterAt != nil {
		resp.DeadLetterAt = item.DeadLetterAt.Format(time.RFC3339)
	}
	return resp
}

func handleListDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		items, err := deps.Store.ListDeadLetters(limit, offset)
		if err != nil {
			internalError(deps, w, "listing dead letters", err)
			return
		}

		out := make([]retryItemResponse, 0, len(items))
		for _, item := range items {
			out = append(out, toRetryItemResponse(item))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := deps.Store.GetRetryItem(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "retry item not found")
			return
		}
		if err != nil {
			internalError(deps, w, "loading retry item", err)
			return
		}
		writeJSON(w, http.StatusOK, toRetryItemResponse(item))
	}
}

func handleRetryDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.ResetDeadLetter(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no dead-letter item with that id")
			return
		}
		if err != nil {
			internalError(deps, w, "resetting dead letter", err)
			return
		}

		item, err := deps.Store.GetRetryItem(id)
		if err != nil {
			internalError(deps, w, "loading retry item", err)
			return
		}
		writeJSON(w, http.StatusOK, toRetryItemResponse(item))
	}
}

// --- Helpers ---

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// internalError logs the full error server-side and surfaces a generic
// message, unless dev mode is on.
func internalError(deps Deps, w http.ResponseWriter, action string, err error) {
	deps.Logger.Error(action+" failed", "error", err)
	if deps.DevMode {
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
