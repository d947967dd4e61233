// Package vectorindex is the client for the remote vector index that mirrors
// note content. The index is derived state: every call here is best-effort
// and failures are classified so the retry queue can tell a transient outage
// from a request the index will never accept.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Metadata travels alongside each vector record.
type Metadata struct {
	PersonIDs string `json:"person_ids"` // comma-joined person ids
	Category  string `json:"category"`
	Bucket    string `json:"bucket"` // creation month, e.g. "2026-08"
}

// Match is one ranked result from Query.
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// BadInputError marks a request the index rejected as malformed. Retrying it
// verbatim can never succeed, so these bypass the retry queue's backoff and
// go straight to dead-letter handling by the caller's policy.
type BadInputError struct {
	Status int
	Msg    string
}

func (e *BadInputError) Error() string {
	return fmt.Sprintf("vector index rejected request (status %d): %s", e.Status, e.Msg)
}

// IsRetryable reports whether err is worth retrying against the index.
// Network failures, 5xx and rate limiting are transient; malformed input is
// not.
func IsRetryable(err error) bool {
	var bad *BadInputError
	return !errors.As(err, &bad)
}

// Client talks to the remote vector index over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the index at baseURL. apiKey may be empty for
// unauthenticated deployments.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type upsertRequest struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
}

// Upsert replaces the index record for id wholesale. There are no partial
// updates; the reconciler always recomputes the full record.
func (c *Client) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if id == "" || len(vector) == 0 {
		return &BadInputError{Status: 0, Msg: "empty id or vector"}
	}
	return c.post(ctx, "/vectors/upsert", upsertRequest{ID: id, Vector: vector, Metadata: meta}, nil)
}

type deleteRequest struct {
	ID string `json:"id"`
}

// Delete removes the record for id. Deleting an absent id is a success; the
// index converges to the same state either way.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &BadInputError{Status: 0, Msg: "empty id"}
	}
	err := c.post(ctx, "/vectors/delete", deleteRequest{ID: id}, nil)
	var bad *BadInputError
	if errors.As(err, &bad) && bad.Status == http.StatusNotFound {
		return nil
	}
	return err
}

type queryRequest struct {
	Vector   []float32 `json:"vector"`
	TopK     int       `json:"top_k"`
	MinScore float32   `json:"min_score"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

// Query returns up to topK records ranked by similarity to vector, dropping
// anything below minScore.
func (c *Client) Query(ctx context.Context, vector []float32, topK int, minScore float32) ([]Match, error) {
	if len(vector) == 0 {
		return nil, &BadInputError{Status: 0, Msg: "empty query vector"}
	}
	var result queryResponse
	if err := c.post(ctx, "/vectors/query", queryRequest{Vector: vector, TopK: topK, MinScore: minScore}, &result); err != nil {
		return nil, err
	}
	return result.Matches, nil
}

// post sends a JSON body and decodes the response into out when non-nil.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("index request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &BadInputError{Status: resp.StatusCode, Msg: readErrorBody(resp.Body)}
	default:
		return fmt.Errorf("index %s: unexpected status %d: %s", path, resp.StatusCode, readErrorBody(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// readErrorBody pulls a short error description out of a failed response.
func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil || len(b) == 0 {
		return "(no body)"
	}
	return strings.TrimSpace(string(b))
}
