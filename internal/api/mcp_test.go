package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mkallio/worknotes/internal/storage"
	"github.com/mkallio/worknotes/internal/vectorindex"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	return MCPDeps{
		Store: openTestStore(t),
		Embedder: &mockEmbedder{
			embedFn: func(_ context.Context, _ string) ([]float32, error) {
				return []float32{0.1}, nil
			},
		},
		Index: &mockQuerier{
			queryFn: func(_ context.Context, _ []float32, _ int, _ float32) ([]vectorindex.Match, error) {
				return nil, nil
			},
		},
		SearchMinScore: 0.7,
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPSearchNotes(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Index = &mockQuerier{
		queryFn: func(_ context.Context, _ []float32, limit int, _ float32) ([]vectorindex.Match, error) {
			if limit != 3 {
				t.Errorf("limit = %d, want 3", limit)
			}
			return []vectorindex.Match{{ID: "note-1", Score: 0.9}}, nil
		},
	}
	now := storage.Touch()
	if err := deps.Store.SaveNote(storage.Note{ID: "note-1", Title: "Retro", Content: "c", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}

	handler := mcpSearchNotes(deps)
	result, err := handler(context.Background(), makeCallToolRequest("search_notes", map[string]any{
		"query": "retro",
		"limit": float64(3),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %s", toolText(t, result))
	}

	var results []searchResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Retro" {
		t.Errorf("results = %+v, want the Retro note", results)
	}
}

func TestMCPSearchNotes_RequiresQuery(t *testing.T) {
	handler := mcpSearchNotes(newTestMCPDeps(t))
	result, err := handler(context.Background(), makeCallToolRequest("search_notes", map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("missing query did not produce a tool error")
	}
}

func TestMCPIngestionStatus(t *testing.T) {
	deps := newTestMCPDeps(t)
	if _, err := deps.Store.CreateJob("job-1", "doc.pdf"); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	handler := mcpIngestionStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("ingestion_status", map[string]any{
		"job_id": "job-1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %s", toolText(t, result))
	}

	var job jobResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &job); err != nil {
		t.Fatalf("parsing job: %v", err)
	}
	if job.JobID != "job-1" || job.Status != storage.JobPending {
		t.Errorf("job = %+v, want PENDING job-1", job)
	}

	result, err = handler(context.Background(), makeCallToolRequest("ingestion_status", map[string]any{
		"job_id": "missing",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("missing job did not produce a tool error")
	}
}

func TestMCPListDeadLetters(t *testing.T) {
	deps := newTestMCPDeps(t)
	seedDeadLetter(t, deps.Store, "retry-1")

	handler := mcpListDeadLetters(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_dead_letters", map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %s", toolText(t, result))
	}

	var items []retryItemResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("parsing items: %v", err)
	}
	if len(items) != 1 || items[0].ID != "retry-1" {
		t.Errorf("items = %+v, want the single dead letter retry-1", items)
	}
}
