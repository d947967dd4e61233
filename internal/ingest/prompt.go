package ingest

import (
	"fmt"
	"strings"

	"github.com/mkallio/worknotes/internal/ollama"
)

// Draft is the structured note proposal produced from an uploaded document.
// It is a suggestion for human review, never an authoritative record.
type Draft struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Todos    []string `json:"todos"`
}

// Reference points at an existing note the drafting step used as context.
type Reference struct {
	ID       string  `json:"id"`
	Score    float32 `json:"score"`
	Category string  `json:"category,omitempty"`
}

const draftSystemPrompt = `You draft work notes from uploaded documents.
Given the document text, produce a concise note draft: a short title, a
summary of the key points as the content, a single category word, and a list
of concrete follow-up todos (empty if the document implies none).
Respond with JSON only.`

// BuildDraftPrompt assembles the chat messages for the drafting call. Similar
// existing notes, when available, are included as context so the draft lands
// near the user's existing vocabulary; hints carry upload metadata.
func BuildDraftPrompt(text string, similar []Reference, hints Hints) []ollama.Message {
	var sb strings.Builder

	if hints.Category != "" {
		fmt.Fprintf(&sb, "Preferred category: %s\n", hints.Category)
	}
	if hints.DeptName != "" {
		fmt.Fprintf(&sb, "Department: %s\n", hints.DeptName)
	}
	if len(similar) > 0 {
		sb.WriteString("Related existing notes (id, category, similarity):\n")
		for _, ref := range similar {
			fmt.Fprintf(&sb, "- %s %s %.2f\n", ref.ID, ref.Category, ref.Score)
		}
	}
	sb.WriteString("\nDocument text:\n")
	sb.WriteString(text)

	return []ollama.Message{
		{Role: "system", Content: draftSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// draftSchema is the JSON schema the model's response must match.
func draftSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"title":    {Type: "string", Description: "Short note title"},
			"content":  {Type: "string", Description: "Summary of the document's key points"},
			"category": {Type: "string", Description: "Single category word"},
			"todos": {
				Type:        "array",
				Description: "Concrete follow-up actions, empty if none",
				Items:       &ollama.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"title", "content", "category", "todos"},
	}
}
