package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RerankSystemPrompt instructs a chat model to behave as a scorer. Providers
// without a native rerank endpoint reuse their generation endpoint with it.
const RerankSystemPrompt = "You are a relevance scorer. Given a query and a numbered list of documents, " +
	"reply with only a JSON array of relevance scores between 0.0 and 1.0, one per document, in order."

// RerankPayload is the JSON shape a rerank request's payload must carry
type RerankPayload struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// ParseRerankPayload decodes and validates a rerank payload
func ParseRerankPayload(payload string) (*RerankPayload, error) {
	var p RerankPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("rerank payload must be JSON with query and documents: %w", err)
	}
	if p.Query == "" {
		return nil, fmt.Errorf("rerank payload has no query")
	}
	if len(p.Documents) == 0 {
		return nil, fmt.Errorf("rerank payload has no documents")
	}
	return &p, nil
}

// Prompt renders the payload as the user message for a scoring model
func (p *RerankPayload) Prompt() string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(p.Query)
	b.WriteString("\n\nDocuments:\n")
	for i, doc := range p.Documents {
		fmt.Fprintf(&b, "%d. %s\n", i+1, doc)
	}
	return b.String()
}

// ParseRerankScores extracts the JSON score array from model output. Models
// occasionally wrap the array in prose or code fences, so parsing scans for
// the bracketed segment rather than decoding the raw text.
func ParseRerankScores(output string, want int) ([]float64, error) {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no score array in model output")
	}

	var scores []float64
	if err := json.Unmarshal([]byte(output[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("malformed score array: %w", err)
	}
	if len(scores) != want {
		return nil, fmt.Errorf("expected %d scores, got %d", want, len(scores))
	}
	return scores, nil
}
