package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"report-signal-service/models"

	"github.com/apex/log"
)

// Summarizer abstracts an LLM provider that writes issue summaries.
// Implementations must be safe for concurrent use.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*models.IssueSummary, error)
	// SourceName is the provider label stored with the summary
	SourceName() string
}

// Request is the text an issue summary is built from
type Request struct {
	Title        string
	IssueType    string
	City         string
	Locality     string
	Descriptions []string
}

// Prompt renders the request as the user message
func (r Request) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\nType: %s\nLocation: %s, %s\nReports:\n", r.Title, r.IssueType, r.Locality, r.City)
	for i, d := range r.Descriptions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d)
	}
	return b.String()
}

var ErrNoProvider = errors.New("no summarization provider succeeded")

// Registry asks providers in order and returns the first summary
type Registry struct {
	providers []Summarizer
}

func NewRegistry(providers ...Summarizer) *Registry {
	return &Registry{providers: providers}
}

func (r *Registry) Len() int { return len(r.providers) }

func (r *Registry) Summarize(ctx context.Context, req Request) (*models.IssueSummary, error) {
	for _, p := range r.providers {
		summary, err := p.Summarize(ctx, req)
		if err != nil {
			log.WithError(err).Warnf("Summarizer %s failed", p.SourceName())
			continue
		}
		if summary == nil || summary.Summary == "" {
			continue
		}
		summary.Provider = p.SourceName()
		return summary, nil
	}
	return nil, ErrNoProvider
}

// ParseSummary decodes a model answer, tolerating a markdown code fence
// around the JSON object
func ParseSummary(text string) (*models.IssueSummary, error) {
	var s models.IssueSummary
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &s, nil
}

func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}
