package stubllm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"report-signal-service/llm"
	"report-signal-service/models"
)

// Client is a deterministic, no-network summarizer for CI and local runs.
// The same request always produces the same summary.
type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) SourceName() string { return "Stub" }

func (c *Client) Summarize(ctx context.Context, req llm.Request) (*models.IssueSummary, error) {
	sum := sha256.Sum256([]byte(req.Prompt()))
	short := hex.EncodeToString(sum[:4])

	place := req.Locality
	if place == "" {
		place = req.City
	}
	return &models.IssueSummary{
		Summary:      fmt.Sprintf("%d reports of %s in %s (%s)", len(req.Descriptions), req.IssueType, place, short),
		Keywords:     keywords(req.Descriptions, 5),
		SeverityHint: "unknown",
		Language:     "en",
	}, nil
}

// keywords returns the most frequent words longer than three letters
func keywords(texts []string, max int) []string {
	counts := make(map[string]int)
	for _, t := range texts {
		for _, w := range strings.Fields(strings.ToLower(t)) {
			w = strings.Trim(w, ".,;:!?\"'()")
			if len(w) > 3 {
				counts[w]++
			}
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > max {
		words = words[:max]
	}
	return words
}
