package llm

import (
	"context"
	"errors"
	"testing"

	"report-signal-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fake struct {
	name    string
	summary *models.IssueSummary
	err     error
}

func (f fake) SourceName() string { return f.name }

func (f fake) Summarize(ctx context.Context, req Request) (*models.IssueSummary, error) {
	return f.summary, f.err
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry(
		fake{name: "broken", err: errors.New("timeout")},
		fake{name: "blank", summary: &models.IssueSummary{}},
		fake{name: "ok", summary: &models.IssueSummary{Summary: "flooding"}},
	)
	s, err := r.Summarize(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "flooding", s.Summary)
	assert.Equal(t, "ok", s.Provider)

	_, err = NewRegistry().Summarize(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestParseSummary(t *testing.T) {
	s, err := ParseSummary("```json\n{\"summary\":\"x\",\"language\":\"hi\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "x", s.Summary)
	assert.Equal(t, "hi", s.Language)

	s, err = ParseSummary(`Here you go: {"summary":"y"} thanks`)
	require.NoError(t, err)
	assert.Equal(t, "y", s.Summary)

	_, err = ParseSummary("no json here")
	assert.Error(t, err)
}

func TestPrompt(t *testing.T) {
	p := Request{Title: "Water issue in Kothrud", IssueType: "Water", City: "pune", Locality: "Kothrud", Descriptions: []string{"a", "b"}}.Prompt()
	assert.Contains(t, p, "Location: Kothrud, pune")
	assert.Contains(t, p, "2. b")
}
