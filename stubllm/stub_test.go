package stubllm

import (
	"context"
	"testing"

	"report-signal-service/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeIsDeterministic(t *testing.T) {
	req := llm.Request{
		IssueType:    "Water",
		City:         "pune",
		Locality:     "Kothrud",
		Descriptions: []string{"Water pipe burst near school", "pipe burst, water everywhere", "No water since morning"},
	}
	c := NewClient()
	a, err := c.Summarize(context.Background(), req)
	require.NoError(t, err)
	b, err := c.Summarize(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Contains(t, a.Summary, "3 reports of Water in Kothrud")
	assert.Equal(t, []string{"water", "burst", "pipe", "everywhere", "morning"}, a.Keywords)
	assert.Equal(t, "en", a.Language)
}
