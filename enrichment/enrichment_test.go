package enrichment

import (
	"context"
	"errors"
	"testing"
	"time"

	"report-signal-service/database"
	"report-signal-service/llm"
	"report-signal-service/models"
	"report-signal-service/stubllm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type failing struct{}

func (failing) Summarize(ctx context.Context, req llm.Request) (*models.IssueSummary, error) {
	return nil, errors.New("provider down")
}

func seed(t *testing.T, store database.Store) *models.Issue {
	t.Helper()
	ctx := context.Background()
	issue := &models.Issue{
		Title: "Water issue in Kothrud", IssueType: "Water", City: "pune", Locality: "Kothrud",
		Status: models.IssueActive, Confidence: models.ConfidenceMedium, ConfidenceScore: 0.55,
		CreatedAt: now, UpdatedAt: now,
	}
	for _, d := range []string{"pipe burst", "water on the road"} {
		r := &models.Report{Description: d, IssueType: "Water", CreatedAt: now}
		require.NoError(t, store.InsertReport(ctx, r))
		issue.ReportIDs = append(issue.ReportIDs, r.ID)
	}
	issue.ReportIDs = append(issue.ReportIDs, "deleted")
	issue.ReportCount = len(issue.ReportIDs)
	require.NoError(t, store.InsertIssue(ctx, issue))
	return issue
}

func TestEnrichWritesOnlySummary(t *testing.T) {
	store := database.NewMemoryStore()
	issue := seed(t, store)

	e := New(store, llm.NewRegistry(stubllm.NewClient()), time.Second, 2)
	e.Now = func() time.Time { return now }
	e.EnrichAsync(issue.ID)
	e.Wait()

	got, err := store.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AISummary)
	assert.Contains(t, got.AISummary.Summary, "2 reports of Water in Kothrud")
	assert.Equal(t, "Stub", got.AISummary.Provider)
	assert.True(t, got.AISummary.GeneratedAt.Equal(now))

	assert.Equal(t, models.ConfidenceMedium, got.Confidence)
	assert.Equal(t, 0.55, got.ConfidenceScore)
	assert.Equal(t, issue.ReportIDs, got.ReportIDs)
	assert.True(t, got.UpdatedAt.Equal(now))
}

func TestEnrichKeepsExistingSummary(t *testing.T) {
	store := database.NewMemoryStore()
	issue := seed(t, store)
	_, err := store.MutateIssue(context.Background(), issue.ID, func(i *models.Issue) error {
		i.AISummary = &models.IssueSummary{Summary: "reviewed"}
		return nil
	})
	require.NoError(t, err)

	e := New(store, failing{}, time.Second, 1)
	require.NoError(t, e.Enrich(context.Background(), issue.ID))

	got, err := store.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewed", got.AISummary.Summary)
}

// rescoring updates the issue while the provider call is in flight
type rescoring struct {
	store   database.Store
	issueID string
}

func (r rescoring) Summarize(ctx context.Context, req llm.Request) (*models.IssueSummary, error) {
	_, err := r.store.MutateIssue(ctx, r.issueID, func(i *models.Issue) error {
		i.Confidence = models.ConfidenceHigh
		i.ConfidenceScore = 0.75
		i.ReportIDs = append(i.ReportIDs, "late")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &models.IssueSummary{Summary: "pipe burst", Provider: "Test"}, nil
}

func TestEnrichKeepsConcurrentScoring(t *testing.T) {
	store := database.NewMemoryStore()
	issue := seed(t, store)

	e := New(store, rescoring{store: store, issueID: issue.ID}, time.Second, 1)
	require.NoError(t, e.Enrich(context.Background(), issue.ID))

	got, err := store.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AISummary)
	assert.Equal(t, "pipe burst", got.AISummary.Summary)
	assert.Equal(t, models.ConfidenceHigh, got.Confidence)
	assert.Equal(t, 0.75, got.ConfidenceScore)
	assert.Contains(t, got.ReportIDs, "late")
}

func TestEnrichProviderFailure(t *testing.T) {
	store := database.NewMemoryStore()
	issue := seed(t, store)

	e := New(store, failing{}, time.Second, 1)
	assert.Error(t, e.Enrich(context.Background(), issue.ID))

	got, err := store.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AISummary)

	assert.ErrorIs(t, e.Enrich(context.Background(), "missing"), database.ErrNotFound)
}
