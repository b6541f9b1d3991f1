package issueconfidence

import (
	"context"
	"testing"
	"time"

	"report-signal-service/database"
	"report-signal-service/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(store database.Store) *Engine {
	e := New(store)
	e.Now = func() time.Time { return now }
	return e
}

// seedIssue stores n reports and an issue formed from them
func seedIssue(t *testing.T, store database.Store, created time.Time, reports ...*models.Report) *models.Issue {
	t.Helper()
	ctx := context.Background()
	issue := &models.Issue{
		IssueType:       "Water",
		City:            "pune",
		Status:          models.IssueActive,
		Confidence:      models.ConfidenceLow,
		ConfidenceScore: 0.2,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	for _, r := range reports {
		require.NoError(t, store.InsertReport(ctx, r))
		issue.ReportIDs = append(issue.ReportIDs, r.ID)
	}
	issue.ReportCount = len(reports)
	issue.InitialReportCount = len(reports)
	issue.ConfidenceTimeline = []models.TimelineEntry{{NewScore: 0.2, NewLabel: models.ConfidenceLow, Reason: CreationReason(len(reports)), Timestamp: created}}
	require.NoError(t, store.InsertIssue(ctx, issue))
	return issue
}

func plain(n int, ip string) []*models.Report {
	var out []*models.Report
	for i := 0; i < n; i++ {
		out = append(out, &models.Report{IssueType: "Water", IPHash: ip, CreatedAt: now})
	}
	return out
}

func TestLabel(t *testing.T) {
	assert.Equal(t, models.ConfidenceLow, Label(decimal.RequireFromString("0.35")))
	assert.Equal(t, models.ConfidenceMedium, Label(decimal.RequireFromString("0.4")))
	assert.Equal(t, models.ConfidenceMedium, Label(decimal.RequireFromString("0.65")))
	assert.Equal(t, models.ConfidenceHigh, Label(decimal.RequireFromString("0.7")))
}

func TestScore(t *testing.T) {
	issue := &models.Issue{InitialReportCount: 5, CreatedAt: now.Add(-3 * time.Hour)}
	reports := append(plain(4, "a"), plain(4, "b")...)
	reports[0].Media = []string{"x.jpg"}

	score, reason := Score(issue, reports, now)
	assert.Equal(t, "0.8", score.String())
	assert.Equal(t, "3 additional reports received; 2 unique reporters; Persisted for 3 hours; Media evidence present", reason)

	fresh := &models.Issue{InitialReportCount: 5, CreatedAt: now}
	score, reason = Score(fresh, plain(5, "a"), now)
	assert.Equal(t, "0.2", score.String())
	assert.Equal(t, "Issue created from 5 reports", reason)
}

func TestScoreMaximum(t *testing.T) {
	issue := &models.Issue{InitialReportCount: 1, CreatedAt: now.Add(-48 * time.Hour)}
	reports := append(plain(5, "a"), plain(5, "b")...)
	reports[3].Media = []string{"x.jpg"}
	score, _ := Score(issue, reports, now)
	assert.True(t, score.LessThanOrEqual(decimal.NewFromInt(1)))
	assert.Equal(t, "0.8", score.String())
}

func TestRecalculateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	issue := seedIssue(t, store, now.Add(-3*time.Hour), append(plain(3, "a"), plain(2, "b")...)...)
	e := newEngine(store)

	first, err := e.Recalculate(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, 0.5, first.Score)
	assert.Equal(t, models.ConfidenceMedium, first.Label)

	second, err := e.Recalculate(ctx, issue.ID)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Label, second.Label)

	stored, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, stored.ConfidenceTimeline, 2)
	last := stored.ConfidenceTimeline[1]
	assert.Equal(t, 0.2, last.PreviousScore)
	assert.Equal(t, 0.5, last.NewScore)
	assert.Equal(t, models.ConfidenceLow, last.PreviousLabel)
	assert.Equal(t, models.ConfidenceMedium, last.NewLabel)
	assert.Equal(t, "2 unique reporters; Persisted for 3 hours", last.Reason)
}

func TestRecalculateSelfHeals(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	issue := seedIssue(t, store, now, plain(5, "a")...)

	_, err := store.MutateIssue(ctx, issue.ID, func(i *models.Issue) error {
		i.ReportIDs = append(i.ReportIDs, "gone")
		i.ReportCount = 6
		return nil
	})
	require.NoError(t, err)

	res, err := newEngine(store).Recalculate(ctx, issue.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	stored, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.ReportCount)
	assert.Len(t, stored.ReportIDs, 5)
	assert.NotContains(t, stored.ReportIDs, "gone")
}

// mergingStore links another report to the issue the first time a linked
// report is read
type mergingStore struct {
	*database.MemoryStore
	issueID string
	late    *models.Report
	done    bool
}

func (m *mergingStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	if !m.done {
		m.done = true
		if err := m.MemoryStore.InsertReport(ctx, m.late); err != nil {
			return nil, err
		}
		_, err := m.MemoryStore.MutateIssue(ctx, m.issueID, func(i *models.Issue) error {
			i.ReportIDs = append(i.ReportIDs, m.late.ID)
			i.ReportCount = len(i.ReportIDs)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return m.MemoryStore.GetReport(ctx, id)
}

func TestRecalculateKeepsReportsMergedMeanwhile(t *testing.T) {
	ctx := context.Background()
	mem := database.NewMemoryStore()
	issue := seedIssue(t, mem, now, plain(5, "a")...)
	_, err := mem.MutateIssue(ctx, issue.ID, func(i *models.Issue) error {
		i.ReportIDs = append(i.ReportIDs, "gone")
		return nil
	})
	require.NoError(t, err)

	store := &mergingStore{MemoryStore: mem, issueID: issue.ID, late: plain(1, "z")[0]}
	_, err = newEngine(store).Recalculate(ctx, issue.ID)
	require.NoError(t, err)

	stored, err := mem.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ReportIDs, store.late.ID)
	assert.NotContains(t, stored.ReportIDs, "gone")
	assert.Len(t, stored.ReportIDs, 6)
	assert.Equal(t, 6, stored.ReportCount)
}

func TestRecalculateAll(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	a := seedIssue(t, store, now.Add(-5*time.Hour), plain(5, "a")...)
	b := seedIssue(t, store, now, plain(5, "b")...)

	sum, err := newEngine(store).RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Updated)
	assert.Equal(t, 0, sum.Failed)
	assert.Empty(t, sum.Errors)

	stored, _ := store.GetIssue(ctx, a.ID)
	assert.Equal(t, 0.35, stored.ConfidenceScore)
	stored, _ = store.GetIssue(ctx, b.ID)
	assert.Equal(t, 0.2, stored.ConfidenceScore)
}

func TestRecalculateMissingIssue(t *testing.T) {
	_, err := newEngine(database.NewMemoryStore()).Recalculate(context.Background(), "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
