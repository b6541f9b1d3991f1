package database

import (
	"context"
	"testing"
	"time"

	"report-signal-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreReports(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	older := &models.Report{Locality: "Baner", City: "pune", CreatedAt: base}
	newer := &models.Report{Locality: "Baner", City: "pune", CreatedAt: base.Add(time.Hour)}
	other := &models.Report{Locality: "Aundh", City: "pune", CreatedAt: base.Add(2 * time.Hour)}
	for _, r := range []*models.Report{newer, other, older} {
		require.NoError(t, s.InsertReport(ctx, r))
		assert.NotEmpty(t, r.ID)
	}

	got, err := s.QueryReports(ctx, models.ReportFilter{Locality: "Baner"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID)

	got, err = s.QueryReports(ctx, models.ReportFilter{City: "pune", Newest: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, other.ID, got[0].ID)

	got, err = s.QueryReports(ctx, models.ReportFilter{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// reads are copies
	got[0].Locality = "changed"
	fresh, err := s.GetReport(ctx, got[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, "changed", fresh.Locality)

	ok, err := s.LinkReport(ctx, fresh.ID, "issue-1", base)
	require.NoError(t, err)
	assert.True(t, ok)
	linked, err := s.QueryReports(ctx, models.ReportFilter{IssueID: "issue-1"})
	require.NoError(t, err)
	assert.Len(t, linked, 1)

	_, err = s.GetReport(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.MutateReport(ctx, "missing", func(*models.Report) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LinkReport(ctx, "missing", "issue-1", base)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.InsertReport(ctx, &models.Report{ID: older.ID}))
}

func TestMemoryStoreKeepsLinkAcrossStaleWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	r := &models.Report{Locality: "Baner", City: "pune", CreatedAt: at}
	require.NoError(t, s.InsertReport(ctx, r))

	// snapshot taken before the link
	stale, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)

	ok, err := s.LinkReport(ctx, r.ID, "issue-1", at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.LinkReport(ctx, r.ID, "issue-2", at)
	require.NoError(t, err)
	assert.False(t, ok)

	score := 40
	got, err := s.MutateReport(ctx, r.ID, func(cur *models.Report) error {
		*cur = *stale
		cur.PriorityScore = &score
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "issue-1", got.IssueID)

	stored, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "issue-1", stored.IssueID)
	require.NotNil(t, stored.PriorityScore)
	assert.Equal(t, 40, *stored.PriorityScore)

	got, err = s.MutateReport(ctx, r.ID, func(cur *models.Report) error {
		cur.Locality = "ignored"
		return ErrUnchanged
	})
	require.NoError(t, err)
	assert.Equal(t, "Baner", got.Locality)
}

func TestMemoryStoreIssues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := &models.Issue{IssueType: "Water", City: "pune", Status: models.IssueActive}
	b := &models.Issue{IssueType: "Water", City: "pune", Status: models.IssueResolved}
	c := &models.Issue{IssueType: "Power", City: "pune", Status: models.IssueActive}
	for _, i := range []*models.Issue{a, b, c} {
		require.NoError(t, s.InsertIssue(ctx, i))
	}

	got, err := s.QueryIssues(ctx, models.IssueFilter{IssueType: "Water", City: "pune", Status: models.IssueActive})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	var order []string
	require.NoError(t, s.StreamIssues(ctx, func(i *models.Issue) error {
		order = append(order, i.ID)
		return nil
	}))
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, order)

	mutated, err := s.MutateIssue(ctx, a.ID, func(i *models.Issue) error {
		i.ReportIDs = append(i.ReportIDs, "r1")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, mutated.ReportIDs)
	_, err = s.MutateIssue(ctx, "missing", func(*models.Issue) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}
