package escalation

import (
	"context"
	"testing"
	"time"

	"report-signal-service/database"
	"report-signal-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newEngine(store database.Store) *Engine {
	e := New(store, DefaultOptions())
	e.Now = func() time.Time { return now }
	return e
}

func score(v int) *int { return &v }

func TestEvaluateRules(t *testing.T) {
	ctx := context.Background()
	cluster := func() []*models.Report {
		var out []*models.Report
		for i := 0; i < 5; i++ {
			out = append(out, &models.Report{Locality: "Baner", City: "pune", Status: models.StatusUnderReview})
		}
		return out
	}

	testCases := []struct {
		name   string
		report *models.Report
		others []*models.Report

		expectFlag     bool
		expectContains []string
		expectTriggers []models.EscalationTrigger
	}{
		{
			name:           "Priority above threshold",
			report:         &models.Report{PriorityScore: score(75), Confidence: models.ConfidenceMedium, Status: models.StatusUnderReview, CreatedAt: now},
			expectFlag:     true,
			expectContains: []string{"priority score", "(75 >= 70)"},
			expectTriggers: []models.EscalationTrigger{models.TriggerPriorityScore},
		},
		{
			name:       "Nothing triggers",
			report:     &models.Report{PriorityScore: score(40), Confidence: models.ConfidenceMedium, Status: models.StatusUnderReview, IssueType: "Water", CreatedAt: now},
			expectFlag: false,
		},
		{
			name: "HIGH confidence cluster",
			report: &models.Report{PriorityScore: score(50), Confidence: models.ConfidenceHigh, Status: models.StatusUnderReview,
				Locality: "Baner", City: "pune", CreatedAt: now},
			others:         cluster(),
			expectFlag:     true,
			expectContains: []string{"HIGH confidence + 5 reports in Baner"},
			expectTriggers: []models.EscalationTrigger{models.TriggerHighConfidenceCluster},
		},
		{
			name: "MEDIUM confidence cluster is not enough",
			report: &models.Report{PriorityScore: score(50), Confidence: models.ConfidenceMedium, Status: models.StatusUnderReview,
				Locality: "Baner", City: "pune", CreatedAt: now},
			others:     cluster(),
			expectFlag: false,
		},
		{
			name:           "Verified and old",
			report:         &models.Report{PriorityScore: score(50), Status: models.StatusVerified, CreatedAt: now.Add(-50 * time.Hour)},
			expectFlag:     true,
			expectContains: []string{"VERIFIED issue persisting for 50.0 hours"},
			expectTriggers: []models.EscalationTrigger{models.TriggerVerifiedPersistence},
		},
		{
			name:           "Safety critical and high priority",
			report:         &models.Report{PriorityScore: score(80), IssueType: "Public Safety", Status: models.StatusUnderReview, CreatedAt: now},
			expectFlag:     true,
			expectContains: []string{"High priority score (80 >= 70) | Safety-critical issue type: Public Safety"},
			expectTriggers: []models.EscalationTrigger{models.TriggerPriorityScore, models.TriggerSafetyCritical},
		},
	}

	for _, tc := range testCases {
		store := database.NewMemoryStore()
		require.NoError(t, store.InsertReport(ctx, tc.report))
		for _, o := range tc.others {
			require.NoError(t, store.InsertReport(ctx, o))
		}

		ev, err := newEngine(store).Evaluate(ctx, tc.report)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.expectFlag, ev.Flag, tc.name)
		for _, s := range tc.expectContains {
			assert.Contains(t, ev.Reason, s, tc.name)
		}
		if tc.expectTriggers != nil {
			assert.Equal(t, tc.expectTriggers, ev.Details.Triggers, tc.name)
		}
	}
}

func TestRunRecordsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := &models.Report{PriorityScore: score(75), Status: models.StatusUnderReview, CreatedAt: now}
	require.NoError(t, store.InsertReport(ctx, r))
	e := newEngine(store)

	_, err := e.Run(ctx, r)
	require.NoError(t, err)
	_, err = e.Run(ctx, r)
	require.NoError(t, err)

	stored, err := store.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.EscalationFlag)
	require.Len(t, stored.EscalationHistory, 1)
	assert.Equal(t, models.EscalationChange{
		FromFlag: false, ToFlag: true, ChangedBy: "system", Timestamp: now, Reason: "High priority score (75 >= 70)",
	}, stored.EscalationHistory[0])
	require.NotNil(t, stored.EscalationDetails)
	assert.Equal(t, 75, stored.EscalationDetails.PriorityScore)

	// score drops: the flag clears with its own entry
	*r.PriorityScore = 30
	_, err = e.Run(ctx, r)
	require.NoError(t, err)
	assert.False(t, r.EscalationFlag)
	assert.Len(t, r.EscalationHistory, 2)
}

func TestReviewerDismissalIsKept(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := &models.Report{PriorityScore: score(90), Status: models.StatusUnderReview, CreatedAt: now}
	require.NoError(t, store.InsertReport(ctx, r))

	_, err := store.MutateReport(ctx, r.ID, func(cur *models.Report) error {
		SetFlag(cur, false, "Not actionable", "rev-1", now)
		cur.EscalationSetBy = "rev-1"
		return nil
	})
	require.NoError(t, err)

	// r is a snapshot from before the dismissal
	ev, err := newEngine(store).Run(ctx, r)
	require.NoError(t, err)
	assert.True(t, ev.Flag)
	assert.False(t, r.EscalationFlag)
	assert.Equal(t, "rev-1", r.EscalationSetBy)
	assert.Empty(t, r.EscalationHistory)
	require.NotNil(t, r.EscalationDetails)
	assert.Equal(t, 90, r.EscalationDetails.PriorityScore)
}

func TestSetFlag(t *testing.T) {
	r := &models.Report{}
	assert.False(t, SetFlag(r, false, "x", "rev-1", now))
	assert.True(t, SetFlag(r, true, "Manual escalation", "rev-1", now))
	assert.True(t, r.EscalationFlag)
	assert.Equal(t, "Manual escalation", r.EscalationReason)
	assert.True(t, SetFlag(r, false, "Dismissed", "rev-2", now))
	require.Len(t, r.EscalationHistory, 2)
	assert.Equal(t, "rev-2", r.EscalationHistory[1].ChangedBy)
}
